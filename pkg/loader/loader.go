// Package loader reads state source files into high data. Sources are
// YAML documents; the special top-level keys include, extend, and
// __exclude__ are lifted into their High fields, everything else is a
// declaration. Declarations are schema-checked with CUE before the
// compiler sees them.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// Exts are the recognized state source extensions.
var Exts = []string{".sls", ".yaml", ".yml"}

// Options configures a Loader.
type Options struct {
	Logger zerolog.Logger
}

// Loader parses state sources into a RunState's high data.
type Loader struct {
	schema *schema
	log    zerolog.Logger
}

// New returns a Loader. The builtin high-data schema is compiled once
// here.
func New(opts Options) (*Loader, error) {
	s, err := newSchema()
	if err != nil {
		return nil, err
	}
	return &Loader{schema: s, log: opts.Logger}, nil
}

// Load parses the given source files into rs.High. Includes resolve
// relative to each file's directory and load once each regardless of
// how many files pull them in. Malformed declarations become run errors
// rather than failing the load; only unreadable inputs return an error.
func (l *Loader) Load(rs *state.RunState, files ...string) error {
	seen := make(map[string]bool)
	for _, file := range files {
		if err := l.loadFile(rs, file, seen); err != nil {
			return err
		}
	}
	l.validate(rs)
	return nil
}

// LoadRef resolves a dotted source ref under dir and loads it. The ref
// "networks.dmz" resolves to dir/networks/dmz.sls, falling back through
// the recognized extensions and an init file in the named directory.
func (l *Loader) LoadRef(rs *state.RunState, dir, ref string) error {
	path, ok := resolveRef(dir, ref)
	if !ok {
		return state.NewGatherError(fmt.Sprintf("source ref '%s' did not resolve under %s", ref, dir), nil).
			WithRun(rs.Name)
	}
	return l.Load(rs, path)
}

func (l *Loader) loadFile(rs *state.RunState, file string, seen map[string]bool) error {
	abs, err := filepath.Abs(file)
	if err != nil {
		return state.NewGatherError(fmt.Sprintf("failed to resolve source path %s", file), err).WithRun(rs.Name)
	}
	if seen[abs] {
		return nil
	}
	seen[abs] = true

	raw, err := os.ReadFile(abs)
	if err != nil {
		return state.NewGatherError(fmt.Sprintf("failed to read source %s", file), err).WithRun(rs.Name)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		l.log.Info().Str("file", file).Msg("source resolved to no state")
		return nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		rs.AddError(fmt.Sprintf("Error while parsing '%s': %v", file, err))
		return nil
	}
	root := documentRoot(&doc)
	if root == nil {
		l.log.Info().Str("file", file).Msg("source resolved to no state")
		return nil
	}
	if root.Kind != yaml.MappingNode {
		rs.AddError(fmt.Sprintf("Source %s is not formed as a map but as a %s", file, nodeKind(root)))
		return nil
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		switch key.Value {
		case "include":
			if err := l.applyInclude(rs, file, value, seen); err != nil {
				return err
			}
		case "extend":
			l.applyExtend(rs, file, value)
		case "__exclude__":
			l.applyExclude(rs, file, value)
		default:
			l.applyDeclaration(rs, file, key, value)
		}
	}
	return nil
}

func (l *Loader) applyInclude(rs *state.RunState, file string, node *yaml.Node, seen map[string]bool) error {
	if node.Kind != yaml.SequenceNode {
		rs.AddError(fmt.Sprintf("Include in '%s' must be a list, got a %s", file, nodeKind(node)))
		return nil
	}
	dir := filepath.Dir(file)
	for _, item := range node.Content {
		if item.Kind != yaml.ScalarNode {
			rs.AddError(fmt.Sprintf("Include entry in '%s' must be a string", file))
			continue
		}
		path, ok := resolveRef(dir, item.Value)
		if !ok {
			rs.AddError(fmt.Sprintf("Include '%s' in '%s' did not resolve", item.Value, file))
			continue
		}
		if err := l.loadFile(rs, path, seen); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) applyExtend(rs *state.RunState, file string, node *yaml.Node) {
	if node.Kind != yaml.MappingNode {
		rs.AddError(fmt.Sprintf("Extend in '%s' must be a map, got a %s", file, nodeKind(node)))
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		id, body := node.Content[i], node.Content[i+1]
		var decl state.Declaration
		if err := body.Decode(&decl); err != nil {
			rs.AddError(fmt.Sprintf("Extend of '%s' in '%s' is malformed: %v", id.Value, file, err))
			continue
		}
		rs.High.Extend = append(rs.High.Extend, state.ExtendEntry{
			ID:   id.Value,
			SLS:  file,
			Body: decl,
		})
	}
}

func (l *Loader) applyExclude(rs *state.RunState, file string, node *yaml.Node) {
	if node.Kind != yaml.SequenceNode {
		rs.AddError(fmt.Sprintf("Exclude in '%s' must be a list, got a %s", file, nodeKind(node)))
		return
	}
	for _, item := range node.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			rs.High.Exclude = append(rs.High.Exclude, state.ExcludeRef{ID: item.Value})
		case yaml.MappingNode:
			for i := 0; i+1 < len(item.Content); i += 2 {
				stateRef, name := item.Content[i], item.Content[i+1]
				rs.High.Exclude = append(rs.High.Exclude, state.ExcludeRef{
					State: stateRef.Value,
					Name:  name.Value,
				})
			}
		default:
			rs.AddError(fmt.Sprintf("Exclude entry in '%s' must be an ID or a state: name map", file))
		}
	}
}

func (l *Loader) applyDeclaration(rs *state.RunState, file string, key, body *yaml.Node) {
	id := key.Value
	if prev, ok := rs.Meta[id]; ok {
		rs.AddError(fmt.Sprintf("Duplicate declaration ID '%s' found in '%s' and '%s'", id, prev.File, file))
		return
	}
	if body.Kind != yaml.MappingNode {
		rs.AddError(fmt.Sprintf("Declaration '%s' in '%s' is not formed as a map but as a %s", id, file, nodeKind(body)))
		return
	}
	var decl state.Declaration
	if err := body.Decode(&decl); err != nil {
		rs.AddError(fmt.Sprintf("Declaration '%s' in '%s' is malformed: %v", id, file, err))
		return
	}
	rs.High.Declarations[id] = decl
	rs.High.DeclOrder = append(rs.High.DeclOrder, id)
	rs.Meta[id] = state.SourceMeta{File: file, Line: key.Line}
}

// validate runs every loaded declaration through the high-data schema.
// Violations append as declaration errors with their source location.
func (l *Loader) validate(rs *state.RunState) {
	for _, id := range rs.High.DeclOrder {
		decl, ok := rs.High.Declarations[id]
		if !ok {
			continue
		}
		if err := l.schema.check(decl); err != nil {
			meta := rs.Meta[id]
			rs.AddError(fmt.Sprintf("Validation failed for '%s' in '%s': %v", id, meta.File, err))
		}
	}
	for _, ext := range rs.High.Extend {
		if err := l.schema.check(ext.Body); err != nil {
			rs.AddError(fmt.Sprintf("Validation failed for extend of '%s' in '%s': %v", ext.ID, ext.SLS, err))
		}
	}
}

// resolveRef maps a dotted ref to a source file under dir, trying each
// recognized extension and an init file for directory refs.
func resolveRef(dir, ref string) (string, bool) {
	base := filepath.Join(dir, filepath.FromSlash(strings.ReplaceAll(ref, ".", "/")))
	for _, ext := range Exts {
		if path := base + ext; fileExists(path) {
			return path, true
		}
	}
	for _, ext := range Exts {
		if path := filepath.Join(base, "init"+ext); fileExists(path) {
			return path, true
		}
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func documentRoot(doc *yaml.Node) *yaml.Node {
	if doc.Kind == yaml.DocumentNode {
		if len(doc.Content) == 0 {
			return nil
		}
		return doc.Content[0]
	}
	return doc
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.MappingNode:
		return "map"
	case yaml.SequenceNode:
		return "list"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "document"
}
