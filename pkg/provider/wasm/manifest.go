package wasm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Manifest describes one provider bundle: a wasm module plus the states
// it serves. It lives in a manifest.yaml next to the module.
type Manifest struct {
	// Name identifies the bundle.
	Name string `yaml:"name" validate:"required"`

	// Version is the bundle version.
	Version string `yaml:"version" validate:"required"`

	// Author is informational.
	Author string `yaml:"author"`

	// Module is the wasm file, relative to the manifest.
	Module string `yaml:"module" validate:"required"`

	// Checksum is the hex sha256 of the wasm module.
	Checksum string `yaml:"checksum" validate:"required,len=64,hexadecimal"`

	// States maps state refs to the functions the module exports for
	// them.
	States map[string]StateSpec `yaml:"states" validate:"required,min=1,dive"`

	// Path is where the manifest was loaded from.
	Path string `yaml:"-"`
}

// StateSpec declares one state ref served by the bundle.
type StateSpec struct {
	// Functions lists the state functions, e.g. [present, absent].
	Functions []string `yaml:"functions" validate:"required,min=1,dive,required"`

	// Params declares argument names per function.
	Params map[string][]string `yaml:"params"`

	// SkipESM marks the state as self-managing.
	SkipESM bool `yaml:"skip_esm"`

	// ReconcileWait declares the wait strategy between re-runs.
	ReconcileWait map[string]any `yaml:"reconcile_wait"`
}

// LoadManifest reads and validates a manifest and its wasm module. The
// module bytes are returned only when their sha256 matches the declared
// checksum.
func LoadManifest(path string) (*Manifest, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	manifest.Path = path

	if err := validator.New().Struct(&manifest); err != nil {
		return nil, nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}

	wasmPath := manifest.Module
	if !filepath.IsAbs(wasmPath) {
		wasmPath = filepath.Join(filepath.Dir(path), wasmPath)
	}
	module, err := os.ReadFile(wasmPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read wasm module %s: %w", wasmPath, err)
	}

	if err := verifyChecksum(module, manifest.Checksum); err != nil {
		return nil, nil, fmt.Errorf("bundle %s: %w", manifest.Name, err)
	}

	return &manifest, module, nil
}

// verifyChecksum compares the module's sha256 against the declared one.
func verifyChecksum(module []byte, declared string) error {
	hash := sha256.Sum256(module)
	computed := hex.EncodeToString(hash[:])
	if computed != declared {
		return fmt.Errorf("wasm module checksum mismatch: expected %s, got %s", declared, computed)
	}
	return nil
}

// DiscoverBundles finds manifest.yaml files under the given directories.
func DiscoverBundles(dirs []string) ([]string, error) {
	var manifests []string
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && filepath.Base(path) == "manifest.yaml" {
				manifests = append(manifests, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan bundle directory %s: %w", dir, err)
		}
	}
	return manifests, nil
}
