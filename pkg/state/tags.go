package state

import (
	"fmt"
	"strings"
)

// tagDelim separates the four identity fields of a chunk tag. It never
// appears inside state refs, declaration IDs, or function names.
const tagDelim = "_|-"

// MakeTag returns the canonical tag for a chunk:
// state_|-__id___|-name_|-fun.
func MakeTag(c *Chunk) string {
	return fmt.Sprintf("%s%s%s%s%s%s%s", c.State, tagDelim, c.ID, tagDelim, c.Name, tagDelim, c.Fun)
}

// ESMTag returns the enforced-state key for a chunk: the tag without the
// function segment, so present and absent address the same entry.
func ESMTag(c *Chunk) string {
	return fmt.Sprintf("%s%s%s%s%s", c.State, tagDelim, c.ID, tagDelim, c.Name)
}

// SplitTag breaks a tag into its identity fields. It is the inverse of
// MakeTag for any tag MakeTag produced.
func SplitTag(tag string) (stateRef, id, name, fun string) {
	parts := strings.SplitN(tag, tagDelim, 4)
	for len(parts) < 4 {
		parts = append(parts, "")
	}
	return parts[0], parts[1], parts[2], parts[3]
}

// StateOfTag returns the state ref a tag belongs to: the prefix before
// the first delimiter.
func StateOfTag(tag string) string {
	if i := strings.Index(tag, "_|"); i >= 0 {
		return tag[:i]
	}
	return tag
}

// TrimFun returns the ESM tag for a full chunk tag by dropping the
// trailing function segment.
func TrimFun(tag string) string {
	if i := strings.LastIndex(tag, tagDelim); i >= 0 {
		return tag[:i]
	}
	return tag
}
