package state

import (
	"path"
	"slices"
)

// FindChunks returns every low chunk of the given state ref whose name or
// declaration ID matches the glob pattern. The special state ref "sls"
// matches chunks by source file instead.
func FindChunks(low []*Chunk, stateRef, pattern string) []*Chunk {
	var out []*Chunk
	for _, c := range low {
		if stateRef == "sls" {
			if globMatch(c.SLS, pattern) {
				out = append(out, c)
			}
			continue
		}
		if c.State != stateRef {
			continue
		}
		if globMatch(c.Name, pattern) || globMatch(c.ID, pattern) {
			out = append(out, c)
		}
	}
	return out
}

func globMatch(s, pattern string) bool {
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}

// GatherLowItems collects the low chunks for the required declaration IDs
// together with the transitive closure of their require and arg_bind
// dependencies. Beyond the first level, chunks whose function is
// "present" are skipped: those resources are served from the enforced
// state on a targeted or reconciliation re-run, while absent and helper
// chunks still execute.
func GatherLowItems(low []*Chunk, required []string) []*Chunk {
	var items []*Chunk
	gatherLowItems(low, required, &items, false)
	return items
}

func gatherLowItems(low []*Chunk, required []string, items *[]*Chunk, filterPresent bool) {
	for _, req := range required {
		var reqItems []*Chunk
		for _, c := range low {
			if c.ID == req {
				reqItems = append(reqItems, c)
			}
		}
		if filterPresent && len(*items) > 0 {
			reqItems = slices.DeleteFunc(reqItems, func(c *Chunk) bool {
				return c.Fun == "present"
			})
		}
		for _, item := range reqItems {
			if slices.Contains(*items, item) {
				continue
			}
			*items = append(*items, item)

			var reqIDs []string
			for _, ref := range item.Requires[ReqRequire] {
				reqIDs = append(reqIDs, ref.Name)
			}
			for _, ref := range item.Requires[ReqArgBind] {
				reqIDs = append(reqIDs, ref.Name)
			}
			if len(reqIDs) > 0 {
				gatherLowItems(low, reqIDs, items, true)
			}
		}
	}
}
