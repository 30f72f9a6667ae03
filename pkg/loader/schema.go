package loader

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// schema validates declaration bodies against the high-data shape
// before compilation.
type schema struct {
	ctx *cue.Context
	val cue.Value
	mu  sync.Mutex
}

func newSchema() (*schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(builtinHighSchema)
	if err := val.Err(); err != nil {
		return nil, state.NewStructuralError("failed to compile high-data schema", err)
	}
	return &schema{ctx: ctx, val: val.LookupPath(cue.ParsePath("#Declaration"))}, nil
}

// check unifies one declaration body with the schema. The cue.Context is
// not safe for concurrent Encode calls, so checks serialize.
func (s *schema) check(decl state.Declaration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dataVal := s.ctx.Encode(map[string][]any(decl))
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode declaration: %w", err)
	}

	unified := s.val.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

const builtinHighSchema = `
// High-data declaration body. Keys are state references, values are the
// entry list for that state. Entries are either a bare function name or
// an argument block.
#Declaration: {
	[=~"^[a-zA-Z0-9_]+(\\.[a-zA-Z0-9_]+)*$"]: [...#Entry]
}

#Entry: string | #ArgBlock

#ArgBlock: {
	// Explicit ordering hint for the compiler's order stage.
	order?: int | "first" | "last"

	// Requisite references, each a single state: id pair.
	require?:      #ReqList
	watch?:        #ReqList
	prereq?:       #ReqList
	onchanges?:    #ReqList
	onfail?:       #ReqList
	require_in?:   #ReqList
	watch_in?:     #ReqList
	onfail_in?:    #ReqList
	onchanges_in?: #ReqList

	reconcile_wait?: {[string]: {...}}

	...
}

#ReqList: [...({[string]: string | [...]} | string)]
`
