// Package main is the demo.kv provider bundle: a minimal guest-side
// provider showing the bundle calling convention. Each state function
// is exported as <state ref with dots as underscores>_<fun>, takes an
// input pointer and length, and returns a u64 packing the output
// pointer and length. The host allocates input through the exported
// malloc and frees it after the call.
//
// Build with tinygo and package it next to a manifest.yaml naming the
// module checksum:
//
//	tinygo build -o demo.kv.wasm -target=wasi ./providers/demo.kv
package main

import (
	"encoding/json"
	"fmt"
	"unsafe"
)

// request mirrors the host's call document.
type request struct {
	Run         string         `json:"run"`
	Tag         string         `json:"tag"`
	Test        bool           `json:"test"`
	InvertState bool           `json:"invert_state"`
	OldState    map[string]any `json:"old_state"`
	Name        string         `json:"name"`
	Args        map[string]any `json:"args"`
}

// response mirrors the state return the host decodes.
type response struct {
	Result   *bool          `json:"result"`
	Comment  []string       `json:"comment,omitempty"`
	OldState map[string]any `json:"old_state,omitempty"`
	NewState map[string]any `json:"new_state,omitempty"`
	Changes  map[string]any `json:"changes,omitempty"`
}

func main() {}

//export demo_kv_present
func demoKVPresent(ptr, length uint32) uint64 {
	return respond(handle(decode(ptr, length), present))
}

//export demo_kv_absent
func demoKVAbsent(ptr, length uint32) uint64 {
	return respond(handle(decode(ptr, length), absent))
}

// handle runs one state function, turning a decode failure into a
// failed response.
func handle(req *request, fn func(*request) *response) *response {
	if req == nil {
		return fail("invalid request payload")
	}
	return fn(req)
}

// present converges the key to the declared value. The enforced state
// from the last run arrives as old_state; a matching value is a no-op.
func present(req *request) *response {
	desired := req.Args["value"]
	current, exists := currentValue(req.OldState)

	if exists && current == desired {
		return &response{
			Result:   boolPtr(true),
			Comment:  []string{fmt.Sprintf("Key %s is in the desired state", req.Name)},
			OldState: req.OldState,
			NewState: req.OldState,
		}
	}

	changes := map[string]any{"value": map[string]any{"old": current, "new": desired}}
	if req.Test {
		verb := "create"
		if exists {
			verb = "update"
		}
		return &response{
			Comment:  []string{fmt.Sprintf("Would %s key %s", verb, req.Name)},
			OldState: req.OldState,
			Changes:  changes,
		}
	}
	return &response{
		Result:   boolPtr(true),
		Comment:  []string{fmt.Sprintf("Key %s set", req.Name)},
		OldState: req.OldState,
		NewState: map[string]any{"key": req.Name, "value": desired},
		Changes:  changes,
	}
}

// absent removes the key. A key with no enforced state is already
// absent.
func absent(req *request) *response {
	if _, exists := currentValue(req.OldState); !exists {
		return &response{
			Result:  boolPtr(true),
			Comment: []string{fmt.Sprintf("Key %s is already absent", req.Name)},
		}
	}
	if req.Test {
		return &response{
			Comment:  []string{fmt.Sprintf("Would remove key %s", req.Name)},
			OldState: req.OldState,
			Changes:  map[string]any{"removed": req.Name},
		}
	}
	return &response{
		Result:   boolPtr(true),
		Comment:  []string{fmt.Sprintf("Key %s removed", req.Name)},
		OldState: req.OldState,
		Changes:  map[string]any{"removed": req.Name},
	}
}

func currentValue(old map[string]any) (any, bool) {
	if old == nil {
		return nil, false
	}
	v, ok := old["value"]
	return v, ok
}

func fail(msg string) *response {
	return &response{Result: boolPtr(false), Comment: []string{msg}}
}

func boolPtr(v bool) *bool { return &v }

// decode reads the request out of linear memory. Returns nil when the
// payload does not parse.
func decode(ptr, length uint32) *request {
	raw := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), int(length))
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil
	}
	return &req
}

// respond writes the response into module-owned memory and packs its
// location into the return value.
func respond(res *response) uint64 {
	raw, err := json.Marshal(res)
	if err != nil {
		raw = []byte(`{"result":false,"comment":["failed to encode response"]}`)
	}
	ptr := malloc(uint32(len(raw)))
	out := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), len(raw))
	copy(out, raw)
	return uint64(ptr)<<32 | uint64(len(raw))
}

// allocs pins handed-out buffers so the collector keeps them until the
// host frees them.
var allocs = map[uintptr][]byte{}

//export malloc
func malloc(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	buf := make([]byte, size)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	allocs[ptr] = buf
	return uint32(ptr)
}

//export free
func free(ptr uint32) {
	delete(allocs, uintptr(ptr))
}
