package wasm

import (
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// bridge calls exported state functions across the wasm boundary.
// Functions take (input_ptr u32, input_len u32) and return a u64
// packing (output_ptr << 32) | output_len; input is allocated through
// the module's malloc and freed after the call, output is allocated by
// the module and freed after reading.
type bridge struct {
	module  api.Module
	memory  api.Memory
	malloc  api.Function
	free    api.Function
	funcs   map[string]api.Function
	timeout time.Duration
}

func newBridge(module api.Module, exports []string, timeout time.Duration) (*bridge, error) {
	b := &bridge{
		module:  module,
		timeout: timeout,
		funcs:   make(map[string]api.Function, len(exports)),
	}

	b.memory = module.Memory()
	if b.memory == nil {
		return nil, fmt.Errorf("wasm module does not export memory")
	}
	b.malloc = module.ExportedFunction("malloc")
	if b.malloc == nil {
		return nil, fmt.Errorf("wasm module does not export malloc function")
	}
	b.free = module.ExportedFunction("free")
	if b.free == nil {
		return nil, fmt.Errorf("wasm module does not export free function")
	}

	for _, name := range exports {
		fn := module.ExportedFunction(name)
		if fn == nil {
			return nil, fmt.Errorf("wasm module does not export %s function", name)
		}
		b.funcs[name] = fn
	}

	return b, nil
}

// call invokes one exported function with a JSON payload and returns
// the JSON response.
func (b *bridge) call(ctx context.Context, name string, input []byte) ([]byte, error) {
	fn, ok := b.funcs[name]
	if !ok {
		return nil, fmt.Errorf("function %s is not bridged", name)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate wasm memory: %w", err)
		}
		defer b.deallocate(ctx, ptr)

		inputPtr = ptr
		inputLen = uint32(len(input))
		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to wasm memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("wasm function call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("wasm function returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	output, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from wasm memory")
	}
	// Copy before freeing; Read returns a view into linear memory.
	out := append([]byte(nil), output...)
	_ = b.deallocate(ctx, outputPtr)

	return out, nil
}

func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (b *bridge) deallocate(ctx context.Context, ptr uint32) error {
	_, err := b.free.Call(ctx, uint64(ptr))
	if err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
