package wasm_test

import (
	"testing"

	"github.com/wasmgo/wasp/wasm"
)

func TestLocalMap_AppendAndLookup(t *testing.T) {
	lm := wasm.NewLocalMap()
	if err := lm.Append(2, wasm.ValI32); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := lm.Append(1, wasm.ValF64); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if got := lm.GetCount(); got != 3 {
		t.Fatalf("GetCount() = %d, want 3", got)
	}

	cases := []struct {
		idx  uint64
		want wasm.ValType
	}{
		{0, wasm.ValI32},
		{1, wasm.ValI32},
		{2, wasm.ValF64},
	}
	for _, c := range cases {
		got, ok := lm.GetType(c.idx)
		if !ok {
			t.Fatalf("GetType(%d): not found", c.idx)
		}
		if got != c.want {
			t.Errorf("GetType(%d) = %v, want %v", c.idx, got, c.want)
		}
	}

	if _, ok := lm.GetType(3); ok {
		t.Error("GetType(3) should be out of range")
	}
}

func TestLocalMap_PushPopPrepends(t *testing.T) {
	lm := wasm.NewLocalMap()
	if err := lm.Append(1, wasm.ValI32); err != nil {
		t.Fatalf("Append: %v", err)
	}

	lm.Push()
	if err := lm.Append(1, wasm.ValF32); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Inner `let` local comes before the outer i32 local.
	got, ok := lm.GetType(0)
	if !ok || got != wasm.ValF32 {
		t.Errorf("GetType(0) = (%v, %v), want (f32, true)", got, ok)
	}
	got, ok = lm.GetType(1)
	if !ok || got != wasm.ValI32 {
		t.Errorf("GetType(1) = (%v, %v), want (i32, true)", got, ok)
	}
	if lm.GetCount() != 2 {
		t.Fatalf("GetCount() = %d, want 2", lm.GetCount())
	}

	lm.Pop()
	if lm.GetCount() != 1 {
		t.Fatalf("GetCount() after Pop = %d, want 1", lm.GetCount())
	}
	got, ok = lm.GetType(0)
	if !ok || got != wasm.ValI32 {
		t.Errorf("GetType(0) after Pop = (%v, %v), want (i32, true)", got, ok)
	}
}

func TestLocalMap_PopBaseScopeIsNoOp(t *testing.T) {
	lm := wasm.NewLocalMap()
	lm.Append(1, wasm.ValI32)
	lm.Pop()
	if lm.GetCount() != 1 {
		t.Errorf("Pop on base scope should be a no-op, GetCount() = %d", lm.GetCount())
	}
}

func TestLocalMap_AppendOverflow(t *testing.T) {
	lm := wasm.NewLocalMap()
	if err := lm.Append(^uint32(0), wasm.ValI32); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := lm.Append(1, wasm.ValI32); err == nil {
		t.Error("expected overflow error appending past 2^32-1 locals")
	}
}

func TestLocalMap_AppendZeroIsNoop(t *testing.T) {
	lm := wasm.NewLocalMap()
	if err := lm.Append(0, wasm.ValI32); err != nil {
		t.Fatalf("Append(0, ...) returned error: %v", err)
	}
	if lm.GetCount() != 0 {
		t.Errorf("GetCount() = %d, want 0", lm.GetCount())
	}
}
