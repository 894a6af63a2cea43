package wasm

import (
	"sort"

	werrors "github.com/wasmgo/wasp/errors"
)

const maxLocalCount = 1<<32 - 1

// localRun is one run-length group of same-typed locals within a scope:
// valType holds for every index up to (but not including) cumulative,
// counted from the start of its own scope.
type localRun struct {
	valType    ValType
	cumulative uint64
}

// localScope is one level of the LocalMap's scope stack: the base scope
// (always present) or one nested `let` prologue.
type localScope struct {
	runs  []localRun
	count uint64
}

func (s *localScope) getType(i uint64) (ValType, bool) {
	if i >= s.count {
		return 0, false
	}
	n := sort.Search(len(s.runs), func(k int) bool {
		return s.runs[k].cumulative > i
	})
	if n >= len(s.runs) {
		return 0, false
	}
	return s.runs[n].valType, true
}

// LocalMap maps a function body's local indices to their value types
// under nested `let` scopes. Indices in the innermost open scope come
// before indices in any enclosing scope: push() opens a new `let`
// prologue, and subsequent Append calls extend it, effectively
// prepending those locals ahead of everything appended so far.
type LocalMap struct {
	// scopes is ordered innermost-first: scopes[0] is the top of the
	// scope stack (or the base scope, if nothing has been pushed).
	scopes []*localScope
}

// NewLocalMap returns an empty LocalMap with just the base scope.
func NewLocalMap() *LocalMap {
	return &LocalMap{scopes: []*localScope{{}}}
}

// Push opens a new `let` prologue scope; its locals will occupy the
// lowest indices until Pop.
func (lm *LocalMap) Push() {
	lm.scopes = append([]*localScope{{}}, lm.scopes...)
}

// Pop closes the innermost `let` prologue scope, discarding its locals.
// Popping the base scope is a no-op: the base scope is never removed.
func (lm *LocalMap) Pop() {
	if len(lm.scopes) <= 1 {
		return
	}
	lm.scopes = lm.scopes[1:]
}

// Append extends the innermost open scope with count locals of the given
// type. It refuses to grow the map's total local count past 2^32-1.
func (lm *LocalMap) Append(count uint32, valType ValType) error {
	if count == 0 {
		return nil
	}
	if lm.GetCount()+uint64(count) > maxLocalCount {
		return werrors.Overflow(werrors.PhaseDecode, []string{"locals"}, lm.GetCount()+uint64(count), "uint32 local count")
	}
	top := lm.scopes[0]
	top.count += uint64(count)
	top.runs = append(top.runs, localRun{valType: valType, cumulative: top.count})
	return nil
}

// GetType returns the value type at local index i, or (0, false) if i is
// out of range.
func (lm *LocalMap) GetType(i uint64) (ValType, bool) {
	for _, scope := range lm.scopes {
		if i < scope.count {
			return scope.getType(i)
		}
		i -= scope.count
	}
	return 0, false
}

// GetCount returns the total number of locals across every open scope.
func (lm *LocalMap) GetCount() uint64 {
	var total uint64
	for _, scope := range lm.scopes {
		total += scope.count
	}
	return total
}
