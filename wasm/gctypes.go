package wasm

// subTypeAt returns the SubType at flat type index idx, synthesizing one
// for a plain TypeDefKindFunc entry (treated as a final type with no
// parents) so callers have a single shape to recurse over. Returns false
// if idx is out of range.
func (m *Module) subTypeAt(idx uint32) (SubType, bool) {
	if len(m.TypeDefs) == 0 {
		if int(idx) >= len(m.Types) {
			return SubType{}, false
		}
		ft := m.Types[idx]
		return SubType{Final: true, CompType: CompType{Kind: CompKindFunc, Func: &ft}}, true
	}
	flat := uint32(0)
	for i := range m.TypeDefs {
		td := &m.TypeDefs[i]
		switch td.Kind {
		case TypeDefKindFunc:
			if flat == idx {
				return SubType{Final: true, CompType: CompType{Kind: CompKindFunc, Func: td.Func}}, true
			}
			flat++
		case TypeDefKindSub:
			if flat == idx {
				return *td.Sub, true
			}
			flat++
		case TypeDefKindRec:
			for j := range td.Rec.Types {
				if flat == idx {
					return td.Rec.Types[j], true
				}
				flat++
			}
		}
	}
	return SubType{}, false
}

// gcTypeEquivalence answers structural-equivalence queries between GC type
// indices, coinductively: a recursive type that refers back to itself (or
// to a type currently being compared against it) is treated as equal on
// that cycle, matching how the GC proposal defines equivalence for
// recursive type groups.
type gcTypeEquivalence struct {
	m    *Module
	memo *assumptionMap
}

func newGCTypeEquivalence(m *Module) *gcTypeEquivalence {
	return &gcTypeEquivalence{m: m, memo: newAssumptionMap()}
}

// Equal reports whether type indices a and b are structurally equivalent.
func (e *gcTypeEquivalence) Equal(a, b uint32) bool {
	if a == b {
		return true
	}
	switch e.memo.Get(a, b) {
	case assumeYes:
		return true
	case assumeNo:
		return false
	case assumeMaybe:
		// Cycle back to a pair already being checked: assume equal so
		// the recursive structure doesn't loop forever.
		return true
	}

	e.memo.Assume(a, b)
	equal := e.compare(a, b)
	e.memo.Resolve(a, b, equal)
	return equal
}

func (e *gcTypeEquivalence) compare(a, b uint32) bool {
	sa, ok1 := e.m.subTypeAt(a)
	sb, ok2 := e.m.subTypeAt(b)
	if !ok1 || !ok2 {
		return false
	}
	if sa.Final != sb.Final || sa.CompType.Kind != sb.CompType.Kind {
		return false
	}
	switch sa.CompType.Kind {
	case CompKindFunc:
		return e.funcTypesEqual(sa.CompType.Func, sb.CompType.Func)
	case CompKindStruct:
		return e.structTypesEqual(sa.CompType.Struct, sb.CompType.Struct)
	case CompKindArray:
		if sa.CompType.Array == nil || sb.CompType.Array == nil {
			return sa.CompType.Array == sb.CompType.Array
		}
		return e.fieldTypesEqual(sa.CompType.Array.Element, sb.CompType.Array.Element)
	}
	return false
}

func (e *gcTypeEquivalence) funcTypesEqual(a, b *FuncType) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.ExtParams) > 0 || len(b.ExtParams) > 0 {
		if len(a.ExtParams) != len(b.ExtParams) || len(a.ExtResults) != len(b.ExtResults) {
			return false
		}
		for i := range a.ExtParams {
			if !e.extValTypesEqual(a.ExtParams[i], b.ExtParams[i]) {
				return false
			}
		}
		for i := range a.ExtResults {
			if !e.extValTypesEqual(a.ExtResults[i], b.ExtResults[i]) {
				return false
			}
		}
		return true
	}
	return typesEqual(*a, *b)
}

func (e *gcTypeEquivalence) extValTypesEqual(a, b ExtValType) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind != ExtValKindRef {
		return a.ValType == b.ValType
	}
	if a.RefType.Nullable != b.RefType.Nullable {
		return false
	}
	return e.heapTypesEqual(a.RefType.HeapType, b.RefType.HeapType)
}

// heapTypesEqual compares heap-type immediates: negative values are
// abstract heap types (func, extern, any, ...) compared by value; non-
// negative values are type indices compared via structural equivalence.
func (e *gcTypeEquivalence) heapTypesEqual(a, b int64) bool {
	if a == b {
		return true
	}
	if a < 0 || b < 0 {
		return false
	}
	return e.Equal(uint32(a), uint32(b))
}

func (e *gcTypeEquivalence) structTypesEqual(a, b *StructType) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for i := range a.Fields {
		if !e.fieldTypesEqual(a.Fields[i], b.Fields[i]) {
			return false
		}
	}
	return true
}

func (e *gcTypeEquivalence) fieldTypesEqual(a, b FieldType) bool {
	if a.Mutable != b.Mutable || a.Type.Kind != b.Type.Kind {
		return false
	}
	switch a.Type.Kind {
	case StorageKindVal:
		return a.Type.ValType == b.Type.ValType
	case StorageKindPacked:
		return a.Type.Packed == b.Type.Packed
	case StorageKindRef:
		return a.Type.RefType.Nullable == b.Type.RefType.Nullable &&
			e.heapTypesEqual(a.Type.RefType.HeapType, b.Type.RefType.HeapType)
	}
	return false
}

// widthSubtypeCompatible reports whether child is a valid width/depth
// subtype of parent per the GC proposal's explicit subtyping rule: same
// composite kind, and for struct/func, a field-for-field prefix match
// against parent's fields (a struct subtype may only append fields; a
// func subtype's signature must match exactly since params/results have
// no declared variance here).
func (e *gcTypeEquivalence) widthSubtypeCompatible(child, parent CompType) bool {
	if child.Kind != parent.Kind {
		return false
	}
	switch child.Kind {
	case CompKindFunc:
		return e.funcTypesEqual(child.Func, parent.Func)
	case CompKindStruct:
		if parent.Struct == nil || child.Struct == nil {
			return parent.Struct == child.Struct
		}
		if len(child.Struct.Fields) < len(parent.Struct.Fields) {
			return false
		}
		for i := range parent.Struct.Fields {
			if !e.fieldTypesEqual(child.Struct.Fields[i], parent.Struct.Fields[i]) {
				return false
			}
		}
		return true
	case CompKindArray:
		if child.Array == nil || parent.Array == nil {
			return child.Array == parent.Array
		}
		return e.fieldTypesEqual(child.Array.Element, parent.Array.Element)
	}
	return false
}

// CanonicalTypeGroups partitions every type index [0, NumTypes()) into
// structural-equivalence classes using a disjoint-set forest: types that
// Equal() judges the same end up in the same class, including ones only
// equal through a mutually-recursive cycle. The result is one representative
// index per class, keyed by disjointSet.find.
func (m *Module) CanonicalTypeGroups() map[uint32][]uint32 {
	n := m.NumTypes()
	ds := newDisjointSet(n)
	eq := newGCTypeEquivalence(m)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if eq.Equal(uint32(i), uint32(j)) {
				ds.union(uint32(i), uint32(j))
			}
		}
	}
	groups := make(map[uint32][]uint32)
	for i := 0; i < n; i++ {
		root := ds.find(uint32(i))
		groups[root] = append(groups[root], uint32(i))
	}
	return groups
}
