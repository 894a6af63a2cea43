package wasm

import (
	"fmt"

	werrors "github.com/wasmgo/wasp/errors"
)

// Validate checks the module for structural validity, stopping at the
// first problem found. Kept for callers that only want a single error;
// ValidateAll reports every independent problem at once.
func (m *Module) Validate() error {
	if errs := m.ValidateAll(); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// ValidateAll runs every structural check under AllFeatures(), so a module
// that relies on reference-types or multi-memory to have more than one
// table or memory is not rejected by a caller that never mentioned which
// proposals it cares about. ValidateAllWithFeatures lets a caller tie
// validation to the same feature set it decoded with.
func (m *Module) ValidateAll() []error {
	return m.ValidateAllWithFeatures(AllFeatures())
}

// ValidateAllWithFeatures runs every structural check and returns every
// problem found, rather than stopping at the first one. Each of the checks
// below is independent of the others (they read disjoint parts of the
// module), so one failing check does not prevent the rest from running.
// features gates the checks whose legality depends on an enabled proposal:
// without FeatureReferenceTypes a module may declare at most one table,
// without FeatureMultiMemory at most one memory, and without
// FeatureMutableGlobal a mutable global may not be exported.
func (m *Module) ValidateAllWithFeatures(features Features) []error {
	checks := []func() error{
		m.validateTypeIndices,
		m.validateFunctionIndices,
		m.validateTableIndices,
		m.validateMemoryIndices,
		m.validateGlobalIndices,
		m.validateTagIndices,
		m.validateExports,
		func() error { return m.validateMutableGlobalExports(features) },
		func() error { return m.validateSpaceCounts(features) },
		m.validateStart,
		m.validateDataCount,
		m.validateCodeCount,
		m.validateMemoryLimits,
		m.validateTypeSubtyping,
		m.validateTypeCanonicalization,
		m.validateLocalIndices,
	}
	var errs []error
	for _, check := range checks {
		if err := check(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// ParseModuleValidate parses a WebAssembly binary and validates it.
// This is a convenience function combining ParseModule and Validate.
func ParseModuleValidate(data []byte) (*Module, error) {
	m, err := ParseModule(data)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// invalidIndexError renders the canonical out-of-range message for a
// reference into one of the module's index spaces.
func invalidIndexError(desc string, idx, limit uint32) error {
	return fmt.Errorf("Invalid %s %d, must be less than %d", desc, idx, limit)
}

func (m *Module) validateTypeIndices() error {
	numTypes := uint32(m.NumTypes())
	if numTypes == 0 {
		// No types defined, but check if anything references types
		if len(m.Funcs) > 0 {
			return fmt.Errorf("function references type but no types defined")
		}
		return nil
	}

	// Check function type indices
	for _, typeIdx := range m.Funcs {
		if typeIdx >= numTypes {
			return invalidIndexError("type index", typeIdx, numTypes)
		}
	}

	// Check import type indices
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindFunc {
			if imp.Desc.TypeIdx >= numTypes {
				return invalidIndexError("type index", imp.Desc.TypeIdx, numTypes)
			}
		}
		if imp.Desc.Kind == KindTag && imp.Desc.Tag != nil {
			if imp.Desc.Tag.TypeIdx >= numTypes {
				return invalidIndexError("type index", imp.Desc.Tag.TypeIdx, numTypes)
			}
		}
	}

	// Check tag type indices
	for _, tag := range m.Tags {
		if tag.TypeIdx >= numTypes {
			return invalidIndexError("type index", tag.TypeIdx, numTypes)
		}
	}

	return nil
}

func (m *Module) validateFunctionIndices() error {
	numFuncs := uint32(m.NumImportedFuncs() + len(m.Funcs))

	// Check start function
	if m.Start != nil && *m.Start >= numFuncs {
		return invalidIndexError("function index", *m.Start, numFuncs)
	}

	// Check element function indices
	for _, elem := range m.Elements {
		for _, funcIdx := range elem.FuncIdxs {
			if funcIdx >= numFuncs {
				return invalidIndexError("function index", funcIdx, numFuncs)
			}
		}
	}

	// Check export function indices
	for _, exp := range m.Exports {
		if exp.Kind == KindFunc && exp.Idx >= numFuncs {
			return invalidIndexError("function index", exp.Idx, numFuncs)
		}
	}

	return nil
}

func (m *Module) validateTableIndices() error {
	numTables := uint32(m.NumImportedTables() + len(m.Tables))

	// Check element table indices (only for active segments)
	for _, elem := range m.Elements {
		// Passive (flags & 1) and declarative (flags == 3, 7) segments don't reference tables
		isPassive := elem.Flags&0x01 != 0
		if !isPassive && elem.TableIdx >= numTables {
			return invalidIndexError("table index", elem.TableIdx, numTables)
		}
	}

	// Check export table indices
	for _, exp := range m.Exports {
		if exp.Kind == KindTable && exp.Idx >= numTables {
			return invalidIndexError("table index", exp.Idx, numTables)
		}
	}

	return nil
}

func (m *Module) validateMemoryIndices() error {
	numMemories := uint32(m.NumImportedMemories() + len(m.Memories))

	// Check data segment memory indices (only for active segments)
	for _, data := range m.Data {
		// Passive segments (flags == 1) don't reference memory
		if data.Flags != 1 && data.MemIdx >= numMemories {
			return invalidIndexError("memory index", data.MemIdx, numMemories)
		}
	}

	// Check export memory indices
	for _, exp := range m.Exports {
		if exp.Kind == KindMemory && exp.Idx >= numMemories {
			return invalidIndexError("memory index", exp.Idx, numMemories)
		}
	}

	return nil
}

func (m *Module) validateGlobalIndices() error {
	numGlobals := uint32(m.NumImportedGlobals() + len(m.Globals))

	// Check export global indices
	for _, exp := range m.Exports {
		if exp.Kind == KindGlobal && exp.Idx >= numGlobals {
			return invalidIndexError("global index", exp.Idx, numGlobals)
		}
	}

	return nil
}

func (m *Module) validateTagIndices() error {
	numTags := uint32(m.NumImportedTags() + len(m.Tags))

	// Check export tag indices
	for _, exp := range m.Exports {
		if exp.Kind == KindTag && exp.Idx >= numTags {
			return invalidIndexError("tag index", exp.Idx, numTags)
		}
	}

	return nil
}

func (m *Module) validateExports() error {
	seen := make(map[string]bool)
	for i, exp := range m.Exports {
		if seen[exp.Name] {
			return fmt.Errorf("duplicate export name %q at index %d", exp.Name, i)
		}
		seen[exp.Name] = true
	}
	return nil
}

// validateMutableGlobalExports rejects exporting a mutable global unless
// FeatureMutableGlobal is enabled. The export's global index is assumed
// already in range; validateGlobalIndices runs that check independently.
func (m *Module) validateMutableGlobalExports(features Features) error {
	if features.Get(FeatureMutableGlobal) {
		return nil
	}
	numImported := m.NumImportedGlobals()
	for _, exp := range m.Exports {
		if exp.Kind != KindGlobal {
			continue
		}
		idx := int(exp.Idx)
		var mutable bool
		switch {
		case idx < numImported:
			mutable = m.Imports[globalImportAt(m, idx)].Desc.Global.Mutable
		case idx-numImported < len(m.Globals):
			mutable = m.Globals[idx-numImported].Type.Mutable
		default:
			continue
		}
		if mutable {
			return fmt.Errorf("mutable globals cannot be exported")
		}
	}
	return nil
}

// globalImportAt returns the index into m.Imports of the globalIdx'th
// imported global.
func globalImportAt(m *Module, globalIdx int) int {
	count := 0
	for i, imp := range m.Imports {
		if imp.Desc.Kind != KindGlobal {
			continue
		}
		if count == globalIdx {
			return i
		}
		count++
	}
	return -1
}

// validateSpaceCounts enforces the proposal-gated caps on how many tables
// and memories a module may declare: more than one of either requires the
// reference-types / multi-memory proposal respectively.
func (m *Module) validateSpaceCounts(features Features) error {
	numTables := m.NumImportedTables() + len(m.Tables)
	if !features.Get(FeatureReferenceTypes) && numTables > 1 {
		return fmt.Errorf("Too many tables, must be 1 or fewer")
	}
	numMemories := m.NumImportedMemories() + len(m.Memories)
	if !features.Get(FeatureMultiMemory) && numMemories > 1 {
		return fmt.Errorf("Too many memories, must be 1 or fewer")
	}
	return nil
}

func (m *Module) validateStart() error {
	if m.Start == nil {
		return nil
	}

	funcType := m.GetFuncType(*m.Start)
	if funcType == nil {
		return fmt.Errorf("start function %d has no type", *m.Start)
	}

	if len(funcType.Params) != 0 {
		return fmt.Errorf("Expected start function to have 0 params, got %d", len(funcType.Params))
	}
	if len(funcType.Results) != 0 {
		return fmt.Errorf("Expected start function to have 0 results, got %d", len(funcType.Results))
	}

	return nil
}

func (m *Module) validateDataCount() error {
	if m.DataCount != nil && *m.DataCount != uint32(len(m.Data)) {
		return fmt.Errorf("data count section declares %d segments, but data section has %d",
			*m.DataCount, len(m.Data))
	}
	return nil
}

func (m *Module) validateCodeCount() error {
	// Code section must have same count as function section when both exist
	if len(m.Code) > 0 && len(m.Code) != len(m.Funcs) {
		return fmt.Errorf("code section has %d entries but function section has %d",
			len(m.Code), len(m.Funcs))
	}
	return nil
}

func (m *Module) validateMemoryLimits() error {
	// Validate imported memories
	for i, imp := range m.Imports {
		if imp.Desc.Kind == KindMemory && imp.Desc.Memory != nil {
			if err := validateMemoryType(imp.Desc.Memory, i, true); err != nil {
				return err
			}
		}
	}
	// Validate declared memories
	for i := range m.Memories {
		if err := validateMemoryType(&m.Memories[i], i, false); err != nil {
			return err
		}
	}
	return nil
}

// validateTypeSubtyping checks every explicit 'sub'/'sub final' type
// declaration: at most one declared supertype, the supertype index must be
// in range and not itself final, the two composite types must agree in
// kind, and the child must be a valid width/depth subtype of the parent.
// It also walks each declared parent chain to reject cycles, since the
// supertype relation must be well-founded.
func (m *Module) validateTypeSubtyping() error {
	n := m.NumTypes()
	eq := newGCTypeEquivalence(m)
	for idx := 0; idx < n; idx++ {
		st, ok := m.subTypeAt(uint32(idx))
		if !ok || len(st.Parents) == 0 {
			continue
		}
		if len(st.Parents) > 1 {
			return fmt.Errorf("type %d declares %d supertypes, at most one is allowed", idx, len(st.Parents))
		}
		parentIdx := st.Parents[0]
		if parentIdx >= uint32(n) {
			return fmt.Errorf("type %d references invalid supertype index %d", idx, parentIdx)
		}
		parent, ok := m.subTypeAt(parentIdx)
		if !ok {
			continue
		}
		if parent.Final {
			return fmt.Errorf("type %d declares supertype %d, but %d is final", idx, parentIdx, parentIdx)
		}
		if !eq.widthSubtypeCompatible(st.CompType, parent.CompType) {
			return fmt.Errorf("type %d is not a valid subtype of declared supertype %d", idx, parentIdx)
		}
		if err := m.checkSupertypeAcyclic(uint32(idx)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Module) checkSupertypeAcyclic(start uint32) error {
	visited := map[uint32]bool{start: true}
	idx := start
	for {
		st, ok := m.subTypeAt(idx)
		if !ok || len(st.Parents) == 0 {
			return nil
		}
		next := st.Parents[0]
		if visited[next] {
			return fmt.Errorf("type %d's supertype chain cycles back to type %d", start, next)
		}
		visited[next] = true
		idx = next
	}
}

// validateTypeCanonicalization sanity-checks the structural-equivalence
// classing used to canonicalize GC types: every type index must land in
// exactly one class.
func (m *Module) validateTypeCanonicalization() error {
	n := m.NumTypes()
	groups := m.CanonicalTypeGroups()
	total := 0
	for _, members := range groups {
		total += len(members)
	}
	if total != n {
		return fmt.Errorf("type canonicalization accounted for %d of %d types", total, n)
	}
	return nil
}

// validateLocalIndices checks that every local.get/local.set/local.tee in
// every function body refers to a local within range, where the local
// index space is params followed by declared locals (LocalMap handles the
// run-length-encoded declared-locals side of that).
func (m *Module) validateLocalIndices() error {
	for i, body := range m.Code {
		funcIdx := uint32(m.NumImportedFuncs() + i)
		ft := m.GetFuncType(funcIdx)

		lm := NewLocalMap()
		if ft != nil {
			numParams := len(ft.Params)
			if len(ft.ExtParams) > 0 {
				numParams = len(ft.ExtParams)
			}
			for p := 0; p < numParams; p++ {
				if err := lm.Append(1, ValI32); err != nil {
					return fmt.Errorf("function %d: %w", funcIdx, err)
				}
			}
		}
		for _, local := range body.Locals {
			if err := lm.Append(local.Count, local.ValType); err != nil {
				return fmt.Errorf("function %d: %w", funcIdx, err)
			}
		}

		instrs, err := DecodeInstructions(body.Code)
		if err != nil {
			continue
		}
		limit := lm.GetCount()
		for _, instr := range instrs {
			imm, ok := instr.Imm.(LocalImm)
			if !ok {
				continue
			}
			if uint64(imm.LocalIdx) >= limit {
				path := []string{fmt.Sprintf("function %d", funcIdx), "local index"}
				return werrors.OutOfBounds(werrors.PhaseValidate, path, int(imm.LocalIdx), int(limit))
			}
		}
	}
	return nil
}

func validateMemoryType(mem *MemoryType, idx int, isImport bool) error {
	var maxPages uint64
	if mem.Limits.Memory64 {
		maxPages = MemoryMaxPages64
	} else {
		maxPages = MemoryMaxPages32
	}

	prefix := "memory"
	if isImport {
		prefix = "imported memory"
	}

	// Shared memory requires maximum limit
	if mem.Limits.Shared && mem.Limits.Max == nil {
		return fmt.Errorf("%s %d: shared memory must have maximum limit", prefix, idx)
	}

	if mem.Limits.Min > maxPages {
		return fmt.Errorf("%s %d: min pages %d exceeds maximum %d",
			prefix, idx, mem.Limits.Min, maxPages)
	}
	if mem.Limits.Max != nil && *mem.Limits.Max > maxPages {
		return fmt.Errorf("%s %d: max pages %d exceeds maximum %d",
			prefix, idx, *mem.Limits.Max, maxPages)
	}
	return nil
}
