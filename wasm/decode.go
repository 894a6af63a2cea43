package wasm

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/wasmgo/wasp/wasm/internal/binary"
)

var (
	expectedMagicBytes   = []byte{0x00, 0x61, 0x73, 0x6d}
	expectedVersionBytes = []byte{0x01, 0x00, 0x00, 0x00}
)

// ParseModule parses a WebAssembly binary module. A decode failure inside
// one section does not abort the whole module: the section is skipped and
// decoding continues with the next one, so the returned Module may carry
// fewer sections than the byte stream described. ParseModule folds every
// accumulated problem into a single combined error via errors.Join; a
// caller that wants the individual diagnostics (byte spans, one entry per
// problem) should call ParseModuleWithOptions directly. The module header
// (magic/version) and a malformed section header are still fatal, since no
// subsequent section can be trusted once those are wrong.
func ParseModule(data []byte) (*Module, error) {
	m, diag := ParseModuleWithOptions(data, ReadOptions{})
	if !diag.HasErrors() {
		return m, nil
	}
	errs := make([]error, len(diag.Errors()))
	for i, d := range diag.Errors() {
		errs[i] = d
	}
	return m, errors.Join(errs...)
}

// ParseModuleWithOptions parses a WebAssembly binary module the same way
// ParseModule does, except that a section-level decode failure does not
// abort the whole parse: the failure is recorded on the returned
// Diagnostics (with a breadcrumb naming the section) and decoding
// continues with the next section. The module header (magic/version) and
// section-ordering checks are still fatal, since no subsequent section can
// be trusted once those are wrong.
func ParseModuleWithOptions(data []byte, opts ReadOptions) (*Module, *Diagnostics) {
	diag := NewDiagnostics()
	r := binary.NewReader(bytes.NewReader(data))

	magicBytes, err := r.ReadBytes(4)
	if err != nil {
		diag.PushContext(Span{Base: 0, Len: 4}, "magic")
		diag.OnError(Span{Base: 0, Len: 4}, err.Error())
		diag.PopContext()
		return nil, diag
	}
	if !bytes.Equal(magicBytes, expectedMagicBytes) {
		diag.PushContext(Span{Base: 0, Len: 4}, "magic")
		diag.OnError(Span{Base: 0, Len: 4}, binary.MismatchError(expectedMagicBytes, magicBytes).Error())
		diag.PopContext()
		return nil, diag
	}

	versionBytes, err := r.ReadBytes(4)
	if err != nil {
		diag.PushContext(Span{Base: 4, Len: 4}, "version")
		diag.OnError(Span{Base: 4, Len: 4}, err.Error())
		diag.PopContext()
		return nil, diag
	}
	if !bytes.Equal(versionBytes, expectedVersionBytes) {
		diag.PushContext(Span{Base: 4, Len: 4}, "version")
		diag.OnError(Span{Base: 4, Len: 4}, binary.MismatchError(expectedVersionBytes, versionBytes).Error())
		diag.PopContext()
		return nil, diag
	}

	m := &Module{}
	var lastSectionOrder int
	var lastSectionID byte
	haveLastSection := false

	for {
		secStart := r.Position()
		sectionID, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			diag.OnError(Span{Base: secStart, Len: 1}, err.Error())
			return m, diag
		}

		if sectionID != SectionCustom {
			order := sectionOrder(sectionID)
			if order <= lastSectionOrder {
				msg := fmt.Sprintf("Section out of order: %d cannot occur after %d", sectionID, lastSectionID)
				if !haveLastSection {
					msg = fmt.Sprintf("Section out of order: %d", sectionID)
				}
				diag.OnError(Span{Base: secStart, Len: 1}, msg)
				return m, diag
			}
			lastSectionOrder = order
			lastSectionID = sectionID
			haveLastSection = true
		}

		sectionSize, err := r.ReadU32()
		if err != nil {
			diag.OnError(Span{Base: secStart, Len: 1}, err.Error())
			return m, diag
		}

		dataStart := r.Position()
		sectionData, err := r.ReadBytes(int(sectionSize))
		if err != nil {
			diag.OnError(Span{Base: dataStart, Len: int(sectionSize)}, err.Error())
			return m, diag
		}

		sectionSpan := Span{Base: dataStart, Len: int(sectionSize)}
		name := sectionName(sectionID)
		pop := diag.Guard(sectionSpan, name)
		Logger().Debug(name + " section: decoding")

		sr := binary.NewReader(bytes.NewReader(sectionData))
		if err := decodeOneSection(sr, sectionID, m, opts.features()); err != nil {
			diag.OnError(sectionSpan, err.Error())
			Logger().Warn(name + " section: skipped due to decode error")
		}
		pop()
	}

	if opts.ValidateAfterDecode {
		for _, verr := range m.ValidateAll() {
			diag.OnError(Span{}, verr.Error())
		}
	}

	return m, diag
}

// sectionName returns the diagnostic breadcrumb name for a section ID.
func sectionName(id byte) string {
	switch id {
	case SectionCustom:
		return "custom"
	case SectionType:
		return "type"
	case SectionImport:
		return "import"
	case SectionFunction:
		return "function"
	case SectionTable:
		return "table"
	case SectionMemory:
		return "memory"
	case SectionGlobal:
		return "global"
	case SectionExport:
		return "export"
	case SectionStart:
		return "start"
	case SectionElement:
		return "element"
	case SectionCode:
		return "code"
	case SectionData:
		return "data"
	case SectionDataCount:
		return "data count"
	case SectionTag:
		return "tag"
	default:
		return fmt.Sprintf("unknown(0x%02x)", id)
	}
}

// decodeOneSection dispatches to the per-section parser for sectionID. The
// features argument gates the Tag section, which is rejected unless
// FeatureExceptions is enabled; every other section parses the same
// regardless of the enabled set.
func decodeOneSection(sr *binary.Reader, sectionID byte, m *Module, features Features) error {
	switch sectionID {
	case SectionCustom:
		return parseCustomSection(sr, m)
	case SectionType:
		return parseTypeSection(sr, m)
	case SectionImport:
		return parseImportSection(sr, m)
	case SectionFunction:
		return parseFunctionSection(sr, m)
	case SectionTable:
		return parseTableSection(sr, m)
	case SectionMemory:
		return parseMemorySection(sr, m)
	case SectionGlobal:
		return parseGlobalSection(sr, m)
	case SectionExport:
		return parseExportSection(sr, m)
	case SectionStart:
		return parseStartSection(sr, m)
	case SectionElement:
		return parseElementSection(sr, m)
	case SectionCode:
		return parseCodeSection(sr, m)
	case SectionData:
		return parseDataSection(sr, m)
	case SectionDataCount:
		return parseDataCountSection(sr, m)
	case SectionTag:
		if err := features.Require(FeatureExceptions); err != nil {
			return err
		}
		return parseTagSection(sr, m)
	default:
		return fmt.Errorf("Unknown section id: %d", sectionID)
	}
}

// sectionOrder returns the canonical ordering for a section ID.
// WASM spec requires sections in specific order, which differs from section IDs.
func sectionOrder(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionTag:
		return 6 // Tag comes after Memory, before Global
	case SectionGlobal:
		return 7
	case SectionExport:
		return 8
	case SectionStart:
		return 9
	case SectionElement:
		return 10
	case SectionDataCount:
		return 11 // DataCount must come before Code
	case SectionCode:
		return 12
	case SectionData:
		return 13
	default:
		return 100 // Unknown sections at end
	}
}

// parseCustomSection reads the generic {name, bytes} shape every custom
// section shares, then additionally decodes the "name" and "linking"
// subsection grammars when the name matches one of those and the payload
// parses cleanly. A subsection decode failure does not fail the whole
// custom section: Data still holds the raw bytes either way, so callers
// that don't care about the typed form are unaffected.
func parseCustomSection(r *binary.Reader, m *Module) error {
	name, err := r.ReadName()
	if err != nil {
		return err
	}
	rest, err := r.ReadRemaining()
	if err != nil {
		return err
	}
	cs := CustomSection{Name: name, Data: rest}
	switch name {
	case "name":
		if ns, err := parseNameSection(rest); err == nil {
			cs.NameData = ns
		}
	case "linking":
		if ls, err := parseLinkingSection(rest); err == nil {
			cs.LinkingData = ls
		}
	}
	m.CustomSections = append(m.CustomSections, cs)
	return nil
}

// parseNameSection decodes the subsection stream of a "name" custom
// section: module name (0), function name map (1), local name map (2).
// Unrecognized subsection ids are skipped once their declared length is
// known, so a newer producer's extra subsections don't block the ones
// this decoder does understand.
func parseNameSection(data []byte) (*NameSection, error) {
	r := binary.NewReader(bytes.NewReader(data))
	ns := &NameSection{}
	for {
		id, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, err
		}
		sr := binary.NewReader(bytes.NewReader(payload))
		switch id {
		case NameSubsectionModule:
			ns.ModuleName, err = sr.ReadName()
			if err != nil {
				return nil, err
			}
		case NameSubsectionFunction:
			ns.FuncNames, err = readNameMap(sr)
			if err != nil {
				return nil, err
			}
		case NameSubsectionLocal:
			count, err := sr.ReadU32()
			if err != nil {
				return nil, err
			}
			if err := sr.CheckCount(count); err != nil {
				return nil, err
			}
			locals := make([]FuncLocalNames, count)
			for i := uint32(0); i < count; i++ {
				funcIdx, err := sr.ReadU32()
				if err != nil {
					return nil, err
				}
				assocs, err := readNameMap(sr)
				if err != nil {
					return nil, err
				}
				locals[i] = FuncLocalNames{FuncIdx: funcIdx, Locals: assocs}
			}
			ns.LocalNames = locals
		default:
			// Unknown name subsection id; its payload was already
			// consumed above, so the stream stays aligned.
		}
	}
	return ns, nil
}

// readNameMap reads a WebAssembly "namemap": a vector of (index, name)
// pairs sorted by index, shared by the function- and local-name
// subsections.
func readNameMap(r *binary.Reader) ([]NameAssoc, error) {
	count, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if err := r.CheckCount(count); err != nil {
		return nil, err
	}
	assocs := make([]NameAssoc, count)
	for i := uint32(0); i < count; i++ {
		idx, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		name, err := r.ReadName()
		if err != nil {
			return nil, err
		}
		assocs[i] = NameAssoc{Index: idx, Name: name}
	}
	return assocs, nil
}

// linkingSymFlagUndefined is WASM_SYM_UNDEFINED from the tool-conventions
// linking metadata: the symbol is not defined in this module.
const linkingSymFlagUndefined = 0x10

// parseLinkingSection decodes a "linking" custom section's subsection
// stream: segment info, init-function priorities, comdat groups, and the
// symbol table, all keyed off the leading version byte. Only version 2
// (the only version wasm-ld has ever emitted) is understood; any other
// version is reported as an error so the raw Data still carries the
// section for a caller that wants to handle it itself.
func parseLinkingSection(data []byte) (*LinkingSection, error) {
	r := binary.NewReader(bytes.NewReader(data))
	version, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != LinkingVersionValue {
		return nil, fmt.Errorf("Unknown linking metadata version: %d", version)
	}
	ls := &LinkingSection{Version: version}

	for {
		id, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, err
		}
		sr := binary.NewReader(bytes.NewReader(payload))

		switch id {
		case LinkingSegmentInfo:
			count, err := sr.ReadU32()
			if err != nil {
				return nil, err
			}
			if err := sr.CheckCount(count); err != nil {
				return nil, err
			}
			segs := make([]SegmentInfo, count)
			for i := uint32(0); i < count; i++ {
				name, err := sr.ReadName()
				if err != nil {
					return nil, err
				}
				align, err := sr.ReadU32()
				if err != nil {
					return nil, err
				}
				flags, err := sr.ReadU32()
				if err != nil {
					return nil, err
				}
				segs[i] = SegmentInfo{Name: name, Alignment: align, Flags: flags}
			}
			ls.Segments = segs

		case LinkingInitFuncs:
			count, err := sr.ReadU32()
			if err != nil {
				return nil, err
			}
			if err := sr.CheckCount(count); err != nil {
				return nil, err
			}
			fns := make([]InitFuncInfo, count)
			for i := uint32(0); i < count; i++ {
				priority, err := sr.ReadU32()
				if err != nil {
					return nil, err
				}
				funcIdx, err := sr.ReadU32()
				if err != nil {
					return nil, err
				}
				fns[i] = InitFuncInfo{Priority: priority, FuncIdx: funcIdx}
			}
			ls.InitFuncs = fns

		case LinkingComdatInfo:
			count, err := sr.ReadU32()
			if err != nil {
				return nil, err
			}
			if err := sr.CheckCount(count); err != nil {
				return nil, err
			}
			comdats := make([]ComdatInfo, count)
			for i := uint32(0); i < count; i++ {
				name, err := sr.ReadName()
				if err != nil {
					return nil, err
				}
				flags, err := sr.ReadU32()
				if err != nil {
					return nil, err
				}
				memberCount, err := sr.ReadU32()
				if err != nil {
					return nil, err
				}
				if err := sr.CheckCount(memberCount); err != nil {
					return nil, err
				}
				members := make([]ComdatMember, memberCount)
				for j := uint32(0); j < memberCount; j++ {
					kind, err := sr.ReadByte()
					if err != nil {
						return nil, err
					}
					idx, err := sr.ReadU32()
					if err != nil {
						return nil, err
					}
					members[j] = ComdatMember{Kind: kind, Index: idx}
				}
				comdats[i] = ComdatInfo{Name: name, Flags: flags, Members: members}
			}
			ls.Comdats = comdats

		case LinkingSymbolTable:
			count, err := sr.ReadU32()
			if err != nil {
				return nil, err
			}
			if err := sr.CheckCount(count); err != nil {
				return nil, err
			}
			syms := make([]SymbolInfo, count)
			for i := uint32(0); i < count; i++ {
				kind, err := sr.ReadByte()
				if err != nil {
					return nil, err
				}
				flags, err := sr.ReadU32()
				if err != nil {
					return nil, err
				}
				sym := SymbolInfo{Kind: kind, Flags: flags}
				// Data symbols carry their name ahead of their (optional,
				// when defined) segment index; every other kind carries
				// its index first and an optional name after. Offset/size
				// fields a data symbol would otherwise carry are not
				// captured - this decoder only needs enough of the
				// symbol table to identify what each entry names.
				if kind == SymtabData {
					sym.Name, err = sr.ReadName()
					if err != nil {
						return nil, err
					}
					if flags&linkingSymFlagUndefined == 0 {
						sym.Index, err = sr.ReadU32()
						if err != nil {
							return nil, err
						}
					}
				} else {
					sym.Index, err = sr.ReadU32()
					if err != nil {
						return nil, err
					}
					if flags&linkingSymFlagUndefined == 0 {
						sym.Name, err = sr.ReadName()
						if err != nil {
							return nil, err
						}
					}
				}
				syms[i] = sym
			}
			ls.Symbols = syms

		default:
			// Unknown linking subsection id; its payload was already
			// consumed above, so the stream stays aligned.
		}
	}
	return ls, nil
}

func parseTypeSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if err := r.CheckCount(count); err != nil {
		return err
	}

	// First pass: detect if we have any GC types
	// Read all type forms first to detect if we need TypeDefs
	startPos := r.Position()
	hasGCTypes := false

	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}

		switch form {
		case FuncTypeByte: // 0x60 - function type
			if err := skipFuncType(r); err != nil {
				return err
			}
		case RecTypeByte, SubTypeByte, SubFinalByte, StructTypeByte, ArrayTypeByte:
			hasGCTypes = true
		default:
			return fmt.Errorf("Unknown type form: 0x%02x", form)
		}

		if hasGCTypes {
			break
		}
	}

	// Reset to start of type entries
	if err := r.Reset(startPos); err != nil {
		return err
	}

	// If no GC types, use simple parsing (only populate Types)
	if !hasGCTypes {
		m.Types = make([]FuncType, count)
		for i := uint32(0); i < count; i++ {
			form, err := r.ReadByte()
			if err != nil {
				return fmt.Errorf("read type form at index %d: %w", i, err)
			}
			if form != FuncTypeByte {
				return fmt.Errorf("expected functype (0x60), got 0x%02x", form)
			}
			ft, err := readFuncType(r)
			if err != nil {
				return err
			}
			m.Types[i] = ft
		}
		return nil
	}

	// GC types present - populate both TypeDefs and Types
	m.TypeDefs = make([]TypeDef, 0, count)
	m.Types = make([]FuncType, 0, count)

	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}

		switch form {
		case FuncTypeByte: // 0x60 - shorthand function type
			ft, err := readFuncType(r)
			if err != nil {
				return err
			}
			m.TypeDefs = append(m.TypeDefs, TypeDef{Kind: TypeDefKindFunc, Func: &ft})
			m.Types = append(m.Types, ft)

		case RecTypeByte: // 0x4E - recursive type group
			recCount, err := r.ReadU32()
			if err != nil {
				return err
			}
			rec := RecType{Types: make([]SubType, recCount)}
			for j := uint32(0); j < recCount; j++ {
				sub, err := readSubType(r)
				if err != nil {
					return err
				}
				rec.Types[j] = sub
				// Also add to flat Types for function types
				if sub.CompType.Kind == CompKindFunc && sub.CompType.Func != nil {
					m.Types = append(m.Types, *sub.CompType.Func)
				}
			}
			m.TypeDefs = append(m.TypeDefs, TypeDef{Kind: TypeDefKindRec, Rec: &rec})

		case SubTypeByte, SubFinalByte: // 0x50, 0x4F - subtype
			sub, err := readSubTypeWithPrefix(r, form)
			if err != nil {
				return err
			}
			m.TypeDefs = append(m.TypeDefs, TypeDef{Kind: TypeDefKindSub, Sub: &sub})
			if sub.CompType.Kind == CompKindFunc && sub.CompType.Func != nil {
				m.Types = append(m.Types, *sub.CompType.Func)
			}

		case StructTypeByte: // 0x5F - direct struct type (rare, usually wrapped)
			st, err := readStructType(r)
			if err != nil {
				return err
			}
			sub := SubType{Final: true, CompType: CompType{Kind: CompKindStruct, Struct: &st}}
			m.TypeDefs = append(m.TypeDefs, TypeDef{Kind: TypeDefKindSub, Sub: &sub})

		case ArrayTypeByte: // 0x5E - direct array type (rare, usually wrapped)
			at, err := readArrayType(r)
			if err != nil {
				return err
			}
			sub := SubType{Final: true, CompType: CompType{Kind: CompKindArray, Array: &at}}
			m.TypeDefs = append(m.TypeDefs, TypeDef{Kind: TypeDefKindSub, Sub: &sub})

		default:
			return fmt.Errorf("Unknown type form: 0x%02x", form)
		}
	}
	return nil
}

func skipFuncType(r *binary.Reader) error {
	// Skip params
	paramCount, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < paramCount; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b == byte(ValRefNull) || b == byte(ValRef) {
			if _, err := ReadLEB128s64(r); err != nil {
				return err
			}
		}
	}
	// Skip results
	resultCount, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < resultCount; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b == byte(ValRefNull) || b == byte(ValRef) {
			if _, err := ReadLEB128s64(r); err != nil {
				return err
			}
		}
	}
	return nil
}

func readFuncType(r *binary.Reader) (FuncType, error) {
	extParams, simpleParams, err := readExtValTypes(r)
	if err != nil {
		return FuncType{}, err
	}
	extResults, simpleResults, err := readExtValTypes(r)
	if err != nil {
		return FuncType{}, err
	}
	return FuncType{
		Params:     simpleParams,
		Results:    simpleResults,
		ExtParams:  extParams,
		ExtResults: extResults,
	}, nil
}

func readSubType(r *binary.Reader) (SubType, error) {
	form, err := r.ReadByte()
	if err != nil {
		return SubType{}, err
	}
	return readSubTypeWithPrefix(r, form)
}

func readSubTypeWithPrefix(r *binary.Reader, form byte) (SubType, error) {
	var sub SubType

	switch form {
	case SubTypeByte, SubFinalByte: // 0x50, 0x4F - sub with parents
		sub.Final = form == SubFinalByte
		parentCount, err := r.ReadU32()
		if err != nil {
			return SubType{}, err
		}
		sub.Parents = make([]uint32, parentCount)
		for i := uint32(0); i < parentCount; i++ {
			sub.Parents[i], err = r.ReadU32()
			if err != nil {
				return SubType{}, err
			}
		}
		comp, err := readCompType(r)
		if err != nil {
			return SubType{}, err
		}
		sub.CompType = comp

	case FuncTypeByte: // 0x60 - shorthand (no sub wrapper)
		ft, err := readFuncType(r)
		if err != nil {
			return SubType{}, err
		}
		sub.Final = true
		sub.CompType = CompType{Kind: CompKindFunc, Func: &ft}

	case StructTypeByte: // 0x5F - shorthand struct
		st, err := readStructType(r)
		if err != nil {
			return SubType{}, err
		}
		sub.Final = true
		sub.CompType = CompType{Kind: CompKindStruct, Struct: &st}

	case ArrayTypeByte: // 0x5E - shorthand array
		at, err := readArrayType(r)
		if err != nil {
			return SubType{}, err
		}
		sub.Final = true
		sub.CompType = CompType{Kind: CompKindArray, Array: &at}

	default:
		return SubType{}, fmt.Errorf("Unknown type form: 0x%02x", form)
	}

	return sub, nil
}

func readCompType(r *binary.Reader) (CompType, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return CompType{}, err
	}

	switch kind {
	case FuncTypeByte: // 0x60
		ft, err := readFuncType(r)
		if err != nil {
			return CompType{}, err
		}
		return CompType{Kind: CompKindFunc, Func: &ft}, nil

	case StructTypeByte: // 0x5F
		st, err := readStructType(r)
		if err != nil {
			return CompType{}, err
		}
		return CompType{Kind: CompKindStruct, Struct: &st}, nil

	case ArrayTypeByte: // 0x5E
		at, err := readArrayType(r)
		if err != nil {
			return CompType{}, err
		}
		return CompType{Kind: CompKindArray, Array: &at}, nil

	default:
		return CompType{}, fmt.Errorf("Unknown type form: 0x%02x", kind)
	}
}

func readStructType(r *binary.Reader) (StructType, error) {
	fieldCount, err := r.ReadU32()
	if err != nil {
		return StructType{}, err
	}
	fields := make([]FieldType, fieldCount)
	for i := uint32(0); i < fieldCount; i++ {
		ft, err := readFieldType(r)
		if err != nil {
			return StructType{}, err
		}
		fields[i] = ft
	}
	return StructType{Fields: fields}, nil
}

func readArrayType(r *binary.Reader) (ArrayType, error) {
	ft, err := readFieldType(r)
	if err != nil {
		return ArrayType{}, err
	}
	return ArrayType{Element: ft}, nil
}

func readFieldType(r *binary.Reader) (FieldType, error) {
	st, err := readStorageType(r)
	if err != nil {
		return FieldType{}, err
	}
	mutByte, err := r.ReadByte()
	if err != nil {
		return FieldType{}, err
	}
	return FieldType{Type: st, Mutable: mutByte != 0}, nil
}

func readStorageType(r *binary.Reader) (StorageType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return StorageType{}, err
	}

	switch b {
	case PackedI8: // 0x78
		return StorageType{Kind: StorageKindPacked, Packed: PackedI8}, nil
	case PackedI16: // 0x77
		return StorageType{Kind: StorageKindPacked, Packed: PackedI16}, nil
	case byte(ValRefNull), byte(ValRef): // 0x63, 0x64 - reference type with heap type
		nullable := b == byte(ValRefNull)
		heapType, err := ReadLEB128s64(r)
		if err != nil {
			return StorageType{}, err
		}
		return StorageType{
			Kind:    StorageKindRef,
			RefType: RefType{Nullable: nullable, HeapType: heapType},
		}, nil
	default:
		// Check if it's a valtype
		return StorageType{Kind: StorageKindVal, ValType: ValType(b)}, nil
	}
}

func parseImportSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if err := r.CheckCount(count); err != nil {
		return err
	}
	m.Imports = make([]Import, count)
	for i := uint32(0); i < count; i++ {
		module, err := r.ReadName()
		if err != nil {
			return err
		}
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}

		imp := Import{Module: module, Name: name, Desc: ImportDesc{Kind: kind}}

		switch kind {
		case KindFunc:
			imp.Desc.TypeIdx, err = r.ReadU32()
			if err != nil {
				return err
			}
		case KindTable:
			table, err := readTableType(r)
			if err != nil {
				return err
			}
			imp.Desc.Table = &table
		case KindMemory:
			memory, err := readMemoryType(r)
			if err != nil {
				return err
			}
			imp.Desc.Memory = &memory
		case KindGlobal:
			global, err := readGlobalType(r)
			if err != nil {
				return err
			}
			imp.Desc.Global = &global
		case KindTag:
			tag, err := readTagType(r)
			if err != nil {
				return err
			}
			imp.Desc.Tag = &tag
		default:
			return fmt.Errorf("Unknown external kind: %d", kind)
		}

		m.Imports[i] = imp
	}
	return nil
}

func parseFunctionSection(r *binary.Reader, m *Module) error {
	sec, err := ReadFunctionSectionLazy(r)
	if err != nil {
		return err
	}
	m.Funcs, err = sec.Collect()
	return err
}

func parseTableSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if err := r.CheckCount(count); err != nil {
		return err
	}
	m.Tables = make([]TableType, count)
	for i := uint32(0); i < count; i++ {
		m.Tables[i], err = readTableType(r)
		if err != nil {
			return err
		}
	}
	return nil
}

func parseMemorySection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if err := r.CheckCount(count); err != nil {
		return err
	}
	m.Memories = make([]MemoryType, count)
	for i := uint32(0); i < count; i++ {
		m.Memories[i], err = readMemoryType(r)
		if err != nil {
			return err
		}
	}
	return nil
}

func parseGlobalSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if err := r.CheckCount(count); err != nil {
		return err
	}
	m.Globals = make([]Global, count)
	for i := uint32(0); i < count; i++ {
		globalType, err := readGlobalType(r)
		if err != nil {
			return err
		}
		init, err := readInitExpr(r)
		if err != nil {
			return err
		}
		m.Globals[i] = Global{
			Type: globalType,
			Init: init,
		}
	}
	return nil
}

func parseExportSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if err := r.CheckCount(count); err != nil {
		return err
	}
	m.Exports = make([]Export, count)
	for i := uint32(0); i < count; i++ {
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		if kind > KindTag {
			return fmt.Errorf("Unknown external kind: %d", kind)
		}
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.Exports[i] = Export{Name: name, Kind: kind, Idx: idx}
	}
	return nil
}

func parseStartSection(r *binary.Reader, m *Module) error {
	idx, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Start = &idx
	return nil
}

func parseElementSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if err := r.CheckCount(count); err != nil {
		return err
	}
	m.Elements = make([]Element, count)
	for i := uint32(0); i < count; i++ {
		flags, err := r.ReadU32()
		if err != nil {
			return err
		}
		if flags > 7 {
			return fmt.Errorf("Invalid flags value: %d", flags)
		}

		elem := Element{Flags: flags}

		// Bit 0 (0x01): passive/declarative (no table index or offset)
		// Bit 1 (0x02): explicit table index (when bit 0 is clear)
		hasTableIdx := flags&0x02 != 0 && flags&0x01 == 0
		hasOffset := flags&0x01 == 0
		usesExprs := flags&0x04 != 0

		if hasTableIdx {
			elem.TableIdx, err = r.ReadU32()
			if err != nil {
				return err
			}
		}

		if hasOffset {
			elem.Offset, err = readInitExpr(r)
			if err != nil {
				return err
			}
		}

		// Flags 1, 2, 3: elemkind follows (must be 0x00 for funcref)
		// Flags 5, 6, 7: reftype follows
		if flags&0x03 != 0 {
			if usesExprs {
				// reftype - may be GC reference type with heap type
				t, refType, err := readRefType(r)
				if err != nil {
					return err
				}
				elem.Type = ValType(t)
				elem.RefType = refType
			} else {
				// elemkind
				elem.ElemKind, err = r.ReadByte()
				if err != nil {
					return err
				}
			}
		}

		// Read the vector of indices or expressions
		vecCount, err := r.ReadU32()
		if err != nil {
			return err
		}

		if usesExprs {
			elem.Exprs = make([][]byte, vecCount)
			for j := uint32(0); j < vecCount; j++ {
				elem.Exprs[j], err = readInitExpr(r)
				if err != nil {
					return err
				}
			}
		} else {
			elem.FuncIdxs = make([]uint32, vecCount)
			for j := uint32(0); j < vecCount; j++ {
				elem.FuncIdxs[j], err = r.ReadU32()
				if err != nil {
					return err
				}
			}
		}

		m.Elements[i] = elem
	}
	return nil
}

func parseCodeSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if err := r.CheckCount(count); err != nil {
		return err
	}
	m.Code = make([]FuncBody, count)
	for i := uint32(0); i < count; i++ {
		bodySize, err := r.ReadU32()
		if err != nil {
			return err
		}
		bodyData, err := r.ReadBytes(int(bodySize))
		if err != nil {
			return err
		}

		br := binary.NewReader(bytes.NewReader(bodyData))

		localCount, err := br.ReadU32()
		if err != nil {
			return err
		}
		var locals []LocalEntry
		for j := uint32(0); j < localCount; j++ {
			n, err := br.ReadU32()
			if err != nil {
				return err
			}
			t, err := br.ReadByte()
			if err != nil {
				return err
			}
			entry := LocalEntry{Count: n, ValType: ValType(t)}
			// Handle GC reference types (0x63/0x64) with heap type
			if t == byte(ValRefNull) || t == byte(ValRef) {
				heapType, err := ReadLEB128s64(br)
				if err != nil {
					return err
				}
				entry.ExtType = &ExtValType{
					Kind:    ExtValKindRef,
					ValType: ValType(t),
					RefType: RefType{Nullable: t == byte(ValRefNull), HeapType: heapType},
				}
			}
			locals = append(locals, entry)
		}

		code, err := br.ReadRemaining()
		if err != nil {
			return err
		}

		m.Code[i] = FuncBody{Locals: locals, Code: code}
	}
	return nil
}

func parseDataSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if err := r.CheckCount(count); err != nil {
		return err
	}
	m.Data = make([]DataSegment, count)
	for i := uint32(0); i < count; i++ {
		flags, err := r.ReadU32()
		if err != nil {
			return err
		}
		if flags > 2 {
			return fmt.Errorf("Invalid flags value: %d", flags)
		}

		seg := DataSegment{Flags: flags}

		// flags=0: active, memIdx=0, offset, data
		// flags=1: passive, data only
		// flags=2: active, memIdx, offset, data
		if flags == 2 {
			seg.MemIdx, err = r.ReadU32()
			if err != nil {
				return err
			}
		}

		if flags != 1 {
			seg.Offset, err = readInitExpr(r)
			if err != nil {
				return err
			}
		}

		initLen, err := r.ReadU32()
		if err != nil {
			return err
		}
		seg.Init, err = r.ReadBytes(int(initLen))
		if err != nil {
			return err
		}

		m.Data[i] = seg
	}
	return nil
}

func parseDataCountSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.DataCount = &count
	return nil
}

func parseTagSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if err := r.CheckCount(count); err != nil {
		return err
	}
	m.Tags = make([]TagType, count)
	for i := uint32(0); i < count; i++ {
		m.Tags[i], err = readTagType(r)
		if err != nil {
			return err
		}
	}
	return nil
}

// readExtValTypes reads value types with full extended type information.
// Returns both extended types (for GC support) and simplified ValType slice (for compatibility).
func readExtValTypes(r *binary.Reader) ([]ExtValType, []ValType, error) {
	count, err := r.ReadU32()
	if err != nil {
		return nil, nil, err
	}
	extTypes := make([]ExtValType, count)
	simpleTypes := make([]ValType, count)

	for i := uint32(0); i < count; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return nil, nil, err
		}

		switch b {
		case byte(ValRefNull): // 0x63 - (ref null ht)
			heapType, err := ReadLEB128s64(r)
			if err != nil {
				return nil, nil, err
			}
			extTypes[i] = ExtValType{
				Kind:    ExtValKindRef,
				ValType: ValRefNull,
				RefType: RefType{Nullable: true, HeapType: heapType},
			}
			simpleTypes[i] = ValRefNull

		case byte(ValRef): // 0x64 - (ref ht)
			heapType, err := ReadLEB128s64(r)
			if err != nil {
				return nil, nil, err
			}
			extTypes[i] = ExtValType{
				Kind:    ExtValKindRef,
				ValType: ValRef,
				RefType: RefType{Nullable: false, HeapType: heapType},
			}
			simpleTypes[i] = ValRef

		default:
			// Simple value type
			extTypes[i] = ExtValType{
				Kind:    ExtValKindSimple,
				ValType: ValType(b),
			}
			simpleTypes[i] = ValType(b)
		}
	}
	return extTypes, simpleTypes, nil
}

func readLimits(r *binary.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}

	memory64 := flags&LimitsMemory64 != 0
	l := Limits{
		Shared:   flags&LimitsShared != 0,
		Memory64: memory64,
	}

	if memory64 {
		l.Min, err = r.ReadU64()
		if err != nil {
			return Limits{}, err
		}
		if flags&LimitsHasMax != 0 {
			maxVal, err := r.ReadU64()
			if err != nil {
				return Limits{}, err
			}
			l.Max = &maxVal
		}
	} else {
		minVal, err := r.ReadU32()
		if err != nil {
			return Limits{}, err
		}
		l.Min = uint64(minVal)
		if flags&LimitsHasMax != 0 {
			maxVal, err := r.ReadU32()
			if err != nil {
				return Limits{}, err
			}
			max64 := uint64(maxVal)
			l.Max = &max64
		}
	}

	// Validate min <= max
	if l.Max != nil && l.Min > *l.Max {
		return Limits{}, fmt.Errorf("Size minimum must not be greater than maximum")
	}

	return l, nil
}

func readTableType(r *binary.Reader) (TableType, error) {
	first, err := r.ReadByte()
	if err != nil {
		return TableType{}, err
	}

	// Check for table with init expression (0x40 0x00 prefix)
	if first == 0x40 {
		zero, err := r.ReadByte()
		if err != nil {
			return TableType{}, err
		}
		if zero != 0x00 {
			return TableType{}, fmt.Errorf("Expected reserved byte 0, got %d", zero)
		}
		elemType, refElemType, err := readRefType(r)
		if err != nil {
			return TableType{}, err
		}
		limits, err := readLimits(r)
		if err != nil {
			return TableType{}, err
		}
		init, err := readInitExpr(r)
		if err != nil {
			return TableType{}, err
		}
		return TableType{ElemType: elemType, Limits: limits, Init: init, RefElemType: refElemType}, nil
	}

	// Standard format: reftype limits
	// Handle GC reference types (0x63/0x64) with heap type
	var refElemType *RefType
	if first == byte(ValRefNull) || first == byte(ValRef) {
		heapType, err := ReadLEB128s64(r)
		if err != nil {
			return TableType{}, err
		}
		refElemType = &RefType{Nullable: first == byte(ValRefNull), HeapType: heapType}
	}

	limits, err := readLimits(r)
	if err != nil {
		return TableType{}, err
	}
	return TableType{ElemType: first, Limits: limits, RefElemType: refElemType}, nil
}

// readRefType reads a reference type that may be 0x63/0x64 with heap type
func readRefType(r *binary.Reader) (byte, *RefType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	if b == byte(ValRefNull) || b == byte(ValRef) {
		heapType, err := ReadLEB128s64(r)
		if err != nil {
			return 0, nil, err
		}
		return b, &RefType{Nullable: b == byte(ValRefNull), HeapType: heapType}, nil
	}
	return b, nil, nil
}

func readMemoryType(r *binary.Reader) (MemoryType, error) {
	limits, err := readLimits(r)
	if err != nil {
		return MemoryType{}, err
	}
	return MemoryType{Limits: limits}, nil
}

func readGlobalType(r *binary.Reader) (GlobalType, error) {
	valType, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	gt := GlobalType{ValType: ValType(valType)}

	// Handle GC reference types (0x63/0x64) with heap type
	if valType == byte(ValRefNull) || valType == byte(ValRef) {
		heapType, err := ReadLEB128s64(r)
		if err != nil {
			return GlobalType{}, err
		}
		gt.ExtType = &ExtValType{
			Kind:    ExtValKindRef,
			ValType: ValType(valType),
			RefType: RefType{Nullable: valType == byte(ValRefNull), HeapType: heapType},
		}
	}

	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	gt.Mutable = mut != 0
	return gt, nil
}

func readTagType(r *binary.Reader) (TagType, error) {
	attribute, err := r.ReadByte()
	if err != nil {
		return TagType{}, err
	}
	typeIdx, err := r.ReadU32()
	if err != nil {
		return TagType{}, err
	}
	return TagType{Attribute: attribute, TypeIdx: typeIdx}, nil
}

func readInitExpr(r *binary.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf.WriteByte(b)
		if b == OpEnd {
			break
		}
		// Copy immediate based on opcode
		if err := copyInitExprImmediate(r, &buf, b); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func copyInitExprImmediate(r *binary.Reader, buf *bytes.Buffer, opcode byte) error {
	switch opcode {
	case OpI32Const:
		return copyLEB128(r, buf)
	case OpI64Const:
		return copyLEB128(r, buf)
	case OpF32Const:
		return copyBytes(r, buf, 4)
	case OpF64Const:
		return copyBytes(r, buf, 8)
	case OpGlobalGet:
		return copyLEB128(r, buf)
	case OpRefNull:
		// ref.null has a heap type immediate (s33)
		return copyLEB128(r, buf)
	case OpRefFunc:
		// ref.func has a function index immediate
		return copyLEB128(r, buf)
	// Extended-const proposal: arithmetic and bitwise in init expressions
	case OpI32Add, OpI32Sub, OpI32Mul, OpI32And, OpI32Or, OpI32Xor,
		OpI64Add, OpI64Sub, OpI64Mul, OpI64And, OpI64Or, OpI64Xor:
		// No immediates
		return nil
	case OpPrefixSIMD:
		subOp, err := r.ReadU32()
		if err != nil {
			return err
		}
		WriteLEB128u(buf, subOp)
		if subOp == SimdV128Const {
			// v128.const has 16 bytes of immediate data
			return copyBytes(r, buf, 16)
		}
		// Other SIMD ops not valid in init expressions
		return nil
	case OpPrefixGC:
		// GC operations valid in const expressions
		subOp, err := r.ReadU32()
		if err != nil {
			return err
		}
		WriteLEB128u(buf, subOp)
		switch subOp {
		case GCStructNew, GCStructNewDefault, GCArrayNew, GCArrayNewDefault:
			// typeidx
			return copyLEB128(r, buf)
		case GCArrayNewFixed:
			// typeidx, count
			if err := copyLEB128(r, buf); err != nil {
				return err
			}
			return copyLEB128(r, buf)
		case GCArrayNewData, GCArrayNewElem:
			// typeidx, dataidx/elemidx
			if err := copyLEB128(r, buf); err != nil {
				return err
			}
			return copyLEB128(r, buf)
		case GCAnyConvertExtern, GCExternConvertAny, GCRefI31:
			// No immediates
			return nil
		}
	}
	return nil
}

func copyLEB128(r *binary.Reader, buf *bytes.Buffer) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		buf.WriteByte(b)
		if b&0x80 == 0 {
			break
		}
	}
	return nil
}

func copyBytes(r *binary.Reader, buf *bytes.Buffer, n int) error {
	data, err := r.ReadBytes(n)
	if err != nil {
		return err
	}
	buf.Write(data)
	return nil
}
