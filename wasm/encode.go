package wasm

import (
	"github.com/wasmgo/wasp/wasm/internal/binary"
)

// Encode encodes the module to WebAssembly binary format. Every section's
// length is unknown until its payload is written, so the writer reserves a
// fixed-width placeholder up front and patches in the real length once the
// section body is complete, rather than buffering the section separately.
func (m *Module) Encode() []byte {
	w := binary.NewWriter()

	w.WriteU32LE(Magic)
	w.WriteU32LE(Version)

	// Type section
	if len(m.TypeDefs) > 0 {
		writeSection(w, SectionType, func(w *binary.Writer) {
			w.WriteU32(uint32(len(m.TypeDefs)))
			for _, td := range m.TypeDefs {
				writeTypeDef(w, td)
			}
		})
	} else if len(m.Types) > 0 {
		// Fallback for legacy Types-only modules
		writeSection(w, SectionType, func(w *binary.Writer) {
			w.WriteU32(uint32(len(m.Types)))
			for _, ft := range m.Types {
				w.Byte(FuncTypeByte)
				writeValTypes(w, ft.Params)
				writeValTypes(w, ft.Results)
			}
		})
	}

	// Import section
	if len(m.Imports) > 0 {
		writeSection(w, SectionImport, func(w *binary.Writer) {
			w.WriteU32(uint32(len(m.Imports)))
			for _, imp := range m.Imports {
				w.WriteName(imp.Module)
				w.WriteName(imp.Name)
				w.Byte(imp.Desc.Kind)
				switch imp.Desc.Kind {
				case KindFunc:
					w.WriteU32(imp.Desc.TypeIdx)
				case KindTable:
					if imp.Desc.Table != nil {
						writeTableType(w, *imp.Desc.Table)
					}
				case KindMemory:
					if imp.Desc.Memory != nil {
						writeMemoryType(w, *imp.Desc.Memory)
					}
				case KindGlobal:
					if imp.Desc.Global != nil {
						writeGlobalType(w, *imp.Desc.Global)
					}
				case KindTag:
					if imp.Desc.Tag != nil {
						writeTagType(w, *imp.Desc.Tag)
					}
				}
			}
		})
	}

	// Function section
	if len(m.Funcs) > 0 {
		writeSection(w, SectionFunction, func(w *binary.Writer) {
			w.WriteU32(uint32(len(m.Funcs)))
			for _, typeIdx := range m.Funcs {
				w.WriteU32(typeIdx)
			}
		})
	}

	// Table section
	if len(m.Tables) > 0 {
		writeSection(w, SectionTable, func(w *binary.Writer) {
			w.WriteU32(uint32(len(m.Tables)))
			for _, t := range m.Tables {
				writeTableType(w, t)
			}
		})
	}

	// Memory section
	if len(m.Memories) > 0 {
		writeSection(w, SectionMemory, func(w *binary.Writer) {
			w.WriteU32(uint32(len(m.Memories)))
			for _, mem := range m.Memories {
				writeMemoryType(w, mem)
			}
		})
	}

	// Tag section (must come between Memory and Global per spec)
	if len(m.Tags) > 0 {
		writeSection(w, SectionTag, func(w *binary.Writer) {
			w.WriteU32(uint32(len(m.Tags)))
			for _, tag := range m.Tags {
				writeTagType(w, tag)
			}
		})
	}

	// Global section
	if len(m.Globals) > 0 {
		writeSection(w, SectionGlobal, func(w *binary.Writer) {
			w.WriteU32(uint32(len(m.Globals)))
			for _, g := range m.Globals {
				writeGlobalType(w, g.Type)
				w.WriteBytes(g.Init)
			}
		})
	}

	// Export section
	if len(m.Exports) > 0 {
		writeSection(w, SectionExport, func(w *binary.Writer) {
			w.WriteU32(uint32(len(m.Exports)))
			for _, exp := range m.Exports {
				w.WriteName(exp.Name)
				w.Byte(exp.Kind)
				w.WriteU32(exp.Idx)
			}
		})
	}

	// Start section
	if m.Start != nil {
		writeSection(w, SectionStart, func(w *binary.Writer) {
			w.WriteU32(*m.Start)
		})
	}

	// Element section
	if len(m.Elements) > 0 {
		writeSection(w, SectionElement, func(w *binary.Writer) {
			w.WriteU32(uint32(len(m.Elements)))
			for _, elem := range m.Elements {
				w.WriteU32(elem.Flags)

				hasTableIdx := elem.Flags&0x02 != 0 && elem.Flags&0x01 == 0
				hasOffset := elem.Flags&0x01 == 0
				usesExprs := elem.Flags&0x04 != 0

				if hasTableIdx {
					w.WriteU32(elem.TableIdx)
				}

				if hasOffset {
					w.WriteBytes(elem.Offset)
				}

				// Flags 1, 2, 3: elemkind; flags 5, 6, 7: reftype
				if elem.Flags&0x03 != 0 {
					if usesExprs {
						if elem.RefType != nil {
							if elem.RefType.Nullable {
								w.Byte(byte(ValRefNull))
							} else {
								w.Byte(byte(ValRef))
							}
							w.WriteS64(elem.RefType.HeapType)
						} else {
							w.Byte(byte(elem.Type))
						}
					} else {
						w.Byte(elem.ElemKind)
					}
				}

				if usesExprs {
					w.WriteU32(uint32(len(elem.Exprs)))
					for _, expr := range elem.Exprs {
						w.WriteBytes(expr)
					}
				} else {
					w.WriteU32(uint32(len(elem.FuncIdxs)))
					for _, idx := range elem.FuncIdxs {
						w.WriteU32(idx)
					}
				}
			}
		})
	}

	// DataCount section (must appear before Code section if present)
	if m.DataCount != nil {
		writeSection(w, SectionDataCount, func(w *binary.Writer) {
			w.WriteU32(*m.DataCount)
		})
	}

	// Code section
	if len(m.Code) > 0 {
		writeSection(w, SectionCode, func(w *binary.Writer) {
			w.WriteU32(uint32(len(m.Code)))
			for _, body := range m.Code {
				writeSized(w, func(w *binary.Writer) {
					w.WriteU32(uint32(len(body.Locals)))
					for _, local := range body.Locals {
						w.WriteU32(local.Count)
						if local.ExtType != nil && local.ExtType.Kind == ExtValKindRef {
							if local.ExtType.RefType.Nullable {
								w.Byte(byte(ValRefNull))
							} else {
								w.Byte(byte(ValRef))
							}
							w.WriteS64(local.ExtType.RefType.HeapType)
						} else {
							w.Byte(byte(local.ValType))
						}
					}
					w.WriteBytes(body.Code)
				})
			}
		})
	}

	// Data section
	if len(m.Data) > 0 {
		writeSection(w, SectionData, func(w *binary.Writer) {
			w.WriteU32(uint32(len(m.Data)))
			for _, d := range m.Data {
				w.WriteU32(d.Flags)

				if d.Flags == 2 {
					w.WriteU32(d.MemIdx)
				}

				if d.Flags != 1 {
					w.WriteBytes(d.Offset)
				}

				w.WriteU32(uint32(len(d.Init)))
				w.WriteBytes(d.Init)
			}
		})
	}

	// Custom sections (at end)
	for _, cs := range m.CustomSections {
		writeSection(w, SectionCustom, func(w *binary.Writer) {
			w.WriteName(cs.Name)
			w.WriteBytes(cs.Data)
		})
	}

	return w.Bytes()
}

// writeSection reserves the section's fixed-width length prefix, runs body
// to emit the payload directly into w, then patches the reservation with the
// payload's actual byte length.
func writeSection(w *binary.Writer, id byte, body func(*binary.Writer)) {
	w.Byte(id)
	writeSized(w, body)
}

// writeSized reserves a fixed-width length prefix, runs body, then patches
// the reservation with the byte length of what body wrote. Used for section
// payloads and, nested, for individual code-section function bodies.
func writeSized(w *binary.Writer, body func(*binary.Writer)) {
	off := w.Reserve(binary.FixedU32Width)
	start := w.Len()
	body(w)
	w.PatchFixedU32(off, uint32(w.Len()-start), binary.FixedU32Width)
}

func writeValTypes(w *binary.Writer, types []ValType) {
	w.WriteU32(uint32(len(types)))
	for _, t := range types {
		w.Byte(byte(t))
	}
}

func writeLimits(w *binary.Writer, l Limits) {
	var flags byte
	if l.Max != nil {
		flags |= LimitsHasMax
	}
	if l.Shared {
		flags |= LimitsShared
	}
	if l.Memory64 {
		flags |= LimitsMemory64
	}
	w.Byte(flags)

	if l.Memory64 {
		w.WriteU64(l.Min)
		if l.Max != nil {
			w.WriteU64(*l.Max)
		}
	} else {
		w.WriteU32(uint32(l.Min))
		if l.Max != nil {
			w.WriteU32(uint32(*l.Max))
		}
	}
}

func writeTableType(w *binary.Writer, t TableType) {
	if len(t.Init) > 0 {
		// Table with init expression: 0x40 0x00 prefix
		w.Byte(0x40)
		w.Byte(0x00)
		writeTableElemType(w, t)
		writeLimits(w, t.Limits)
		w.WriteBytes(t.Init)
	} else {
		// Standard format
		writeTableElemType(w, t)
		writeLimits(w, t.Limits)
	}
}

func writeTableElemType(w *binary.Writer, t TableType) {
	if t.RefElemType != nil {
		if t.RefElemType.Nullable {
			w.Byte(byte(ValRefNull))
		} else {
			w.Byte(byte(ValRef))
		}
		w.WriteS64(t.RefElemType.HeapType)
	} else {
		w.Byte(t.ElemType)
	}
}

func writeMemoryType(w *binary.Writer, m MemoryType) {
	writeLimits(w, m.Limits)
}

func writeGlobalType(w *binary.Writer, g GlobalType) {
	if g.ExtType != nil && g.ExtType.Kind == ExtValKindRef {
		if g.ExtType.RefType.Nullable {
			w.Byte(byte(ValRefNull))
		} else {
			w.Byte(byte(ValRef))
		}
		w.WriteS64(g.ExtType.RefType.HeapType)
	} else {
		w.Byte(byte(g.ValType))
	}
	if g.Mutable {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
}

func writeTagType(w *binary.Writer, t TagType) {
	w.Byte(t.Attribute)
	w.WriteU32(t.TypeIdx)
}

func writeTypeDef(w *binary.Writer, td TypeDef) {
	switch td.Kind {
	case TypeDefKindFunc:
		w.Byte(FuncTypeByte)
		writeFuncType(w, *td.Func)
	case TypeDefKindSub:
		writeSubType(w, *td.Sub)
	case TypeDefKindRec:
		w.Byte(RecTypeByte)
		w.WriteU32(uint32(len(td.Rec.Types)))
		for _, sub := range td.Rec.Types {
			writeSubType(w, sub)
		}
	}
}

func writeFuncType(w *binary.Writer, ft FuncType) {
	// Use extended types if available, otherwise fall back to simple types
	if len(ft.ExtParams) > 0 {
		writeExtValTypes(w, ft.ExtParams)
	} else {
		writeValTypes(w, ft.Params)
	}
	if len(ft.ExtResults) > 0 {
		writeExtValTypes(w, ft.ExtResults)
	} else {
		writeValTypes(w, ft.Results)
	}
}

func writeExtValTypes(w *binary.Writer, types []ExtValType) {
	w.WriteU32(uint32(len(types)))
	for _, t := range types {
		switch t.Kind {
		case ExtValKindRef:
			if t.RefType.Nullable {
				w.Byte(byte(ValRefNull)) // 0x63
			} else {
				w.Byte(byte(ValRef)) // 0x64
			}
			w.WriteS64(t.RefType.HeapType)
		default:
			w.Byte(byte(t.ValType))
		}
	}
}

func writeSubType(w *binary.Writer, sub SubType) {
	if len(sub.Parents) > 0 || !sub.Final {
		// Need explicit sub/sub_final prefix
		if sub.Final {
			w.Byte(SubFinalByte)
		} else {
			w.Byte(SubTypeByte)
		}
		w.WriteU32(uint32(len(sub.Parents)))
		for _, p := range sub.Parents {
			w.WriteU32(p)
		}
		writeCompType(w, sub.CompType)
	} else {
		// Shorthand: directly write composite type
		writeCompType(w, sub.CompType)
	}
}

func writeCompType(w *binary.Writer, ct CompType) {
	switch ct.Kind {
	case CompKindFunc:
		w.Byte(FuncTypeByte)
		writeFuncType(w, *ct.Func)
	case CompKindStruct:
		w.Byte(StructTypeByte)
		writeStructType(w, *ct.Struct)
	case CompKindArray:
		w.Byte(ArrayTypeByte)
		writeArrayType(w, *ct.Array)
	}
}

func writeStructType(w *binary.Writer, st StructType) {
	w.WriteU32(uint32(len(st.Fields)))
	for _, f := range st.Fields {
		writeFieldType(w, f)
	}
}

func writeArrayType(w *binary.Writer, at ArrayType) {
	writeFieldType(w, at.Element)
}

func writeFieldType(w *binary.Writer, ft FieldType) {
	writeStorageType(w, ft.Type)
	if ft.Mutable {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
}

func writeStorageType(w *binary.Writer, st StorageType) {
	switch st.Kind {
	case StorageKindVal:
		w.Byte(byte(st.ValType))
	case StorageKindPacked:
		w.Byte(st.Packed)
	case StorageKindRef:
		if st.RefType.Nullable {
			w.Byte(byte(ValRefNull)) // 0x63
		} else {
			w.Byte(byte(ValRef)) // 0x64
		}
		w.WriteS64(st.RefType.HeapType)
	}
}
