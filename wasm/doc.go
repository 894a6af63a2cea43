// Package wasm provides WebAssembly binary format parsing and encoding.
//
// This package implements a complete parser and encoder for WebAssembly
// binary modules according to the WebAssembly 2.0 specification, with
// support for several post-2.0 proposals.
//
// # Supported Features
//
//	WebAssembly 2.0:
//	  - Core value types (i32, i64, f32, f64)
//	  - Functions, tables, memories, globals
//	  - Control flow, calls, local/global access
//	  - Memory and table operations
//	  - Import/export of all definitions
//
//	Post-2.0 Proposals:
//	  - GC (structs, arrays, typed references, heap types)
//	  - Exception handling (tags, try/catch, throw)
//	  - Tail calls (return_call, return_call_indirect)
//	  - SIMD (128-bit vector operations, v128 type)
//	  - Threads (atomic operations, shared memory)
//	  - Bulk memory (memory.copy, memory.fill, data.drop)
//	  - Reference types (funcref, externref, ref.null, ref.is_null)
//	  - Multi-memory (multiple memory instances)
//	  - Memory64 (64-bit memory addressing)
//
// # Parsing
//
// Parse a WebAssembly module from binary:
//
//	data, _ := os.ReadFile("module.wasm")
//	module, err := wasm.ParseModule(data)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Parse with validation enabled:
//
//	module, err := wasm.ParseModuleValidate(data)
//
// # Encoding
//
// Encode a module back to binary:
//
//	encoded := module.Encode()
//
// Round-trip parsing and encoding preserves module semantics:
//
//	original, _ := wasm.ParseModule(data)
//	roundtrip, _ := wasm.ParseModule(original.Encode())
//	// original and roundtrip are semantically equivalent
//
// # Module Structure
//
// A parsed module contains all sections:
//
//	module.Types      []FuncType    // Function signatures
//	module.Funcs      []uint32      // Type indices for functions
//	module.Tables     []TableType   // Table definitions
//	module.Memories   []MemoryType  // Memory definitions
//	module.Globals    []Global      // Global definitions
//	module.Imports    []Import      // Imported definitions
//	module.Exports    []Export      // Exported definitions
//	module.Code       []FuncBody    // Function bodies
//	module.Data       []DataSegment // Data segments
//	module.Elements   []Element     // Element segments
//
// # Instructions
//
// Decode instructions from bytecode:
//
//	instructions, err := wasm.DecodeInstructions(code)
//	for _, instr := range instructions {
//	    fmt.Printf("0x%02x\n", instr.Opcode)
//	}
//
// Encode instructions back to bytecode:
//
//	encoded := wasm.EncodeInstructions(instructions)
//
// # Validation
//
// Validate module structure:
//
//	if err := module.Validate(); err != nil {
//	    log.Printf("invalid module: %v", err)
//	}
//
// Validation checks:
//   - Type, function, table, memory, global and tag indices are in bounds
//   - Export names are unique
//   - Memory limits are valid
//   - Section counts agree (data count, code vs. function)
//   - GC subtype declarations are consistent
//   - local.get/local.set/local.tee indices are in bounds
//
// Function bodies that fail to decode are skipped by the local-index
// check; names are checked for valid UTF-8 while decoding, not here.
//
// # LEB128 Encoding
//
// The package provides LEB128 utilities used throughout:
//
//	u, err := wasm.ReadLEB128u(bytes.NewReader(data))  // Unsigned
//	s, err := wasm.ReadLEB128s(bytes.NewReader(data))  // Signed
//
// # Feature gating
//
// Post-2.0 proposals are gated by Features. DecodeInstructionsWithOptions
// rejects any instruction whose proposal isn't enabled.
// ParseModuleWithOptions rejects a Tag section unless FeatureExceptions is
// enabled; it does not check the instructions inside function bodies:
//
//	opts := wasm.ReadOptions{Features: wasm.FeatureGC | wasm.FeatureExceptions}
//	module, diag := wasm.ParseModuleWithOptions(data, opts)
//	if diag.HasErrors() {
//	    for _, err := range diag.Errors() {
//	        log.Println(err)
//	    }
//	}
//
// # Accumulating diagnostics
//
// ParseModuleWithOptions keeps decoding past a bad section and records
// every problem on a Diagnostics sink, with a breadcrumb trail of which
// section/context it came from. ParseModule runs the same decoder and
// joins those diagnostics into one error.
package wasm
