package wasm

// maxOpenBlockDepth is the default soft cap on nested block/loop/if/try/let
// instruction structures a single function body may contain before decoding
// gives up on that function body with an error, guarding against
// pathologically deep input driving unbounded stack growth.
const maxOpenBlockDepth = 1 << 16

// ReadOptions controls ParseModuleWithOptions. The zero value enables every
// known feature and applies the default open-block depth cap, matching
// ParseModule's behavior.
type ReadOptions struct {
	// Features gates which proposal opcodes/encodings the decoder accepts.
	// Zero value means "use AllFeatures()".
	Features Features

	// MaxOpenBlockDepth caps how deeply block/loop/if/try/let structures
	// may nest within one function body. Zero means use the default
	// (maxOpenBlockDepth).
	MaxOpenBlockDepth int

	// ValidateAfterDecode runs Module.ValidateAll() (accumulating into the
	// same Diagnostics) once decoding finishes.
	ValidateAfterDecode bool
}

func (o ReadOptions) features() Features {
	if o.Features == 0 {
		return AllFeatures()
	}
	return o.Features
}

func (o ReadOptions) maxOpenBlockDepth() int {
	if o.MaxOpenBlockDepth <= 0 {
		return maxOpenBlockDepth
	}
	return o.MaxOpenBlockDepth
}

// EncodeOptions holds encoder settings. No encoding function in this
// package takes it: Module.Encode emits whatever the module holds, with
// no feature check.
type EncodeOptions struct {
	// Features names a proposal set. Zero value means "use AllFeatures()".
	Features Features
}

func (o EncodeOptions) features() Features {
	if o.Features == 0 {
		return AllFeatures()
	}
	return o.Features
}
