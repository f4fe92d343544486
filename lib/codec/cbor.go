// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding. The same logical message always produces identical bytes,
// which keeps wire traces diffable.
var encMode cbor.EncMode

// decMode is the default decoder: standard CBOR, unknown fields
// silently ignored.
var decMode cbor.DecMode

// strictDecMode additionally rejects fields that the target struct
// does not declare. Method argument validation uses this: a payload
// carrying extra or misnamed arguments does not match the method
// signature and must be rejected before any state is touched.
var strictDecMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	// When the decode target is any-typed, pick map[string]any rather
	// than the CBOR default map[interface{}]interface{}; bus messages
	// never use non-string map keys.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	strictDecMode, err = cbor.DecOptions{
		DefaultMapType:    reflect.TypeOf(map[string]any(nil)),
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("codec: strict CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v, ignoring unknown fields.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// UnmarshalStrict decodes CBOR data into v and fails if data carries
// any field v does not declare. Wrong field types fail in both modes.
func UnmarshalStrict(data []byte, v any) error {
	return strictDecMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, used to delay decoding of
// method bodies until the dispatcher knows the method.
type RawMessage = cbor.RawMessage

// Encoder is a CBOR stream encoder using the deterministic encoding
// configuration.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder using the default (lenient)
// decoding configuration.
type Decoder = cbor.Decoder

// NewEncoder returns a stream encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
