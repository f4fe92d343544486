// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	type message struct {
		Method string `cbor:"method"`
		Serial uint64 `cbor:"serial"`
		Body   []byte `cbor:"body,omitempty"`
	}

	original := message{Method: "MakeUnique", Serial: 42, Body: []byte{1, 2, 3}}

	encoded, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded message
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.Method != original.Method || decoded.Serial != original.Serial {
		t.Errorf("round-trip mismatch: got %+v, want %+v", decoded, original)
	}
	if !bytes.Equal(decoded.Body, original.Body) {
		t.Errorf("body mismatch: got %v, want %v", decoded.Body, original.Body)
	}
}

func TestDeterministicEncoding(t *testing.T) {
	value := map[string]int{"b": 2, "a": 1, "c": 3}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("encoding not deterministic: %x != %x", first, second)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	encoded, err := Marshal(map[string]any{"handle": 7, "extra": "ignored"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var target struct {
		Handle uint32 `cbor:"handle"`
	}
	if err := Unmarshal(encoded, &target); err != nil {
		t.Fatalf("Unmarshal should ignore unknown fields: %v", err)
	}
	if target.Handle != 7 {
		t.Errorf("handle = %d, want 7", target.Handle)
	}
}

func TestUnmarshalStrictRejectsUnknownFields(t *testing.T) {
	encoded, err := Marshal(map[string]any{"handle": 7, "extra": "rejected"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var target struct {
		Handle uint32 `cbor:"handle"`
	}
	if err := UnmarshalStrict(encoded, &target); err == nil {
		t.Error("UnmarshalStrict should reject unknown fields")
	}
}

func TestUnmarshalRejectsWrongTypes(t *testing.T) {
	encoded, err := Marshal(map[string]any{"handle": "not a number"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var target struct {
		Handle uint32 `cbor:"handle"`
	}
	if err := Unmarshal(encoded, &target); err == nil {
		t.Error("Unmarshal should reject a string where uint32 is expected")
	}
}
