package jsoncodec

import (
	"bytes"
	"strings"
	"testing"
)

type fieldEvent struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := fieldEvent{Field: "email", Value: "a@b.c"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out fieldEvent
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}

	indented, err := MarshalIndent(in, "", "  ")
	if err != nil {
		t.Fatalf("marshal indent failed: %v", err)
	}
	if !strings.Contains(string(indented), "\n  \"field\"") {
		t.Fatalf("expected indented output, got %s", string(indented))
	}
}

func TestStringHelpers(t *testing.T) {
	s, err := MarshalString(map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("marshal string failed: %v", err)
	}
	if s != `{"n":1}` {
		t.Fatalf("unexpected output %s", s)
	}

	var out map[string]int
	if err := UnmarshalString(s, &out); err != nil {
		t.Fatalf("unmarshal string failed: %v", err)
	}
	if out["n"] != 1 {
		t.Fatalf("unexpected decode %#v", out)
	}
}

func TestValid(t *testing.T) {
	if !Valid([]byte(`{"type":"FieldChanged"}`)) {
		t.Fatal("expected valid document")
	}
	if Valid([]byte(`{"type":`)) {
		t.Fatal("expected truncated document to be invalid")
	}
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := fieldEvent{Field: "name", Value: "x"}

	if err := Encode(buf, payload); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded fieldEvent
	if err := Decode(buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != payload {
		t.Fatalf("expected %#v, got %#v", payload, decoded)
	}
}

func TestConvert(t *testing.T) {
	src := map[string]any{"field": "zip", "value": "12345"}
	var dst fieldEvent
	if err := Convert(src, &dst); err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if dst.Field != "zip" || dst.Value != "12345" {
		t.Fatalf("unexpected conversion %#v", dst)
	}
}
