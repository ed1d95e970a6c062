package amf

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, v any) any {
	t.Helper()
	enc := NewEncoder()
	if err := enc.Encode(v); err != nil {
		t.Fatalf("encode %v: %v", v, err)
	}
	dec := NewDecoder(enc.Bytes())
	out, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode %v: %v", v, err)
	}
	if dec.Remaining() != 0 {
		t.Fatalf("decode %v left %d trailing bytes", v, dec.Remaining())
	}
	return out
}

func TestRoundTrip_Scalars(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"null", nil, nil},
		{"true", true, true},
		{"false", false, false},
		{"zero", 0, 0},
		{"small int", 42, 42},
		{"negative int", -7, -7},
		{"u29 max", 1<<28 - 1, 1<<28 - 1},
		{"u29 min", -(1 << 28), -(1 << 28)},
		{"big int promotes to double", int64(1 << 30), float64(1 << 30)},
		{"double", 3.25, 3.25},
		{"string", "loginService", "loginService"},
		{"empty string", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := roundTrip(t, tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestRoundTrip_Object(t *testing.T) {
	in := NewObject("flex.messaging.messages.RemotingMessage").
		Set("destination", "loginService").
		Set("operation", "login").
		Set("timestamp", 0).
		Set("body", []any{"user", 1, nil})

	out := roundTrip(t, in)
	obj, ok := out.(*Object)
	if !ok {
		t.Fatalf("decoded %T, want *Object", out)
	}
	if obj.Class != in.Class {
		t.Errorf("class = %q, want %q", obj.Class, in.Class)
	}
	if obj.String("destination") != "loginService" {
		t.Errorf("destination = %q", obj.String("destination"))
	}
	if obj.String("operation") != "login" {
		t.Errorf("operation = %q", obj.String("operation"))
	}
	body, ok := obj.Get("body").([]any)
	if !ok || len(body) != 3 {
		t.Fatalf("body = %#v", obj.Get("body"))
	}
	if body[0] != "user" || body[1] != 1 || body[2] != nil {
		t.Errorf("body = %#v", body)
	}
}

func TestRoundTrip_NestedObject(t *testing.T) {
	header := NewObject("").Set("DSId", "abc").Set("DSRequestTimeout", 60)
	in := NewObject("").Set("headers", header).Set("clientId", nil)

	obj := roundTrip(t, in).(*Object)
	nested := obj.Object("headers")
	if nested == nil {
		t.Fatal("headers missing")
	}
	if nested.String("DSId") != "abc" {
		t.Errorf("DSId = %q", nested.String("DSId"))
	}
	if nested.Float("DSRequestTimeout") != 60 {
		t.Errorf("DSRequestTimeout = %v", nested.Float("DSRequestTimeout"))
	}
}

func TestU29Boundaries(t *testing.T) {
	for _, v := range []uint32{0, 0x7F, 0x80, 0x3FFF, 0x4000, 0x1FFFFF, 0x200000, 0x1FFFFFFF} {
		enc := NewEncoder()
		enc.writeU29(v)
		dec := NewDecoder(enc.Bytes())
		got, err := dec.readU29()
		if err != nil {
			t.Fatalf("readU29(%#x): %v", v, err)
		}
		if got != v {
			t.Errorf("readU29(%#x) = %#x", v, got)
		}
	}
}

func TestDecode_StringReference(t *testing.T) {
	// "ok" inline, then a reference back to string table slot 0.
	data := []byte{
		markerString, 0x05, 'o', 'k',
		markerString, 0x00,
	}
	dec := NewDecoder(data)
	first, err := dec.Decode()
	if err != nil || first != "ok" {
		t.Fatalf("first = %v, %v", first, err)
	}
	second, err := dec.Decode()
	if err != nil || second != "ok" {
		t.Fatalf("reference = %v, %v", second, err)
	}
}

func TestDecode_Externalizable(t *testing.T) {
	// Object with externalizable traits (U29O-traits-ext = 0b0111).
	data := []byte{markerObject, 0x07, 0x01}
	_, err := NewDecoder(data).Decode()
	if !errors.Is(err, ErrExternalizable) {
		t.Errorf("err = %v, want ErrExternalizable", err)
	}
}

func TestDecode_Truncated(t *testing.T) {
	enc := NewEncoder()
	if err := enc.Encode(NewObject("x").Set("a", "b")); err != nil {
		t.Fatal(err)
	}
	full := enc.Bytes()
	for cut := 1; cut < len(full); cut++ {
		if _, err := NewDecoder(full[:cut]).Decode(); err == nil {
			t.Errorf("decode of %d/%d bytes succeeded", cut, len(full))
		}
	}
}

func TestAMF0Envelope(t *testing.T) {
	var buf bytes.Buffer
	WriteAMF0String(&buf, "_result")
	WriteAMF0Number(&buf, 3)
	WriteAMF0Null(&buf)
	if err := WriteAVMPlus(&buf, NewObject("").Set("token", "tok")); err != nil {
		t.Fatal(err)
	}

	dec := NewDecoder(buf.Bytes())
	cmd, err := dec.DecodeAMF0()
	if err != nil || cmd != "_result" {
		t.Fatalf("command = %v, %v", cmd, err)
	}
	id, err := dec.DecodeAMF0()
	if err != nil || id != float64(3) {
		t.Fatalf("id = %v, %v", id, err)
	}
	if nul, err := dec.DecodeAMF0(); err != nil || nul != nil {
		t.Fatalf("null slot = %v, %v", nul, err)
	}
	body, err := dec.DecodeAMF0()
	if err != nil {
		t.Fatal(err)
	}
	obj, ok := body.(*Object)
	if !ok || obj.String("token") != "tok" {
		t.Fatalf("body = %#v", body)
	}
}

func TestAMF0Object(t *testing.T) {
	var buf bytes.Buffer
	err := WriteAMF0Object(&buf, map[string]any{
		"app":            "",
		"objectEncoding": float64(3),
		"fpad":           false,
		"pageUrl":        nil,
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err := NewDecoder(buf.Bytes()).DecodeAMF0()
	if err != nil {
		t.Fatal(err)
	}
	obj := out.(*Object)
	if obj.Float("objectEncoding") != 3 {
		t.Errorf("objectEncoding = %v", obj.Float("objectEncoding"))
	}
	if v, ok := obj.Get("fpad").(bool); !ok || v {
		t.Errorf("fpad = %#v", obj.Get("fpad"))
	}
}

func TestEncode_Deterministic(t *testing.T) {
	build := func() *Object {
		return NewObject("cls").Set("b", 2).Set("a", 1).Set("c", "x")
	}
	e1, e2 := NewEncoder(), NewEncoder()
	if err := e1.Encode(build()); err != nil {
		t.Fatal(err)
	}
	if err := e2.Encode(build()); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(e1.Bytes(), e2.Bytes()) {
		t.Error("identical objects encoded differently")
	}
}
