package amf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"
)

// AMF3 type markers.
const (
	markerUndefined = 0x00
	markerNull      = 0x01
	markerFalse     = 0x02
	markerTrue      = 0x03
	markerInteger   = 0x04
	markerDouble    = 0x05
	markerString    = 0x06
	markerDate      = 0x08
	markerArray     = 0x09
	markerObject    = 0x0A
	markerByteArray = 0x0C
)

// AMF0 type markers (command envelope only).
const (
	amf0Number    = 0x00
	amf0Boolean   = 0x01
	amf0String    = 0x02
	amf0Null      = 0x05
	amf0Undefined = 0x06
	amf0AVMPlus   = 0x11
)

// 29-bit integer bounds; values outside encode as doubles.
const (
	maxU29Int = 1<<28 - 1
	minU29Int = -(1 << 28)
)

// Encoder serializes values into AMF3. Reference tables are not emitted on
// the write side; inline encoding is always legal and the backend accepts it.
type Encoder struct {
	buf bytes.Buffer
}

// NewEncoder returns a fresh Encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Bytes returns the encoded output.
func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

// Encode appends one AMF3 value.
func (e *Encoder) Encode(v any) error {
	switch val := v.(type) {
	case nil:
		e.buf.WriteByte(markerNull)
	case bool:
		if val {
			e.buf.WriteByte(markerTrue)
		} else {
			e.buf.WriteByte(markerFalse)
		}
	case int:
		e.encodeInt(int64(val))
	case int32:
		e.encodeInt(int64(val))
	case int64:
		e.encodeInt(val)
	case float64:
		e.buf.WriteByte(markerDouble)
		e.writeDouble(val)
	case string:
		e.buf.WriteByte(markerString)
		e.writeUTF8(val)
	case time.Time:
		e.buf.WriteByte(markerDate)
		e.writeU29(1)
		e.writeDouble(float64(val.UnixMilli()))
	case []byte:
		e.buf.WriteByte(markerByteArray)
		e.writeU29(uint32(len(val))<<1 | 1)
		e.buf.Write(val)
	case []any:
		e.buf.WriteByte(markerArray)
		e.writeU29(uint32(len(val))<<1 | 1)
		e.buf.WriteByte(0x01) // empty associative part
		for _, item := range val {
			if err := e.Encode(item); err != nil {
				return err
			}
		}
	case *Object:
		return e.encodeObject(val)
	default:
		return fmt.Errorf("amf: cannot encode %T", v)
	}
	return nil
}

func (e *Encoder) encodeInt(v int64) {
	if v < minU29Int || v > maxU29Int {
		e.buf.WriteByte(markerDouble)
		e.writeDouble(float64(v))
		return
	}
	e.buf.WriteByte(markerInteger)
	e.writeU29(uint32(v) & 0x1FFFFFFF)
}

// encodeObject writes an object with empty-sealed dynamic traits: every
// attribute goes out as a dynamic member, which is how the backend's own
// anonymous and typed bodies are shaped.
func (e *Encoder) encodeObject(o *Object) error {
	e.buf.WriteByte(markerObject)
	e.writeU29(0x0B) // inline traits, dynamic, zero sealed members
	e.writeUTF8(o.Class)

	// Stable member order keeps encoding deterministic.
	names := make([]string, 0, len(o.Attrs))
	for name := range o.Attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e.writeUTF8(name)
		if err := e.Encode(o.Attrs[name]); err != nil {
			return err
		}
	}
	e.buf.WriteByte(0x01) // empty string terminates dynamic members
	return nil
}

func (e *Encoder) writeU29(v uint32) {
	switch {
	case v < 0x80:
		e.buf.WriteByte(byte(v))
	case v < 0x4000:
		e.buf.WriteByte(byte(v>>7) | 0x80)
		e.buf.WriteByte(byte(v & 0x7F))
	case v < 0x200000:
		e.buf.WriteByte(byte(v>>14) | 0x80)
		e.buf.WriteByte(byte(v>>7) | 0x80)
		e.buf.WriteByte(byte(v & 0x7F))
	default:
		e.buf.WriteByte(byte(v>>22) | 0x80)
		e.buf.WriteByte(byte(v>>15) | 0x80)
		e.buf.WriteByte(byte(v>>8) | 0x80)
		e.buf.WriteByte(byte(v))
	}
}

func (e *Encoder) writeUTF8(s string) {
	e.writeU29(uint32(len(s))<<1 | 1)
	e.buf.WriteString(s)
}

func (e *Encoder) writeDouble(f float64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
	e.buf.Write(b[:])
}

// --- AMF0 command envelope ---

// WriteAMF0String appends an AMF0 string.
func WriteAMF0String(buf *bytes.Buffer, s string) {
	buf.WriteByte(amf0String)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

// WriteAMF0Number appends an AMF0 number.
func WriteAMF0Number(buf *bytes.Buffer, f float64) {
	buf.WriteByte(amf0Number)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
	buf.Write(b[:])
}

// WriteAMF0Null appends an AMF0 null.
func WriteAMF0Null(buf *bytes.Buffer) {
	buf.WriteByte(amf0Null)
}

// WriteAMF0Boolean appends an AMF0 boolean.
func WriteAMF0Boolean(buf *bytes.Buffer, v bool) {
	buf.WriteByte(amf0Boolean)
	if v {
		buf.WriteByte(0x01)
	} else {
		buf.WriteByte(0x00)
	}
}

// WriteAMF0Object appends an AMF0 object (string-keyed properties followed
// by the object-end marker). Property order is sorted for determinism.
func WriteAMF0Object(buf *bytes.Buffer, props map[string]any) error {
	buf.WriteByte(0x03) // object marker
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(name)))
		buf.Write(l[:])
		buf.WriteString(name)
		switch v := props[name].(type) {
		case string:
			WriteAMF0String(buf, v)
		case float64:
			WriteAMF0Number(buf, v)
		case int:
			WriteAMF0Number(buf, float64(v))
		case bool:
			WriteAMF0Boolean(buf, v)
		case nil:
			WriteAMF0Null(buf)
		default:
			return fmt.Errorf("amf: cannot encode %T in AMF0 object", v)
		}
	}
	buf.Write([]byte{0x00, 0x00, 0x09}) // object end
	return nil
}

// WriteAVMPlus appends the AMF0 escape into AMF3 followed by the AMF3
// encoding of v.
func WriteAVMPlus(buf *bytes.Buffer, v any) error {
	buf.WriteByte(amf0AVMPlus)
	enc := NewEncoder()
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.Write(enc.Bytes())
	return nil
}
