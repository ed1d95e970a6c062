package amf

import (
	"encoding/binary"
	"math"
	"time"
)

type traits struct {
	class   string
	sealed  []string
	dynamic bool
}

// Decoder reads AMF values from a byte slice, maintaining the AMF3
// string, object, and trait reference tables the backend relies on.
type Decoder struct {
	data    []byte
	pos     int
	strings []string
	objects []any
	traits  []traits
}

// NewDecoder returns a Decoder over data.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Remaining reports how many bytes are left unread.
func (d *Decoder) Remaining() int {
	return len(d.data) - d.pos
}

func (d *Decoder) readByte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, ErrTruncated
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *Decoder) readBytes(n int) ([]byte, error) {
	if d.pos+n > len(d.data) {
		return nil, ErrTruncated
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *Decoder) readU29() (uint32, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		b, err := d.readByte()
		if err != nil {
			return 0, err
		}
		if i == 3 {
			return v<<8 | uint32(b), nil
		}
		v = v<<7 | uint32(b&0x7F)
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return v, nil
}

func (d *Decoder) readDouble() (float64, error) {
	b, err := d.readBytes(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (d *Decoder) readString() (string, error) {
	ref, err := d.readU29()
	if err != nil {
		return "", err
	}
	if ref&1 == 0 {
		idx := int(ref >> 1)
		if idx >= len(d.strings) {
			return "", ErrBadReference
		}
		return d.strings[idx], nil
	}
	b, err := d.readBytes(int(ref >> 1))
	if err != nil {
		return "", err
	}
	s := string(b)
	if s != "" {
		d.strings = append(d.strings, s)
	}
	return s, nil
}

// Decode reads one AMF3 value.
func (d *Decoder) Decode() (any, error) {
	marker, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch marker {
	case markerUndefined, markerNull:
		return nil, nil
	case markerFalse:
		return false, nil
	case markerTrue:
		return true, nil
	case markerInteger:
		v, err := d.readU29()
		if err != nil {
			return nil, err
		}
		// Sign-extend 29-bit values.
		n := int32(v)
		if v&0x10000000 != 0 {
			n = int32(v | 0xE0000000)
		}
		return int(n), nil
	case markerDouble:
		return d.readDouble()
	case markerString:
		return d.readString()
	case markerDate:
		return d.readDate()
	case markerArray:
		return d.readArray()
	case markerObject:
		return d.readObject()
	case markerByteArray:
		return d.readByteArray()
	default:
		return nil, ErrUnknownMarker
	}
}

func (d *Decoder) readDate() (any, error) {
	ref, err := d.readU29()
	if err != nil {
		return nil, err
	}
	if ref&1 == 0 {
		idx := int(ref >> 1)
		if idx >= len(d.objects) {
			return nil, ErrBadReference
		}
		return d.objects[idx], nil
	}
	ms, err := d.readDouble()
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(int64(ms)).UTC()
	d.objects = append(d.objects, t)
	return t, nil
}

func (d *Decoder) readArray() (any, error) {
	ref, err := d.readU29()
	if err != nil {
		return nil, err
	}
	if ref&1 == 0 {
		idx := int(ref >> 1)
		if idx >= len(d.objects) {
			return nil, ErrBadReference
		}
		return d.objects[idx], nil
	}
	dense := int(ref >> 1)

	// Associative part: name/value pairs until the empty key. The backend
	// mixes both forms, so keyed entries become an Object.
	var assoc *Object
	for {
		key, err := d.readString()
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		val, err := d.Decode()
		if err != nil {
			return nil, err
		}
		if assoc == nil {
			assoc = NewObject("")
		}
		assoc.Set(key, val)
	}

	items := make([]any, 0, dense)
	slot := len(d.objects)
	d.objects = append(d.objects, items)
	for i := 0; i < dense; i++ {
		val, err := d.Decode()
		if err != nil {
			return nil, err
		}
		items = append(items, val)
	}
	d.objects[slot] = items

	if assoc != nil {
		if dense > 0 {
			assoc.Set("__dense", items)
		}
		return assoc, nil
	}
	return items, nil
}

func (d *Decoder) readObject() (any, error) {
	ref, err := d.readU29()
	if err != nil {
		return nil, err
	}
	if ref&1 == 0 {
		idx := int(ref >> 1)
		if idx >= len(d.objects) {
			return nil, ErrBadReference
		}
		return d.objects[idx], nil
	}

	var tr traits
	if ref&2 == 0 {
		idx := int(ref >> 2)
		if idx >= len(d.traits) {
			return nil, ErrBadReference
		}
		tr = d.traits[idx]
	} else {
		if ref&4 != 0 {
			return nil, ErrExternalizable
		}
		tr.dynamic = ref&8 != 0
		count := int(ref >> 4)
		if tr.class, err = d.readString(); err != nil {
			return nil, err
		}
		tr.sealed = make([]string, count)
		for i := range tr.sealed {
			if tr.sealed[i], err = d.readString(); err != nil {
				return nil, err
			}
		}
		d.traits = append(d.traits, tr)
	}

	obj := NewObject(tr.class)
	d.objects = append(d.objects, obj)

	for _, name := range tr.sealed {
		val, err := d.Decode()
		if err != nil {
			return nil, err
		}
		obj.Set(name, val)
	}
	if tr.dynamic {
		for {
			name, err := d.readString()
			if err != nil {
				return nil, err
			}
			if name == "" {
				break
			}
			val, err := d.Decode()
			if err != nil {
				return nil, err
			}
			obj.Set(name, val)
		}
	}
	return obj, nil
}

func (d *Decoder) readByteArray() (any, error) {
	ref, err := d.readU29()
	if err != nil {
		return nil, err
	}
	if ref&1 == 0 {
		idx := int(ref >> 1)
		if idx >= len(d.objects) {
			return nil, ErrBadReference
		}
		return d.objects[idx], nil
	}
	b, err := d.readBytes(int(ref >> 1))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	d.objects = append(d.objects, out)
	return out, nil
}

// DecodeAMF0 reads one AMF0 value from the command envelope. The 0x11
// marker escapes into AMF3 using this decoder's reference tables.
func (d *Decoder) DecodeAMF0() (any, error) {
	marker, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch marker {
	case amf0Number:
		return d.readDouble()
	case amf0Boolean:
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case amf0String:
		lb, err := d.readBytes(2)
		if err != nil {
			return nil, err
		}
		b, err := d.readBytes(int(binary.BigEndian.Uint16(lb)))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case amf0Null, amf0Undefined:
		return nil, nil
	case 0x03: // AMF0 object
		obj := NewObject("")
		for {
			lb, err := d.readBytes(2)
			if err != nil {
				return nil, err
			}
			nameLen := int(binary.BigEndian.Uint16(lb))
			if nameLen == 0 {
				end, err := d.readByte()
				if err != nil {
					return nil, err
				}
				if end != 0x09 {
					return nil, ErrUnknownMarker
				}
				return obj, nil
			}
			nb, err := d.readBytes(nameLen)
			if err != nil {
				return nil, err
			}
			val, err := d.DecodeAMF0()
			if err != nil {
				return nil, err
			}
			obj.Set(string(nb), val)
		}
	case amf0AVMPlus:
		return d.Decode()
	default:
		return nil, ErrUnknownMarker
	}
}
