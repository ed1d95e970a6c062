package amf

import "errors"

// Decode errors.
var (
	ErrExternalizable = errors.New("amf: externalizable traits not supported")
	ErrTruncated      = errors.New("amf: truncated input")
	ErrBadReference   = errors.New("amf: reference out of range")
	ErrUnknownMarker  = errors.New("amf: unknown type marker")
)

// Object is a tagged AMF object: an explicit attribute set plus the remote
// object class discriminator. Anonymous objects have an empty Class.
type Object struct {
	Class string
	Attrs map[string]any
}

// NewObject returns an empty Object with the given class name.
func NewObject(class string) *Object {
	return &Object{Class: class, Attrs: make(map[string]any)}
}

// Set stores an attribute and returns the object for chaining.
func (o *Object) Set(name string, value any) *Object {
	if o.Attrs == nil {
		o.Attrs = make(map[string]any)
	}
	o.Attrs[name] = value
	return o
}

// Get returns an attribute value, or nil if absent.
func (o *Object) Get(name string) any {
	if o == nil || o.Attrs == nil {
		return nil
	}
	return o.Attrs[name]
}

// String returns the attribute as a string, or "" if absent or not a string.
func (o *Object) String(name string) string {
	s, _ := o.Get(name).(string)
	return s
}

// Float returns the attribute as a float64, or 0 if absent or not numeric.
func (o *Object) Float(name string) float64 {
	switch v := o.Get(name).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// Object returns a nested object attribute, or nil.
func (o *Object) Object(name string) *Object {
	nested, _ := o.Get(name).(*Object)
	return nested
}
