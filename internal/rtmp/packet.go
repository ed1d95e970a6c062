package rtmp

import (
	"github.com/google/uuid"

	"github.com/riftpool/riftpool/internal/amf"
)

// Fixed header defaults for every remoting message.
const (
	defaultRequestTimeout = 60
	defaultEndpoint       = "my-rtmps"
	remotingMessageClass  = "flex.messaging.messages.RemotingMessage"
)

// Packet is one outgoing remoting message: the merged header and body
// objects plus their routing identity.
type Packet struct {
	Destination string
	Operation   string
	Header      *amf.Object
	Body        *amf.Object
}

// Builder constructs remoting packets for one connection session. Pure:
// no I/O, deterministic given the injected message-id generator.
type Builder struct {
	sessionID string
	newID     func() string
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithIDGenerator overrides the message-id generator (tests).
func WithIDGenerator(gen func() string) BuilderOption {
	return func(b *Builder) {
		b.newID = gen
	}
}

// NewBuilder creates a Builder bound to the server-assigned session id.
func NewBuilder(sessionID string, opts ...BuilderOption) *Builder {
	b := &Builder{
		sessionID: sessionID,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildHeader merges the fixed protocol defaults with caller overrides;
// the caller wins on key collision.
func (b *Builder) BuildHeader(overrides map[string]any) *amf.Object {
	header := amf.NewObject("").
		Set("DSRequestTimeout", defaultRequestTimeout).
		Set("DSId", b.sessionID).
		Set("DSEndpoint", defaultEndpoint)
	for k, v := range overrides {
		header.Set(k, v)
	}
	return header
}

// BuildBody merges the fixed remoting envelope with caller overrides; the
// caller wins on key collision.
func (b *Builder) BuildBody(destination, operation string, params []any, header *amf.Object, overrides map[string]any) *amf.Object {
	body := amf.NewObject(remotingMessageClass).
		Set("destination", destination).
		Set("operation", operation).
		Set("messageId", b.newID()).
		Set("source", "").
		Set("timestamp", 0).
		Set("timeToLive", 0).
		Set("clientId", nil).
		Set("headers", header).
		Set("body", params)
	for k, v := range overrides {
		body.Set(k, v)
	}
	return body
}

// Build assembles a complete packet.
func (b *Builder) Build(destination, operation string, params []any, headerOverrides, bodyOverrides map[string]any) Packet {
	header := b.BuildHeader(headerOverrides)
	return Packet{
		Destination: destination,
		Operation:   operation,
		Header:      header,
		Body:        b.BuildBody(destination, operation, params, header, bodyOverrides),
	}
}
