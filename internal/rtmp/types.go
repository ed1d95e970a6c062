package rtmp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/riftpool/riftpool/internal/amf"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
)

// Command discriminators carried by response envelopes.
const (
	CommandResult = "_result"
	CommandError  = "_error"
)

// ConnectError is a transport, TLS, or handshake failure. Fatal to the
// connection; the owner reconnects or cleans up.
type ConnectError struct {
	Op  string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("rtmp connect: %s: %v", e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// InvokeErrorKind distinguishes per-call failures.
type InvokeErrorKind int

const (
	InvokeTimeout InvokeErrorKind = iota
	InvokeDecode
)

// InvokeError is a per-call failure: the call is lost but the connection
// survives.
type InvokeError struct {
	Kind InvokeErrorKind
	ID   int
	Err  error
}

func (e *InvokeError) Error() string {
	switch e.Kind {
	case InvokeTimeout:
		return fmt.Sprintf("invoke %d: timeout", e.ID)
	default:
		return fmt.Sprintf("invoke %d: decode: %v", e.ID, e.Err)
	}
}

func (e *InvokeError) Unwrap() error { return e.Err }

// Response is a decoded remoting response, correlated by invoke id.
// Command is the "_result" / "_error" discriminator.
type Response struct {
	InvokeID int
	Command  string
	Body     *amf.Object
}

// IsResult reports whether the response is a success acknowledgement.
func (r *Response) IsResult() bool {
	return r != nil && r.Command == CommandResult
}

// pendingInvocation tracks one outstanding invoke until its response
// arrives or the caller abandons polling.
type pendingInvocation struct {
	id       int
	issuedAt time.Time
	ch       chan *Response
}

// Config configures a Conn.
type Config struct {
	Host         string
	Port         int
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// Dial overrides the transport dial; nil means TLS. Tests inject a
	// plain TCP dialer here.
	Dial DialFunc
}

// DialFunc opens the transport stream.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
