package rtmp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riftpool/riftpool/internal/amf"
)

const (
	handshakeSize  = 1536
	writeChunkSize = 128

	msgSetChunkSize = 0x01
	msgAMF3Command  = 0x11
	msgAMF0Command  = 0x14

	commandChunkStream = 3
)

// Conn owns one transport connection to a region server: it sends built
// packets, demultiplexes the incoming chunk stream into discrete response
// envelopes, and correlates each to its outstanding invocation.
type Conn struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	sock      net.Conn
	connected bool
	closed    bool
	dsid      string
	builder   *Builder

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int]*pendingInvocation
	results   map[int]*Response
	nextID    int

	readChunkSize int

	errsOnce sync.Once
	errs     chan error
}

// NewConn creates an unconnected Conn.
func NewConn(cfg Config, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Conn{
		cfg:           cfg,
		logger:        logger,
		pending:       make(map[int]*pendingInvocation),
		results:       make(map[int]*Response),
		readChunkSize: writeChunkSize,
		errs:          make(chan error, 1),
	}
}

// Connect dials the region server, performs the RTMP handshake, and issues
// the protocol-level connect command. The session id the server returns
// becomes the DSId of every subsequent message header.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	dial := c.cfg.Dial
	if dial == nil {
		d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: c.cfg.DialTimeout}}
		dial = d.DialContext
	}

	sock, err := dial(ctx, "tcp", addr)
	if err != nil {
		return &ConnectError{Op: "dial", Err: err}
	}

	if err := c.handshake(sock); err != nil {
		sock.Close()
		return &ConnectError{Op: "handshake", Err: err}
	}

	c.mu.Lock()
	c.sock = sock
	c.connected = true
	c.mu.Unlock()

	// The connect command consumes the first invoke id.
	connectID := c.register()

	if err := c.writeConnectCommand(connectID); err != nil {
		c.teardown(err)
		return &ConnectError{Op: "connect command", Err: err}
	}

	go c.readLoop()

	resp, err := c.await(ctx, connectID, c.cfg.DialTimeout)
	if err != nil {
		c.teardown(err)
		return &ConnectError{Op: "connect response", Err: err}
	}
	if !resp.IsResult() {
		err := fmt.Errorf("connect rejected: %s", resp.Command)
		c.teardown(err)
		return &ConnectError{Op: "connect response", Err: err}
	}

	dsid := resp.Body.String("id")
	if dsid == "" {
		dsid = uuid.NewString()
	}

	c.mu.Lock()
	c.dsid = dsid
	c.builder = NewBuilder(dsid)
	c.mu.Unlock()

	c.logger.Debug("rtmp connected", "addr", addr, "session_id", dsid)
	return nil
}

// Connected reports whether the transport is up.
func (c *Conn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SessionID returns the server-assigned session id, empty before Connect.
func (c *Conn) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dsid
}

// PendingCount returns the number of invocations still awaiting responses.
func (c *Conn) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Errors exposes asynchronous connection failures. The channel delivers
// the teardown cause, if any, and is closed once the connection is down.
func (c *Conn) Errors() <-chan error {
	return c.errs
}

// Close tears down the socket and fails all outstanding invocations.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.teardown(nil)
	return nil
}

// InvokeAsync builds and sends a packet, registers the invocation, and
// returns its id immediately. The only suspension is the transport write.
func (c *Conn) InvokeAsync(destination, operation string, params []any) (int, error) {
	c.mu.RLock()
	connected, builder := c.connected, c.builder
	c.mu.RUnlock()
	if !connected || builder == nil {
		return 0, ErrNotConnected
	}

	id := c.register()
	pkt := builder.Build(destination, operation, params, nil, nil)

	payload, err := encodeInvoke(id, pkt)
	if err != nil {
		c.unregister(id)
		return 0, &InvokeError{Kind: InvokeDecode, ID: id, Err: err}
	}
	if err := c.writeMessage(msgAMF3Command, payload); err != nil {
		c.unregister(id)
		return 0, err
	}
	return id, nil
}

// InvokeSync invokes and blocks until the matching response arrives or the
// timeout elapses.
func (c *Conn) InvokeSync(ctx context.Context, destination, operation string, params []any, timeout time.Duration) (*Response, error) {
	id, err := c.InvokeAsync(destination, operation, params)
	if err != nil {
		return nil, err
	}
	resp, err := c.await(ctx, id, timeout)
	if err != nil {
		c.unregister(id)
		return nil, err
	}
	// Consume the stored result so the id is fully retired.
	c.Poll(id)
	return resp, nil
}

// Poll is the non-blocking result check for a previously issued async
// invocation. It returns false until the response frame for that id has
// been received and decoded.
func (c *Conn) Poll(invokeID int) (*Response, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	resp, ok := c.results[invokeID]
	if ok {
		delete(c.results, invokeID)
	}
	return resp, ok
}

// Abandon drops an invocation the caller no longer cares about.
func (c *Conn) Abandon(invokeID int) {
	c.unregister(invokeID)
}

// register assigns the next invoke id. Ids are monotonic and never reused
// while a response is outstanding.
func (c *Conn) register() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.nextID++
	id := c.nextID
	c.pending[id] = &pendingInvocation{
		id:       id,
		issuedAt: time.Now(),
		ch:       make(chan *Response, 1),
	}
	return id
}

func (c *Conn) unregister(id int) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	delete(c.pending, id)
	delete(c.results, id)
}

// await blocks until the invocation resolves, the timeout fires, or ctx is
// cancelled.
func (c *Conn) await(ctx context.Context, id int, timeout time.Duration) (*Response, error) {
	c.pendingMu.Lock()
	p, ok := c.pending[id]
	c.pendingMu.Unlock()
	if !ok {
		// Already resolved before the caller got here.
		if resp, ok := c.Poll(id); ok {
			return resp, nil
		}
		return nil, ErrNotConnected
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, &InvokeError{Kind: InvokeTimeout, ID: id}
	case resp, ok := <-p.ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return resp, nil
	}
}

// routeResponse resolves the pending invocation for a decoded envelope.
func (c *Conn) routeResponse(resp *Response) {
	c.pendingMu.Lock()
	p, ok := c.pending[resp.InvokeID]
	if ok {
		delete(c.pending, resp.InvokeID)
		c.results[resp.InvokeID] = resp
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown invoke id", "invoke_id", resp.InvokeID)
		return
	}
	p.ch <- resp
}

// teardown closes the socket and fails every outstanding invocation.
func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	sock := c.sock
	c.sock = nil
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}

	c.pendingMu.Lock()
	for id, p := range c.pending {
		close(p.ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.errsOnce.Do(func() {
		if cause != nil && wasConnected {
			c.errs <- cause
		}
		close(c.errs)
	})
}

// --- handshake ---

// handshake performs the C0/C1/C2 exchange.
func (c *Conn) handshake(sock net.Conn) error {
	c1 := make([]byte, 1+handshakeSize)
	c1[0] = 0x03 // protocol version
	if _, err := rand.Read(c1[9:]); err != nil {
		return fmt.Errorf("handshake nonce: %w", err)
	}
	if _, err := sock.Write(c1); err != nil {
		return fmt.Errorf("write C0C1: %w", err)
	}

	s0s1 := make([]byte, 1+handshakeSize)
	if _, err := io.ReadFull(sock, s0s1); err != nil {
		return fmt.Errorf("read S0S1: %w", err)
	}
	if s0s1[0] != 0x03 {
		return fmt.Errorf("unexpected protocol version %#x", s0s1[0])
	}

	// C2 echoes S1.
	if _, err := sock.Write(s0s1[1:]); err != nil {
		return fmt.Errorf("write C2: %w", err)
	}

	s2 := make([]byte, handshakeSize)
	if _, err := io.ReadFull(sock, s2); err != nil {
		return fmt.Errorf("read S2: %w", err)
	}
	return nil
}

// --- writing ---

// writeConnectCommand sends the AMF0 connect command that opens the
// remoting session.
func (c *Conn) writeConnectCommand(id int) error {
	var buf bytes.Buffer
	amf.WriteAMF0String(&buf, "connect")
	amf.WriteAMF0Number(&buf, float64(id))
	err := amf.WriteAMF0Object(&buf, map[string]any{
		"app":            "",
		"flashVer":       "WIN 10,1,85,3",
		"swfUrl":         "app:/mod_ser.dat",
		"tcUrl":          fmt.Sprintf("rtmps://%s:%d", c.cfg.Host, c.cfg.Port),
		"fpad":           false,
		"capabilities":   239,
		"audioCodecs":    3191,
		"videoCodecs":    252,
		"videoFunction":  1,
		"pageUrl":        nil,
		"objectEncoding": 3,
	})
	if err != nil {
		return err
	}
	return c.writeMessage(msgAMF0Command, buf.Bytes())
}

// encodeInvoke wraps a packet body in the command envelope: a version
// byte, an empty command-name slot, the invoke id, and the AVM+ body.
func encodeInvoke(id int, pkt Packet) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(0x00)
	amf.WriteAMF0Null(&buf)
	amf.WriteAMF0Number(&buf, float64(id))
	amf.WriteAMF0Null(&buf)
	if err := amf.WriteAVMPlus(&buf, pkt.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeMessage frames a payload into 128-byte chunks on the command chunk
// stream.
func (c *Conn) writeMessage(typeID byte, payload []byte) error {
	c.mu.RLock()
	sock := c.sock
	connected := c.connected
	c.mu.RUnlock()
	if !connected || sock == nil {
		return ErrNotConnected
	}

	var frame bytes.Buffer
	frame.WriteByte(commandChunkStream) // fmt 0, chunk stream 3
	frame.Write([]byte{0, 0, 0})        // timestamp
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	frame.Write(length[1:]) // 3-byte message length
	frame.WriteByte(typeID)
	frame.Write([]byte{0, 0, 0, 0}) // message stream id

	for off := 0; off < len(payload); off += writeChunkSize {
		if off > 0 {
			frame.WriteByte(0xC0 | commandChunkStream) // fmt 3 continuation
		}
		end := off + writeChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		frame.Write(payload[off:end])
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	sock.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	_, err := sock.Write(frame.Bytes())
	return err
}

// --- reading ---

// chunkStreamState accumulates one in-flight message per chunk stream.
type chunkStreamState struct {
	length    int
	typeID    byte
	timestamp uint32
	buf       bytes.Buffer
}

// readLoop demultiplexes the incoming chunk stream and routes each decoded
// response envelope to its pending invocation. Malformed frames are logged
// and dropped; the loop survives them.
func (c *Conn) readLoop() {
	c.mu.RLock()
	sock := c.sock
	c.mu.RUnlock()
	if sock == nil {
		return
	}

	br := bufio.NewReader(sock)
	streams := make(map[uint32]*chunkStreamState)

	for {
		payload, typeID, err := c.readChunk(br, streams)
		if err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if !closed {
				c.teardown(err)
			}
			return
		}
		if payload == nil {
			continue // message not yet complete
		}

		switch typeID {
		case msgAMF3Command, msgAMF0Command:
			resp, err := decodeResponse(payload)
			if err != nil {
				c.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			if resp == nil {
				continue // not a correlated command
			}
			c.routeResponse(resp)
		case msgSetChunkSize:
			if len(payload) >= 4 {
				size := int(binary.BigEndian.Uint32(payload))
				if size > 0 {
					c.readChunkSize = size
				}
			}
		default:
			// Protocol control traffic; consumed and ignored.
		}
	}
}

// readChunk reads one chunk; it returns a complete message payload once
// every chunk of that message has arrived.
func (c *Conn) readChunk(br *bufio.Reader, streams map[uint32]*chunkStreamState) ([]byte, byte, error) {
	basic, err := br.ReadByte()
	if err != nil {
		return nil, 0, err
	}
	format := basic >> 6
	csid := uint32(basic & 0x3F)
	switch csid {
	case 0:
		b, err := br.ReadByte()
		if err != nil {
			return nil, 0, err
		}
		csid = uint32(b) + 64
	case 1:
		var b [2]byte
		if _, err := io.ReadFull(br, b[:]); err != nil {
			return nil, 0, err
		}
		csid = uint32(binary.LittleEndian.Uint16(b[:])) + 64
	}

	st := streams[csid]
	if st == nil {
		st = &chunkStreamState{}
		streams[csid] = st
	}

	var headerLen int
	switch format {
	case 0:
		headerLen = 11
	case 1:
		headerLen = 7
	case 2:
		headerLen = 3
	case 3:
		headerLen = 0
	}

	if headerLen > 0 {
		header := make([]byte, headerLen)
		if _, err := io.ReadFull(br, header); err != nil {
			return nil, 0, err
		}
		ts := uint32(header[0])<<16 | uint32(header[1])<<8 | uint32(header[2])
		st.timestamp = ts
		if headerLen >= 7 {
			st.length = int(header[3])<<16 | int(header[4])<<8 | int(header[5])
			st.typeID = header[6]
			st.buf.Reset()
		}
		// format 0 additionally carries a message stream id; unused here.
		if ts == 0xFFFFFF {
			var ext [4]byte
			if _, err := io.ReadFull(br, ext[:]); err != nil {
				return nil, 0, err
			}
		}
	}

	remaining := st.length - st.buf.Len()
	if remaining <= 0 {
		// A format-3 chunk with nothing outstanding restarts the previous
		// message shape.
		st.buf.Reset()
		remaining = st.length
	}
	n := remaining
	if n > c.readChunkSize {
		n = c.readChunkSize
	}
	if n > 0 {
		piece := make([]byte, n)
		if _, err := io.ReadFull(br, piece); err != nil {
			return nil, 0, err
		}
		st.buf.Write(piece)
	}

	if st.length > 0 && st.buf.Len() >= st.length {
		payload := make([]byte, st.length)
		copy(payload, st.buf.Bytes())
		st.buf.Reset()
		return payload, st.typeID, nil
	}
	return nil, 0, nil
}

// decodeResponse parses a command payload into a Response. Uncorrelated
// commands return (nil, nil).
func decodeResponse(payload []byte) (*Response, error) {
	if len(payload) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	// AMF3 command payloads open with a version byte before the AMF0
	// string marker.
	if payload[0] == 0x00 && len(payload) > 1 && payload[1] == 0x02 {
		payload = payload[1:]
	}

	dec := amf.NewDecoder(payload)
	cmdVal, err := dec.DecodeAMF0()
	if err != nil {
		return nil, err
	}
	cmd, ok := cmdVal.(string)
	if !ok {
		return nil, fmt.Errorf("command name is %T", cmdVal)
	}
	if cmd != CommandResult && cmd != CommandError {
		return nil, nil
	}

	idVal, err := dec.DecodeAMF0()
	if err != nil {
		return nil, err
	}
	idNum, ok := idVal.(float64)
	if !ok {
		return nil, fmt.Errorf("invoke id is %T", idVal)
	}

	if _, err := dec.DecodeAMF0(); err != nil {
		return nil, err
	}

	var body *amf.Object
	if dec.Remaining() > 0 {
		bodyVal, err := dec.DecodeAMF0()
		if err != nil {
			return nil, err
		}
		body, _ = bodyVal.(*amf.Object)
	}

	return &Response{
		InvokeID: int(idNum),
		Command:  cmd,
		Body:     body,
	}, nil
}
