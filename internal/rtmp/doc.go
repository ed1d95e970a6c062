// Package rtmp implements the framed remoting protocol the login backend
// speaks on port 2099: an RTMP handshake and chunk stream over TLS,
// carrying AMF-encoded remoting messages.
//
// Builder constructs message header/body objects; Conn owns one transport
// connection and correlates invocation responses to their invoke ids.
package rtmp
