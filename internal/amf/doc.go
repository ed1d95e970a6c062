// Package amf implements the subset of AMF3 (and the AMF0 command
// envelope that wraps it) spoken by the login backend.
//
// The backend exchanges Flex remoting messages: an AMF0 command header
// (command name, invoke id, null) followed by an AVM+ (0x11) escape into
// an AMF3-encoded object graph. Only the markers the backend actually
// produces are supported; externalizable traits are rejected as a decode
// error and the frame is dropped upstream.
package amf
