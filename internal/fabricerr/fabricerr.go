// Package fabricerr defines the coarse error taxonomy used across the
// fabric so handlers never leak a raw error onto the wire.
package fabricerr

import "fmt"

// Code is a coarse error kind, matching the taxonomy in the fabric design
// document: protocol, authorization, rate-limit, transport, peer-subsystem
// and fatal errors are handled differently by callers.
type Code string

const (
	CodeProtocol  Code = "protocol"
	CodeAuth      Code = "auth"
	CodeRateLimit Code = "rate_limit"
	CodeTransport Code = "transport"
	CodePeer      Code = "peer"
	CodeFatal     Code = "fatal"
)

// Error wraps an underlying cause with a coarse code so call sites can
// decide whether to reply with sys:error, close the connection, or retry.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Protocol, Auth, RateLimit, Transport, Peer and Fatal are convenience
// constructors mirroring the taxonomy kinds above.
func Protocol(message string) *Error { return New(CodeProtocol, message) }
func Auth(message string) *Error     { return New(CodeAuth, message) }
func RateLimit(message string) *Error { return New(CodeRateLimit, message) }
func Transport(message string, err error) *Error { return Wrap(CodeTransport, message, err) }
func Peer(message string, err error) *Error      { return Wrap(CodePeer, message, err) }
func Fatal(message string, err error) *Error     { return Wrap(CodeFatal, message, err) }
