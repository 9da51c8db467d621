package rets

import (
	"errors"
	"fmt"
)

// ErrNoCookie is returned by Login when the server replies without any
// Set-Cookie header, leaving the client with no session to speak of.
var ErrNoCookie = errors.New("rets: login response carried no session cookie")

// ErrMalformedResponse is returned when a response body carries neither a
// ReplyCode nor a ReplyText attribute.
var ErrMalformedResponse = errors.New("rets: malformed response, no ReplyCode or ReplyText")

// LoginRejectedError is returned when the login endpoint answers with a
// non-zero reply code.
type LoginRejectedError struct {
	Code int
	Text string
}

func (e *LoginRejectedError) Error() string {
	return fmt.Sprintf("rets: login rejected with code %d: %s", e.Code, e.Text)
}

// ProtocolError is any non-zero reply code outside of login.
type ProtocolError struct {
	Code int
	Text string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rets: reply code %d: %s", e.Code, e.Text)
}

// UnauthorizedQueryError is the 20207 "Unauthorized Query" reply. It names
// the resource/class pair the account has no authority over; the sync engine
// uses it as a lockout signal.
type UnauthorizedQueryError struct {
	Resource string
	Class    string
	Text     string
}

func (e *UnauthorizedQueryError) Error() string {
	return fmt.Sprintf("rets: unauthorized query on class [%s] in resource [%s]", e.Class, e.Resource)
}

// IsUnauthorizedQuery reports whether err (or anything it wraps) is an
// UnauthorizedQueryError, and returns it when so.
func IsUnauthorizedQuery(err error) (*UnauthorizedQueryError, bool) {
	var uq *UnauthorizedQueryError
	if errors.As(err, &uq) {
		return uq, true
	}
	return nil, false
}

// IsProtocolError reports whether err is a non-zero reply code error.
func IsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
