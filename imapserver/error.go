package imapserver

import (
	"errors"
	"fmt"
)

// Response codes sent to clients between brackets in NO responses.
const (
	CodeNonexistent = "NONEXISTENT" // Mailbox does not exist.
	CodeInUse       = "INUSE"       // Account busy, retry later.
	CodeUnavailable = "UNAVAILABLE" // Backend unreachable, outcome unknown.
	CodeCannot      = "CANNOT"      // Invalid request, e.g. mailbox name.
)

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		xserverErrorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
}

// xcheckexec panics with err if it is a user or server error, turning other
// errors into server errors.
func xcheckexec(err error, format string, args ...any) {
	if err == nil {
		return
	}
	var uerr userError
	if errors.As(err, &uerr) {
		panic(uerr)
	}
	xcheckf(err, format, args...)
}

type userError struct {
	code string // Optional response code in brackets.
	err  error
}

func (e userError) Error() string { return e.err.Error() }
func (e userError) Unwrap() error { return e.err }

// ResponseCode makes the code available to the RPC bridge, so front-ends can
// send it to their clients.
func (e userError) ResponseCode() string { return e.code }

func xuserErrorf(format string, args ...any) {
	panic(userError{err: fmt.Errorf(format, args...)})
}

func xusercodeErrorf(code, format string, args ...any) {
	panic(usercodeErrorf(code, format, args...))
}

func usercodeErrorf(code, format string, args ...any) error {
	return userError{code: code, err: fmt.Errorf(format, args...)}
}

type serverError struct{ err error }

func (e serverError) Error() string { return e.err.Error() }
func (e serverError) Unwrap() error { return e.err }

func xserverErrorf(format string, args ...any) {
	panic(serverError{fmt.Errorf(format, args...)})
}

type syntaxError struct {
	errmsg string // BAD response message.
	err    error
}

func (e syntaxError) Error() string { return "bad syntax: " + e.errmsg }
func (e syntaxError) Unwrap() error { return e.err }

func xsyntaxErrorf(format string, args ...any) {
	errmsg := fmt.Sprintf(format, args...)
	panic(syntaxError{errmsg, errors.New(errmsg)})
}
