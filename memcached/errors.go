package memcached

import (
	"fmt"
	"strings"

	dbxerrors "github.com/dropbox/godropbox/errors"
)

// ErrorKind classifies failures returned by Client operations so callers
// can tell a cache miss apart from an unreachable server.
type ErrorKind int

const (
	// The memcached.* configuration is missing or malformed.
	KindConfiguration ErrorKind = iota + 1

	// Timeout, connection refused, protocol error, or any other failure
	// reported by the wrapped client library.
	KindTransport

	// The key does not exist (get / delete).
	KindNotFound

	// The store condition did not hold: add on an existing key, replace on
	// an absent key.
	KindNotStored

	// The key is empty, longer than 250 bytes, or contains whitespace /
	// control characters.
	KindInvalidKey

	// Invalid ttl / delta / option value.
	KindInvalidArgument

	// incr/decr on a value which is not the ascii representation of an
	// unsigned integer.
	KindNonNumeric

	// The client has been shut down.
	KindClosed
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransport:
		return "transport"
	case KindNotFound:
		return "not found"
	case KindNotStored:
		return "not stored"
	case KindInvalidKey:
		return "invalid key"
	case KindInvalidArgument:
		return "invalid argument"
	case KindNonNumeric:
		return "non-numeric value"
	case KindClosed:
		return "closed"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the only error type returned by Client operations.
type Error struct {
	Kind ErrorKind

	// The operation name, e.g. "get" or "add".
	Op string

	// The key(s) involved.  Empty for configuration / lifecycle errors.
	Keys []string

	// The underlying library error, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("memcached")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	switch len(e.Keys) {
	case 0:
	case 1:
		fmt.Fprintf(&b, " key[%s]", e.Keys[0])
	default:
		fmt.Fprintf(&b, " keys%v", e.Keys)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(dbxerrors.GetMessage(e.Err))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, op string, err error, keys ...string) *Error {
	return &Error{Kind: kind, Op: op, Keys: keys, Err: err}
}

func errorf(format string, args ...interface{}) error {
	return dbxerrors.Newf(format, args...)
}

func wrapf(err error, format string, args ...interface{}) error {
	return dbxerrors.Wrapf(err, format, args...)
}

// KindOf returns the kind of err, or zero when err is nil or was not
// produced by this package.
func KindOf(err error) ErrorKind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0
		}
		err = u.Unwrap()
	}
	return 0
}

func IsNotFound(err error) bool      { return KindOf(err) == KindNotFound }
func IsNotStored(err error) bool     { return KindOf(err) == KindNotStored }
func IsTransport(err error) bool     { return KindOf(err) == KindTransport }
func IsConfiguration(err error) bool { return KindOf(err) == KindConfiguration }
func IsClosed(err error) bool        { return KindOf(err) == KindClosed }
