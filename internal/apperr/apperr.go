// Package apperr classifies failures into the kinds the chat session reacts to.
package apperr

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind int

const (
	// TransientNetwork failures are logged and swallowed; the user retries.
	TransientNetwork Kind = iota
	// ChannelDrop is a lost push connection; the channel retries on its own.
	ChannelDrop
	// Validation failures are rejected before any network call.
	Validation
	// ServerRejection is a 4xx/5xx answer to a send, upload or delete.
	ServerRejection
)

func (k Kind) String() string {
	switch k {
	case TransientNetwork:
		return "transient_network"
	case ChannelDrop:
		return "channel_drop"
	case Validation:
		return "validation"
	case ServerRejection:
		return "server_rejection"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	ErrEmptyMessage       = New(Validation, "message is empty")
	ErrEmptyFile          = New(Validation, "file is empty")
	ErrFileTooLarge       = New(Validation, "file too large")
	ErrNotAuthor          = New(Validation, "only the author can delete this file")
	ErrAttachmentNotFound = New(Validation, "attachment not found")
	ErrNoRoom             = New(Validation, "no room is open")
	ErrNotConnected       = New(ChannelDrop, "push channel is not connected")
	ErrClosed             = New(ChannelDrop, "push channel is closed")
)

// Error tags an underlying error with a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Cause lets errors.Cause walk through to the underlying error.
func (e *Error) Cause() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Rejection is implemented by transport errors that carry a server status.
type Rejection interface {
	Rejected() bool
}

// KindOf classifies err. Unknown errors are treated as transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var r Rejection
	if errors.As(err, &r) && r.Rejected() {
		return ServerRejection
	}
	return TransientNetwork
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
