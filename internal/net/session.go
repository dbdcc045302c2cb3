// Package net carries sessions between two named parties: ordered,
// bidirectional exchanges of CBOR encoded values opened for one protocol.
package net

import (
	"context"
	"errors"
	"fmt"

	"github.com/ledgeraccounts/accounts/common/key"
)

// Protocol names the exchange a session is opened for.
type Protocol string

var (
	ErrUnreachable   = errors.New("counterparty is unreachable")
	ErrNoHandler     = errors.New("counterparty does not serve this protocol")
	ErrSessionClosed = errors.New("session closed by counterparty")
	ErrTimeout       = errors.New("timed out waiting for counterparty")
	ErrRejected      = errors.New("session rejected by counterparty")
)

// SessionError reports a transport failure with the counterparty and the
// protocol involved.
type SessionError struct {
	Party    key.PartyName
	Protocol Protocol
	Err      error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s with %s: %v", e.Protocol, e.Party, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Session is one side of an exchange with a counterparty. Values arrive in
// the order they were sent.
type Session interface {
	Counterparty() key.Party
	Protocol() Protocol
	Send(ctx context.Context, v interface{}) error
	Receive(ctx context.Context, v interface{}) error
	Close() error
}

// Responder serves the sessions opened by other parties for a protocol. The
// session is closed when it returns.
type Responder func(ctx context.Context, s Session) error

// Transport opens sessions to other parties and dispatches the sessions they
// open to the registered responders.
type Transport interface {
	Open(ctx context.Context, protocol Protocol, to key.PartyName) (Session, error)
	Handle(protocol Protocol, r Responder)
}
