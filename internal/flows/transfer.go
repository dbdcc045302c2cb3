package flows

import (
	"context"
	"errors"
	"fmt"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/internal/accounts"
	"github.com/ledgeraccounts/accounts/internal/keymap"
	"github.com/ledgeraccounts/accounts/internal/ledger"
	"github.com/ledgeraccounts/accounts/internal/net"
)

// ErrRefused is returned when the counterparty refused what was sent.
var ErrRefused = errors.New("counterparty refused")

// sendTransaction offers stx and transfers it unless the counterparty already
// knows it. It does not wait for the acknowledgement.
func sendTransaction(ctx context.Context, s net.Session, stx *ledger.SignedTransaction) error {
	if err := s.Send(ctx, &Offer{TxID: stx.ID()}); err != nil {
		return err
	}
	var reply OfferReply
	if err := s.Receive(ctx, &reply); err != nil {
		return err
	}
	if reply.Known {
		return nil
	}
	return s.Send(ctx, &Transfer{Tx: stx})
}

// receiveTransaction is the other half of sendTransaction. A transaction
// already known is read from the ledger; a new one is verified but not
// recorded.
func receiveTransaction(ctx context.Context, l ledger.Ledger, s net.Session) (stx *ledger.SignedTransaction, known bool, err error) {
	var offer Offer
	if err := s.Receive(ctx, &offer); err != nil {
		return nil, false, err
	}
	known, err = l.Known(ctx, offer.TxID)
	if err != nil {
		return nil, false, err
	}
	if err := s.Send(ctx, &OfferReply{Known: known}); err != nil {
		return nil, false, err
	}
	if known {
		stx, err = l.Proof(ctx, offer.TxID)
		return stx, true, err
	}

	var t Transfer
	if err := s.Receive(ctx, &t); err != nil {
		return nil, false, err
	}
	if t.Tx == nil {
		return nil, false, fmt.Errorf("empty transfer for offer %s", offer.TxID)
	}
	if t.Tx.ID() != offer.TxID {
		return nil, false, fmt.Errorf("transferred transaction %s does not match offer %s", t.Tx.ID(), offer.TxID)
	}
	if err := t.Tx.Verify(); err != nil {
		return nil, false, err
	}
	return t.Tx, false, nil
}

// RefusedError is what the sender gets back when the counterparty refused a
// step. It matches ErrRefused and unwraps to the receiver's typed error when
// the refusal named one.
type RefusedError struct {
	Reason string
	Err    error
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRefused, e.Reason)
}

func (e *RefusedError) Is(target error) bool {
	return target == ErrRefused
}

func (e *RefusedError) Unwrap() error {
	return e.Err
}

func refusal(err error) *Ack {
	a := &Ack{Reason: err.Error()}
	var (
		rebinding *keymap.KeyRebindingConflictError
		notFound  *accounts.AccountNotFoundError
		verify    *accounts.IdentityVerificationError
	)
	switch {
	case errors.As(err, &rebinding):
		a.Kind = RefusedRebinding
		a.Key = rebinding.Key.Bytes()
		a.Existing, a.Attempted = rebinding.Existing, rebinding.Attempted
	case errors.As(err, &notFound):
		a.Kind = RefusedAccountNotFound
		a.Account, a.Host = notFound.AccountID, notFound.Host
	case errors.As(err, &verify):
		a.Kind = RefusedIdentityVerification
		a.Account, a.Host, a.Detail = verify.AccountID, verify.Host, verify.Reason
	}
	return a
}

func (a *Ack) refused() error {
	r := &RefusedError{Reason: a.Reason}
	switch a.Kind {
	case RefusedRebinding:
		h, err := key.HashFromBytes(a.Key)
		if err != nil {
			break
		}
		r.Err = &keymap.KeyRebindingConflictError{Key: h, Existing: a.Existing, Attempted: a.Attempted}
	case RefusedAccountNotFound:
		r.Err = &accounts.AccountNotFoundError{AccountID: a.Account, Host: a.Host}
	case RefusedIdentityVerification:
		r.Err = &accounts.IdentityVerificationError{AccountID: a.Account, Host: a.Host, Reason: a.Detail}
	}
	return r
}

// ack reports the outcome of a step to the counterparty. The error is
// returned unchanged so that callers can write `return ack(ctx, s, err)`.
func ack(ctx context.Context, s net.Session, err error) error {
	reply := &Ack{OK: true}
	if err != nil {
		reply = refusal(err)
	}
	if sendErr := s.Send(ctx, reply); sendErr != nil && err == nil {
		return sendErr
	}
	return err
}

// awaitAck waits for the counterparty's acknowledgement.
func awaitAck(ctx context.Context, s net.Session) error {
	var a Ack
	if err := s.Receive(ctx, &a); err != nil {
		return err
	}
	if !a.OK {
		return a.refused()
	}
	return nil
}
