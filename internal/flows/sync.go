package flows

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/internal/accounts"
	"github.com/ledgeraccounts/accounts/internal/keymap"
	"github.com/ledgeraccounts/accounts/internal/ledger"
	"github.com/ledgeraccounts/accounts/internal/net"
)

// SyncStatus is the state of the receiving side of a synchronisation.
type SyncStatus uint32

const (
	// AwaitHeader waits for the participant count.
	AwaitHeader SyncStatus = iota
	// AwaitAccount waits for the account of the next participant.
	AwaitAccount
	// AwaitBinding waits for the key to party binding of the participant
	// whose account was just received.
	AwaitBinding
	// AwaitRecord waits for the synchronised record itself.
	AwaitRecord
	// Committed means everything received was written.
	Committed
	// SyncFailed means nothing received was written.
	SyncFailed
)

func (s SyncStatus) String() string {
	switch s {
	case AwaitHeader:
		return "AwaitHeader"
	case AwaitAccount:
		return "AwaitAccount"
	case AwaitBinding:
		return "AwaitBinding"
	case AwaitRecord:
		return "AwaitRecord"
	case Committed:
		return "Committed"
	case SyncFailed:
		return "Failed"
	default:
		panic("impossible sync state received")
	}
}

func isValidSyncChange(current, next SyncStatus) bool {
	if next == SyncFailed {
		return current != Committed && current != SyncFailed
	}
	switch current {
	case AwaitHeader:
		return next == AwaitAccount || next == AwaitRecord
	case AwaitAccount:
		return next == AwaitBinding
	case AwaitBinding:
		return next == AwaitAccount || next == AwaitRecord
	case AwaitRecord:
		return next == Committed
	}
	return false
}

// ErrBindingMismatch is returned when a binding names a key that is not a
// participant of the synchronised state.
var ErrBindingMismatch = errors.New("binding does not match a participant")

type syncParticipant struct {
	key     key.PublicKey
	party   key.Party
	account *ledger.SignedTransaction
}

// SyncState sends the state at ref to party to, together with the accounts of
// its participants and the proof of who each participant key belongs to.
// Participants whose account or party cannot be resolved here are left out.
// With a grant, the receiver also lets that account see the state.
func (f *Flows) SyncState(ctx context.Context, call CallContext, ref ledger.StateRef, to key.PartyName, grant *uuid.UUID) error {
	return f.runner.Run(ctx, call, string(SyncProtocol), "sender", func(ctx context.Context, u *Unit) error {
		stx, err := f.ledger.Proof(ctx, ref.TxID)
		if errors.Is(err, ledger.ErrNotFound) {
			return &accounts.MissingLedgerProofError{Ref: ref}
		}
		if err != nil {
			return err
		}
		if int(ref.Index) >= len(stx.Tx.Outputs) {
			return &accounts.MissingLedgerProofError{Ref: ref}
		}
		l := u.log.With("ref", ref, "to", to)

		participants, err := f.resolveParticipants(ctx, stx.Tx.Outputs[ref.Index])
		if err != nil {
			return err
		}

		s, err := f.transport.Open(ctx, SyncProtocol, to)
		if err != nil {
			return err
		}
		defer s.Close()

		header := &SyncHeader{Count: uint32(len(participants)), Index: ref.Index, Grant: grant}
		if err := s.Send(ctx, header); err != nil {
			return err
		}
		for _, p := range participants {
			if err := sendTransaction(ctx, s, p.account); err != nil {
				return err
			}
			if err := s.Send(ctx, &Binding{Key: p.key, Party: p.party}); err != nil {
				return err
			}
		}
		if err := sendTransaction(ctx, s, stx); err != nil {
			return err
		}
		if err := awaitAck(ctx, s); err != nil {
			return err
		}
		l.Infow("state synchronised", "participants", len(participants), "grant", grant)
		return nil
	})
}

func (f *Flows) resolveParticipants(ctx context.Context, state ledger.State) ([]syncParticipant, error) {
	var out []syncParticipant
	seen := make(map[key.Hash]bool)
	for _, k := range state.Participants {
		if seen[k.Hash()] {
			continue
		}
		seen[k.Hash()] = true

		id, found, err := f.store.AccountFor(k)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		party, err := f.ids.WellKnownParty(k)
		if err != nil {
			return nil, err
		}
		if party == nil {
			continue
		}
		stx, _, err := f.registry.Proof(ctx, id)
		var notFound *accounts.AccountNotFoundError
		var missing *accounts.MissingLedgerProofError
		if errors.As(err, &notFound) || errors.As(err, &missing) {
			f.log.Warnw("participant account is bound but not held", "key", k.Hash(), "id", id, "err", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, syncParticipant{key: k, party: *party, account: stx})
	}
	return out, nil
}

type stagedBinding struct {
	Binding
	account uuid.UUID
}

// syncReceipt stages everything a synchronisation sends. Nothing is written
// before the record arrives.
type syncReceipt struct {
	status    SyncStatus
	header    SyncHeader
	remaining uint32
	accounts  []*ledger.SignedTransaction
	current   accounts.AccountInfo
	bindings  []stagedBinding
	record    *ledger.SignedTransaction
}

func (r *syncReceipt) to(next SyncStatus) error {
	if !isValidSyncChange(r.status, next) {
		return InvalidStateChange(r.status, next)
	}
	r.status = next
	return nil
}

// afterParticipant is the state following a header or a binding.
func (r *syncReceipt) afterParticipant() SyncStatus {
	if r.remaining == 0 {
		return AwaitRecord
	}
	return AwaitAccount
}

func (f *Flows) receiveSync(ctx context.Context, u *Unit, s net.Session) error {
	r := &syncReceipt{status: AwaitHeader}
	err := f.stageSync(ctx, r, s)
	if err == nil {
		err = f.commitSync(ctx, r)
	}
	if err != nil {
		_ = r.to(SyncFailed)
		return ack(ctx, s, err)
	}
	if err := r.to(Committed); err != nil {
		return err
	}
	u.log.Infow("state received", "tx", r.record.ID(), "participants", len(r.bindings), "grant", r.header.Grant)
	return ack(ctx, s, nil)
}

// stageSync consumes the messages in the order the sender emits them.
func (f *Flows) stageSync(ctx context.Context, r *syncReceipt, s net.Session) error {
	for {
		switch r.status {
		case AwaitHeader:
			if err := s.Receive(ctx, &r.header); err != nil {
				return err
			}
			r.remaining = r.header.Count
			if err := r.to(r.afterParticipant()); err != nil {
				return err
			}
		case AwaitAccount:
			stx, _, err := receiveTransaction(ctx, f.ledger, s)
			if err != nil {
				return err
			}
			info, _, err := accounts.FromTransaction(stx)
			if err != nil {
				return err
			}
			r.accounts = append(r.accounts, stx)
			r.current = info
			if err := r.to(AwaitBinding); err != nil {
				return err
			}
		case AwaitBinding:
			var b Binding
			if err := s.Receive(ctx, &b); err != nil {
				return err
			}
			r.bindings = append(r.bindings, stagedBinding{Binding: b, account: r.current.ID})
			r.remaining--
			if err := r.to(r.afterParticipant()); err != nil {
				return err
			}
		case AwaitRecord:
			stx, _, err := receiveTransaction(ctx, f.ledger, s)
			if err != nil {
				return err
			}
			r.record = stx
			return nil
		default:
			return InvalidStateChange(r.status, AwaitRecord)
		}
	}
}

// commitSync writes the ledger records in one vault transaction, then the
// identity bindings, key mappings and grant in one keymap transaction.
func (f *Flows) commitSync(ctx context.Context, r *syncReceipt) error {
	if int(r.header.Index) >= len(r.record.Tx.Outputs) {
		return fmt.Errorf("record %s has no output %d", r.record.ID(), r.header.Index)
	}
	ref := r.record.OutRef(int(r.header.Index))
	state := r.record.Tx.Outputs[ref.Index]
	for _, b := range r.bindings {
		if !state.HasParticipant(b.Key) {
			return fmt.Errorf("%w: key %s of %s", ErrBindingMismatch, b.Key.Hash(), b.Party.Name)
		}
	}

	if r.header.Grant != nil {
		granted, err := f.registry.ByID(ctx, *r.header.Grant)
		if err != nil {
			return err
		}
		if granted == nil {
			return &accounts.AccountNotFoundError{AccountID: *r.header.Grant, Host: f.self.Name}
		}
	}
	// conflicting bindings reject the run before the vault is written
	if err := f.store.View(func(tx *keymap.Tx) error { return f.checkBindings(tx, r.bindings) }); err != nil {
		return err
	}

	txs := append(append([]*ledger.SignedTransaction{}, r.accounts...), r.record)
	if err := f.ledger.Record(ctx, ledger.AllVisible, txs...); err != nil {
		return err
	}
	return f.store.Update(func(tx *keymap.Tx) error {
		for _, b := range r.bindings {
			if err := f.ids.RegisterKeyTx(tx, b.Key, b.Party, nil); err != nil {
				return err
			}
			if err := tx.BindAccount(b.Key, b.account); err != nil {
				return err
			}
		}
		if r.header.Grant != nil {
			return tx.Allow(*r.header.Grant, ref)
		}
		return nil
	})
}

// checkBindings runs every conflict check of the keymap commit, including
// bindings of the same run that disagree with each other.
func (f *Flows) checkBindings(tx *keymap.Tx, bindings []stagedBinding) error {
	staged := make(map[key.Hash]stagedBinding, len(bindings))
	for _, b := range bindings {
		h := b.Key.Hash()
		if prev, ok := staged[h]; ok && (prev.account != b.account || !prev.Party.Equal(b.Party)) {
			return &keymap.KeyRebindingConflictError{Key: h, Existing: "account " + prev.account.String(), Attempted: "account " + b.account.String()}
		}
		staged[h] = b
		id, found, err := tx.AccountFor(b.Key)
		if err != nil {
			return err
		}
		if found && id != b.account {
			return &keymap.KeyRebindingConflictError{Key: h, Existing: "account " + id.String(), Attempted: "account " + b.account.String()}
		}
		if err := f.ids.CheckKeyTx(tx, b.Key, b.Party); err != nil {
			return err
		}
	}
	return nil
}
