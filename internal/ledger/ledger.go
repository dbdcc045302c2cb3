// Package ledger is the local view of the shared ledger: finalized
// transactions, the states they create and which of those states are still
// unconsumed. Consensus and notarisation live elsewhere; a transaction is
// final here once every required signer has signed it.
package ledger

import (
	"context"
	"errors"

	"github.com/ledgeraccounts/accounts/common/key"
)

// Visibility decides which outputs of a recorded transaction become
// queryable on this node.
type Visibility int

const (
	// OnlyRelevant keeps outputs that have a participant key we hold.
	OnlyRelevant Visibility = iota
	// AllVisible keeps every output, whether or not we participate.
	AllVisible
)

func (v Visibility) String() string {
	switch v {
	case OnlyRelevant:
		return "OnlyRelevant"
	case AllVisible:
		return "AllVisible"
	default:
		return "Unknown"
	}
}

var (
	ErrNotFound      = errors.New("transaction not found")
	ErrUnknownInput  = errors.New("transaction input is not known")
	ErrInputConsumed = errors.New("transaction input is already consumed")
)

// Filter selects unconsumed states. Zero fields match everything.
type Filter struct {
	Contract    string
	Participant key.PublicKey
	Where       func(StateAndRef) bool
}

func (f Filter) match(s StateAndRef) bool {
	if f.Contract != "" && s.State.Contract != f.Contract {
		return false
	}
	if f.Participant != nil && !s.State.HasParticipant(f.Participant) {
		return false
	}
	if f.Where != nil && !f.Where(s) {
		return false
	}
	return true
}

// Ledger is what the account protocols need from the ledger platform.
type Ledger interface {
	// Submit signs tx with every signer key held locally and records it.
	Submit(ctx context.Context, tx Transaction) (*SignedTransaction, error)
	// Proof returns the finalized transaction with the given id, or
	// ErrNotFound.
	Proof(ctx context.Context, id TxID) (*SignedTransaction, error)
	// Known reports whether the transaction is already recorded.
	Known(ctx context.Context, id TxID) (bool, error)
	// Record stores finalized transactions received from other parties. All
	// of them are written atomically; recording a transaction twice is a
	// no-op.
	Record(ctx context.Context, v Visibility, txs ...*SignedTransaction) error
	// QueryUnconsumed returns the unconsumed states matching f.
	QueryUnconsumed(ctx context.Context, f Filter) ([]StateAndRef, error)
}

// Keys is the part of key management the vault needs to sign and to decide
// relevance.
type Keys interface {
	Sign(ctx context.Context, data []byte, k key.PublicKey) ([]byte, error)
	Holds(k key.PublicKey) bool
}
