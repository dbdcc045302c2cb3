package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v2"

	"github.com/ledgeraccounts/accounts/common/log"
	"github.com/ledgeraccounts/accounts/internal/codec"
)

// Vault is the badger backed Ledger of a node.
type Vault struct {
	db   *badger.DB
	lib  *Library
	keys Keys
	log  log.Logger
}

// Open opens the vault stored in folder. An empty folder opens an in-memory
// vault.
func Open(folder string, keys Keys, l log.Logger) (*Vault, error) {
	l = l.Named("vault")
	opts := badger.DefaultOptions(folder).WithLogger(badgerLogger{l})
	if folder == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("could not open vault: %w", err)
	}
	return &Vault{
		db:   db,
		lib:  NewLibrary(codec.New()),
		keys: keys,
		log:  l,
	}, nil
}

// Close closes the underlying database.
func (v *Vault) Close() error {
	return v.db.Close()
}

func (v *Vault) Submit(ctx context.Context, tx Transaction) (*SignedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(tx.Signers) == 0 {
		return nil, ErrNoSigners
	}
	id, err := tx.ID()
	if err != nil {
		return nil, fmt.Errorf("could not compute transaction id: %w", err)
	}

	stx := &SignedTransaction{Tx: tx}
	for _, signer := range tx.Signers {
		if !v.keys.Holds(signer) {
			return nil, fmt.Errorf("%w: signer %s is not held locally", ErrMissingSignature, signer.Hash())
		}
		sig, err := v.keys.Sign(ctx, id[:], signer)
		if err != nil {
			return nil, fmt.Errorf("could not sign transaction %s: %w", id, err)
		}
		stx.Signatures = append(stx.Signatures, Signature{By: signer, Bytes: sig})
	}

	ops := make([]func(*badger.Txn) error, 0, len(tx.Inputs)+1)
	for _, in := range tx.Inputs {
		ops = append(ops, v.lib.RequireUnconsumed(in))
	}
	ops = append(ops, v.recordOps(stx, AllVisible)...)
	if err := v.db.Update(Combine(ops...)); err != nil {
		return nil, err
	}

	v.log.Debugw("transaction submitted", "tx", id, "inputs", len(tx.Inputs), "outputs", len(tx.Outputs))
	return stx, nil
}

func (v *Vault) Proof(ctx context.Context, id TxID) (*SignedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var stx SignedTransaction
	err := v.db.View(v.lib.RetrieveTransaction(id, &stx))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &stx, nil
}

func (v *Vault) Known(ctx context.Context, id TxID) (bool, error) {
	_, err := v.Proof(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (v *Vault) Record(ctx context.Context, vis Visibility, txs ...*SignedTransaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var ops []func(*badger.Txn) error
	for _, stx := range txs {
		if err := stx.Verify(); err != nil {
			return fmt.Errorf("refusing to record transaction %s: %w", stx.ID(), err)
		}
		ops = append(ops, v.recordOps(stx, vis)...)
	}
	if err := v.db.Update(Combine(ops...)); err != nil {
		return err
	}
	for _, stx := range txs {
		v.log.Debugw("transaction recorded", "tx", stx.ID(), "visibility", vis)
	}
	return nil
}

// recordOps rewrites the same keys when a transaction is recorded again, so
// recording is idempotent. A second recording with AllVisible widens what an
// earlier OnlyRelevant one indexed. An input already spent by another
// transaction fails the whole write.
func (v *Vault) recordOps(stx *SignedTransaction, vis Visibility) []func(*badger.Txn) error {
	id := stx.ID()
	ops := []func(*badger.Txn) error{v.lib.SaveTransaction(stx)}
	for _, in := range stx.Tx.Inputs {
		ops = append(ops, v.lib.RequireSpendableBy(in, id), v.lib.MarkConsumed(in, id))
	}
	for i := range stx.Tx.Outputs {
		out := stx.Out(i)
		if vis == OnlyRelevant && !v.relevant(out.State) {
			continue
		}
		ops = append(ops, v.lib.IndexState(out))
	}
	return ops
}

func (v *Vault) relevant(s State) bool {
	for _, p := range s.Participants {
		if v.keys.Holds(p) {
			return true
		}
	}
	return false
}

func (v *Vault) QueryUnconsumed(ctx context.Context, f Filter) ([]StateAndRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var states []StateAndRef
	err := v.db.View(v.lib.IterateUnconsumed(f.Contract, func(s StateAndRef) error {
		if f.match(s) {
			states = append(states, s)
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return states, nil
}

// badgerLogger routes badger's own logging into ours. Badger is chatty at
// info level so everything below warnings goes to debug.
type badgerLogger struct {
	l log.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Errorw(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Warnw(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.l.Debugw(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.l.Debugw(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

var _ Ledger = (*Vault)(nil)
