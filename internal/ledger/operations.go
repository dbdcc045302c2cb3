package ledger

import (
	"errors"
	"fmt"

	"github.com/OneOfOne/xxhash"
	"github.com/dgraph-io/badger/v2"

	"github.com/ledgeraccounts/accounts/internal/codec"
)

// Library holds the vault operations. Every operation is a closure over a
// badger transaction so that callers can Combine several of them into one
// atomic write.
type Library struct {
	codec *codec.Codec
}

// NewLibrary returns a library encoding values with c.
func NewLibrary(c *codec.Codec) *Library {
	return &Library{codec: c}
}

// Combine goes through the provided operations until one of them fails.
func Combine(ops ...func(*badger.Txn) error) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		for _, op := range ops {
			if err := op(tx); err != nil {
				return err
			}
		}
		return nil
	}
}

func contractHash(contract string) uint64 {
	return xxhash.ChecksumString64(contract)
}

// SaveTransaction writes a finalized transaction under its id.
func (l *Library) SaveTransaction(stx *SignedTransaction) func(*badger.Txn) error {
	return l.save(EncodeKey(PrefixTransaction, stx.ID()), stx)
}

// RetrieveTransaction reads the transaction with the given id.
func (l *Library) RetrieveTransaction(id TxID, stx *SignedTransaction) func(*badger.Txn) error {
	return l.retrieve(EncodeKey(PrefixTransaction, id), stx)
}

// IndexState makes an output queryable.
func (l *Library) IndexState(s StateAndRef) func(*badger.Txn) error {
	return l.save(EncodeKey(PrefixState, contractHash(s.State.Contract), s.Ref), s.State)
}

// MarkConsumed records that ref was spent by the transaction with id by.
func (l *Library) MarkConsumed(ref StateRef, by TxID) func(*badger.Txn) error {
	return l.save(EncodeKey(PrefixConsumed, ref), by)
}

// LookupConsumer reads the id of the transaction that consumed ref.
func (l *Library) LookupConsumer(ref StateRef, by *TxID) func(*badger.Txn) error {
	return l.retrieve(EncodeKey(PrefixConsumed, ref), by)
}

// RequireSpendableBy fails when ref was already consumed by a transaction
// other than id. Recording the same spend again passes.
func (l *Library) RequireSpendableBy(ref StateRef, id TxID) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		var by TxID
		err := l.LookupConsumer(ref, &by)(tx)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			return nil
		case err != nil:
			return err
		case by != id:
			return fmt.Errorf("%w: %s was spent by %s", ErrInputConsumed, ref, by)
		}
		return nil
	}
}

// RequireUnconsumed fails unless ref is the output of a recorded transaction
// that nothing consumed yet.
func (l *Library) RequireUnconsumed(ref StateRef) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		var stx SignedTransaction
		err := l.RetrieveTransaction(ref.TxID, &stx)(tx)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownInput, ref)
		}
		if err != nil {
			return err
		}
		if int(ref.Index) >= len(stx.Tx.Outputs) {
			return fmt.Errorf("%w: %s", ErrUnknownInput, ref)
		}
		_, err = tx.Get(EncodeKey(PrefixConsumed, ref))
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", ErrInputConsumed, ref)
		case errors.Is(err, badger.ErrKeyNotFound):
			return nil
		default:
			return fmt.Errorf("could not check consumed marker (ref: %s): %w", ref, err)
		}
	}
}

// IterateUnconsumed calls fn for every indexed state not consumed yet. An
// empty contract iterates all contracts.
func (l *Library) IterateUnconsumed(contract string, fn func(StateAndRef) error) func(*badger.Txn) error {
	prefix := EncodeKey(PrefixState)
	if contract != "" {
		prefix = EncodeKey(PrefixState, contractHash(contract))
	}
	return func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := tx.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			ref, err := decodeStateRef(item.Key())
			if err != nil {
				return err
			}
			_, err = tx.Get(EncodeKey(PrefixConsumed, ref))
			if err == nil {
				continue
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("could not check consumed marker (ref: %s): %w", ref, err)
			}

			var state State
			err = item.Value(func(val []byte) error {
				return l.codec.Unmarshal(val, &state)
			})
			if err != nil {
				return fmt.Errorf("could not decode state (ref: %s): %w", ref, err)
			}
			if err := fn(StateAndRef{State: state, Ref: ref}); err != nil {
				return err
			}
		}
		return nil
	}
}

func (l *Library) retrieve(key []byte, v interface{}) func(tx *badger.Txn) error {
	return func(tx *badger.Txn) error {
		item, err := tx.Get(key)
		if err != nil {
			return fmt.Errorf("could not get value (key: %x): %w", key, err)
		}

		err = item.Value(func(val []byte) error {
			return l.codec.Unmarshal(val, v)
		})
		if err != nil {
			return fmt.Errorf("could not decode value (key: %x): %w", key, err)
		}

		return nil
	}
}

func (l *Library) save(key []byte, value interface{}) func(*badger.Txn) error {
	// NOTE: the value is encoded right away so that loop variables are
	// captured by their current content.
	val, err := l.codec.Marshal(value)
	return func(tx *badger.Txn) error {
		if err != nil {
			return fmt.Errorf("could not encode value (key: %x): %w", key, err)
		}

		if err := tx.Set(key, val); err != nil {
			return fmt.Errorf("could not set value (key: %x): %w", key, err)
		}

		return nil
	}
}
