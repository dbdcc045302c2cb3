// Package keymap holds the node's private identity tables: which account owns
// a key, which states an account was granted, which party a key belongs to,
// external tags and the secrets of keys minted locally. None of it is ever
// sent to other parties as such.
package keymap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/common/log"
	"github.com/ledgeraccounts/accounts/internal/codec"
	"github.com/ledgeraccounts/accounts/internal/ledger"
)

const FileName = "keymap.db"
const OpenPerm = 0600
const DirPerm = 0740

var (
	accountsBucket = []byte("accounts") // key hash -> account id
	allowedBucket  = []byte("allowed")  // account id, txid, index -> nothing
	partiesBucket  = []byte("parties")  // key hash -> party
	externalBucket = []byte("external") // key hash -> external id
	secretsBucket  = []byte("secrets")  // key hash -> private scalar

	buckets = [][]byte{accountsBucket, allowedBucket, partiesBucket, externalBucket, secretsBucket}
)

// KeyRebindingConflictError is returned when a key is bound again to
// something other than what it is already bound to.
type KeyRebindingConflictError struct {
	Key       key.Hash
	Existing  string
	Attempted string
}

func (e *KeyRebindingConflictError) Error() string {
	return fmt.Sprintf("key %s is already bound to %s, refusing to rebind it to %s", e.Key, e.Existing, e.Attempted)
}

// Store is a bolt database of the identity tables. Writes of one protocol step
// go through a single Update so that readers never see a partial step.
type Store struct {
	db    *bolt.DB
	codec *codec.Codec
	log   log.Logger
}

// Open opens or creates the tables inside folder.
func Open(folder string, options *bolt.Options, l log.Logger) (*Store, error) {
	if err := os.MkdirAll(folder, DirPerm); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path.Join(folder, FileName), OpenPerm, options)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, codec: codec.New(), log: l.Named("keymap")}, nil
}

// Update runs fn in a read-write transaction. Nothing fn wrote is kept if it
// returns an error.
func (s *Store) Update(fn func(*Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&Tx{tx: tx, codec: s.codec})
	})
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(*Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&Tx{tx: tx, codec: s.codec})
	})
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		s.log.Errorw("", "boltdb", "close", "err", err)
		return err
	}
	return nil
}

// BindAccount records that k belongs to account.
func (s *Store) BindAccount(k key.PublicKey, account uuid.UUID) error {
	return s.Update(func(tx *Tx) error {
		return tx.BindAccount(k, account)
	})
}

// Allow grants account the visibility of ref.
func (s *Store) Allow(account uuid.UUID, ref ledger.StateRef) error {
	return s.Update(func(tx *Tx) error {
		return tx.Allow(account, ref)
	})
}

// AccountFor returns the account k is bound to.
func (s *Store) AccountFor(k key.PublicKey) (id uuid.UUID, found bool, err error) {
	err = s.View(func(tx *Tx) error {
		id, found, err = tx.AccountFor(k)
		return err
	})
	return
}

// KeysFor returns the hashes of every key bound to account.
func (s *Store) KeysFor(account uuid.UUID) (hashes []key.Hash, err error) {
	err = s.View(func(tx *Tx) error {
		hashes, err = tx.KeysFor(account)
		return err
	})
	return
}

// Allowed returns every state granted to account.
func (s *Store) Allowed(account uuid.UUID) (refs []ledger.StateRef, err error) {
	err = s.View(func(tx *Tx) error {
		refs, err = tx.Allowed(account)
		return err
	})
	return
}

// IsAllowed reports whether ref was granted to account.
func (s *Store) IsAllowed(account uuid.UUID, ref ledger.StateRef) (allowed bool, err error) {
	err = s.View(func(tx *Tx) error {
		allowed, err = tx.IsAllowed(account, ref)
		return err
	})
	return
}

// Tx is a transaction over the tables.
type Tx struct {
	tx    *bolt.Tx
	codec *codec.Codec
}

func (t *Tx) bucket(name []byte) (*bolt.Bucket, error) {
	b := t.tx.Bucket(name)
	if b == nil {
		return nil, errors.Errorf("%s bucket was nil - this should never happen", name)
	}
	return b, nil
}

// BindAccount inserts the binding, or verifies that the existing one matches.
func (t *Tx) BindAccount(k key.PublicKey, account uuid.UUID) error {
	b, err := t.bucket(accountsBucket)
	if err != nil {
		return err
	}
	h := k.Hash()
	if existing := b.Get(h[:]); existing != nil {
		id, err := uuid.FromBytes(existing)
		if err != nil {
			return errors.Wrapf(err, "corrupted account binding for key %s", h)
		}
		if id != account {
			return &KeyRebindingConflictError{Key: h, Existing: "account " + id.String(), Attempted: "account " + account.String()}
		}
		return nil
	}
	return b.Put(h[:], account[:])
}

// AccountFor returns the account k is bound to.
func (t *Tx) AccountFor(k key.PublicKey) (uuid.UUID, bool, error) {
	b, err := t.bucket(accountsBucket)
	if err != nil {
		return uuid.Nil, false, err
	}
	h := k.Hash()
	v := b.Get(h[:])
	if v == nil {
		return uuid.Nil, false, nil
	}
	id, err := uuid.FromBytes(v)
	if err != nil {
		return uuid.Nil, false, errors.Wrapf(err, "corrupted account binding for key %s", h)
	}
	return id, true, nil
}

// KeysFor scans the bindings for the keys of account.
func (t *Tx) KeysFor(account uuid.UUID) ([]key.Hash, error) {
	b, err := t.bucket(accountsBucket)
	if err != nil {
		return nil, err
	}
	var hashes []key.Hash
	err = b.ForEach(func(k, v []byte) error {
		if !bytes.Equal(v, account[:]) {
			return nil
		}
		h, err := key.HashFromBytes(k)
		if err != nil {
			return err
		}
		hashes = append(hashes, h)
		return nil
	})
	return hashes, err
}

func allowedKey(account uuid.UUID, ref ledger.StateRef) []byte {
	k := make([]byte, 0, len(account)+len(ref.TxID)+4)
	k = append(k, account[:]...)
	k = append(k, ref.TxID[:]...)
	return binary.BigEndian.AppendUint32(k, ref.Index)
}

// Allow grants account the visibility of ref. Granting twice is a no-op.
func (t *Tx) Allow(account uuid.UUID, ref ledger.StateRef) error {
	b, err := t.bucket(allowedBucket)
	if err != nil {
		return err
	}
	return b.Put(allowedKey(account, ref), []byte{})
}

// Allowed returns the states granted to account.
func (t *Tx) Allowed(account uuid.UUID) ([]ledger.StateRef, error) {
	b, err := t.bucket(allowedBucket)
	if err != nil {
		return nil, err
	}
	var refs []ledger.StateRef
	prefix := account[:]
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		var ref ledger.StateRef
		rest := k[len(prefix):]
		if len(rest) != len(ref.TxID)+4 {
			return nil, errors.Errorf("corrupted grant %x", k)
		}
		copy(ref.TxID[:], rest)
		ref.Index = binary.BigEndian.Uint32(rest[len(ref.TxID):])
		refs = append(refs, ref)
	}
	return refs, nil
}

// IsAllowed reports whether ref was granted to account.
func (t *Tx) IsAllowed(account uuid.UUID, ref ledger.StateRef) (bool, error) {
	b, err := t.bucket(allowedBucket)
	if err != nil {
		return false, err
	}
	return b.Get(allowedKey(account, ref)) != nil, nil
}

// BindParty inserts the key to party binding, or verifies that the existing
// one matches.
func (t *Tx) BindParty(k key.PublicKey, party key.Party) error {
	existing, err := t.PartyFor(k)
	if err != nil {
		return err
	}
	h := k.Hash()
	if existing != nil {
		if !existing.Equal(party) {
			return &KeyRebindingConflictError{Key: h, Existing: "party " + existing.String(), Attempted: "party " + party.String()}
		}
		return nil
	}
	b, err := t.bucket(partiesBucket)
	if err != nil {
		return err
	}
	v, err := t.codec.Encode(party)
	if err != nil {
		return err
	}
	return b.Put(h[:], v)
}

// PartyFor returns the party k is bound to, nil if none.
func (t *Tx) PartyFor(k key.PublicKey) (*key.Party, error) {
	b, err := t.bucket(partiesBucket)
	if err != nil {
		return nil, err
	}
	h := k.Hash()
	v := b.Get(h[:])
	if v == nil {
		return nil, nil
	}
	var p key.Party
	if err := t.codec.Decode(v, &p); err != nil {
		return nil, errors.Wrapf(err, "corrupted party binding for key %s", h)
	}
	return &p, nil
}

// TagExternal attaches an external id to k. A key carries one tag for life.
func (t *Tx) TagExternal(k key.PublicKey, external uuid.UUID) error {
	b, err := t.bucket(externalBucket)
	if err != nil {
		return err
	}
	h := k.Hash()
	if existing := b.Get(h[:]); existing != nil {
		if !bytes.Equal(existing, external[:]) {
			id, _ := uuid.FromBytes(existing)
			return &KeyRebindingConflictError{Key: h, Existing: "external id " + id.String(), Attempted: "external id " + external.String()}
		}
		return nil
	}
	return b.Put(h[:], external[:])
}

// ExternalFor returns the external tag of k.
func (t *Tx) ExternalFor(k key.PublicKey) (uuid.UUID, bool, error) {
	b, err := t.bucket(externalBucket)
	if err != nil {
		return uuid.Nil, false, err
	}
	h := k.Hash()
	v := b.Get(h[:])
	if v == nil {
		return uuid.Nil, false, nil
	}
	id, err := uuid.FromBytes(v)
	if err != nil {
		return uuid.Nil, false, errors.Wrapf(err, "corrupted external tag for key %s", h)
	}
	return id, true, nil
}

// PutSecret stores the private half of a locally minted key.
func (t *Tx) PutSecret(k key.PublicKey, secret []byte) error {
	b, err := t.bucket(secretsBucket)
	if err != nil {
		return err
	}
	h := k.Hash()
	if b.Get(h[:]) != nil {
		return errors.Errorf("a secret is already stored for key %s", h)
	}
	return b.Put(h[:], secret)
}

// Secret returns the private half of k, nil if it was not minted here.
func (t *Tx) Secret(k key.PublicKey) ([]byte, error) {
	b, err := t.bucket(secretsBucket)
	if err != nil {
		return nil, err
	}
	h := k.Hash()
	v := b.Get(h[:])
	if v == nil {
		return nil, nil
	}
	// bolt values are only valid for the life of the transaction
	return append([]byte(nil), v...), nil
}
