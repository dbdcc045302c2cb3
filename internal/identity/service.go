// Package identity is the node's key management and identity resolution. It
// mints single-use keys, signs with them, certifies that they belong to this
// node, and resolves keys learnt from other parties back to well-known names.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/common/log"
	"github.com/ledgeraccounts/accounts/internal/keymap"
)

// ErrKeyNotHeld is returned when asked to sign or certify with a key whose
// private half is not stored here.
var ErrKeyNotHeld = errors.New("key is not held by this node")

// DefaultCacheSize is the number of resolved keys kept in memory.
const DefaultCacheSize = 1024

// Parties knows the identity keys of the well-known parties of the network.
type Parties interface {
	PartyByKey(k key.PublicKey) (key.Party, bool)
}

// Service implements key management and the identity resolver over the
// keymap tables.
type Service struct {
	node  *key.Node
	store *keymap.Store
	known Parties
	cache *lru.ARCCache
	log   log.Logger
}

// New returns the identity service of node.
func New(node *key.Node, store *keymap.Store, known Parties, l log.Logger) (*Service, error) {
	cache, err := lru.NewARC(DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		node:  node,
		store: store,
		known: known,
		cache: cache,
		log:   l.Named("identity"),
	}, nil
}

// Self is the well-known party of this node.
func (s *Service) Self() key.Party {
	return s.node.Party()
}

// FreshKey mints a key pair, binds it to this node and tags it with external
// when given.
func (s *Service) FreshKey(ctx context.Context, external *uuid.UUID) (k key.PublicKey, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	err = s.store.Update(func(tx *keymap.Tx) error {
		k, err = s.FreshKeyTx(tx, external)
		return err
	})
	return k, err
}

// FreshKeyTx is FreshKey joining the caller's transaction.
func (s *Service) FreshKeyTx(tx *keymap.Tx, external *uuid.UUID) (key.PublicKey, error) {
	pair, err := key.NewKeyPair()
	if err != nil {
		return nil, err
	}
	secret, err := pair.Secret()
	if err != nil {
		return nil, err
	}
	if err := tx.PutSecret(pair.Public, secret); err != nil {
		return nil, err
	}
	if err := tx.BindParty(pair.Public, s.Self()); err != nil {
		return nil, err
	}
	if external != nil {
		if err := tx.TagExternal(pair.Public, *external); err != nil {
			return nil, err
		}
	}
	s.log.Debugw("minted key", "key", pair.Public.Hash(), "external", external)
	return pair.Public, nil
}

func (s *Service) pair(k key.PublicKey) (*key.Pair, error) {
	if k.Equal(s.node.Pair.Public) {
		return s.node.Pair, nil
	}
	var secret []byte
	err := s.store.View(func(tx *keymap.Tx) error {
		var err error
		secret, err = tx.Secret(k)
		return err
	})
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotHeld, k.Hash())
	}
	return key.PairFromSecret(secret)
}

// Sign signs data with the private half of k.
func (s *Service) Sign(ctx context.Context, data []byte, k key.PublicKey) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.pair(k)
	if err != nil {
		return nil, err
	}
	return p.Sign(data)
}

// Holds reports whether the private half of k is stored here.
func (s *Service) Holds(k key.PublicKey) bool {
	_, err := s.pair(k)
	if err != nil && !errors.Is(err, ErrKeyNotHeld) {
		s.log.Errorw("could not look up key", "key", k.Hash(), "err", err)
	}
	return err == nil
}

// CertificateFor proves with the node identity key that k belongs to this
// node.
func (s *Service) CertificateFor(k key.PublicKey) (*key.CertificateChain, error) {
	if !s.Holds(k) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotHeld, k.Hash())
	}
	return key.Certify(s.node.Pair, s.node.Public.Name, k)
}

// RegisterKey records that k belongs to party.
func (s *Service) RegisterKey(ctx context.Context, k key.PublicKey, party key.Party, external *uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.store.Update(func(tx *keymap.Tx) error {
		return s.RegisterKeyTx(tx, k, party, external)
	})
}

// CheckKeyTx reports the conflict RegisterKeyTx would hit when binding k to
// party, without writing anything. A key that is itself the identity key of a
// well-known party cannot be bound to another party.
func (s *Service) CheckKeyTx(tx *keymap.Tx, k key.PublicKey, party key.Party) error {
	if p, ok := s.known.PartyByKey(k); ok && !p.Equal(party) {
		return &keymap.KeyRebindingConflictError{Key: k.Hash(), Existing: "party " + p.String(), Attempted: "party " + party.String()}
	}
	bound, err := tx.PartyFor(k)
	if err != nil {
		return err
	}
	if bound != nil && !bound.Equal(party) {
		return &keymap.KeyRebindingConflictError{Key: k.Hash(), Existing: "party " + bound.String(), Attempted: "party " + party.String()}
	}
	return nil
}

// RegisterKeyTx is RegisterKey joining the caller's transaction.
func (s *Service) RegisterKeyTx(tx *keymap.Tx, k key.PublicKey, party key.Party, external *uuid.UUID) error {
	if err := s.CheckKeyTx(tx, k, party); err != nil {
		return err
	}
	if err := tx.BindParty(k, party); err != nil {
		return err
	}
	if external != nil {
		return tx.TagExternal(k, *external)
	}
	return nil
}

// RegisterCertificate verifies chain and registers the key it certifies.
func (s *Service) RegisterCertificate(ctx context.Context, chain *key.CertificateChain) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.store.Update(func(tx *keymap.Tx) error {
		return s.RegisterCertificateTx(tx, chain)
	})
}

// RegisterCertificateTx is RegisterCertificate joining the caller's
// transaction.
func (s *Service) RegisterCertificateTx(tx *keymap.Tx, chain *key.CertificateChain) error {
	if err := chain.Verify(); err != nil {
		return err
	}
	return s.RegisterKeyTx(tx, chain.Key, chain.Party, nil)
}

// WellKnownParty resolves k to the party it belongs to. It returns nil when
// the key is unknown here.
func (s *Service) WellKnownParty(k key.PublicKey) (*key.Party, error) {
	if p, ok := s.known.PartyByKey(k); ok {
		return &p, nil
	}
	h := k.Hash()
	if v, ok := s.cache.Get(h); ok {
		p := v.(key.Party)
		return &p, nil
	}
	var party *key.Party
	err := s.store.View(func(tx *keymap.Tx) error {
		var err error
		party, err = tx.PartyFor(k)
		return err
	})
	if err != nil {
		return nil, err
	}
	// bindings are never overwritten, so positive answers stay valid
	if party != nil {
		s.cache.Add(h, *party)
	}
	return party, nil
}

// ExternalIDFor returns the external tag of k, nil if it has none.
func (s *Service) ExternalIDFor(k key.PublicKey) (*uuid.UUID, error) {
	var (
		id    uuid.UUID
		found bool
	)
	err := s.store.View(func(tx *keymap.Tx) error {
		var err error
		id, found, err = tx.ExternalFor(k)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &id, nil
}
