package identity_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/common/testlogger"
	"github.com/ledgeraccounts/accounts/internal/identity"
	"github.com/ledgeraccounts/accounts/internal/keymap"
)

type directory map[key.Hash]key.Party

func (d directory) PartyByKey(k key.PublicKey) (key.Party, bool) {
	p, ok := d[k.Hash()]
	return p, ok
}

func newNode(t *testing.T, name key.PartyName) *key.Node {
	t.Helper()
	n, err := key.NewNode(name, "127.0.0.1:0")
	require.NoError(t, err)
	return n
}

func newService(t *testing.T, node *key.Node, known directory) *identity.Service {
	t.Helper()
	store, err := keymap.Open(t.TempDir(), nil, testlogger.New(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	s, err := identity.New(node, store, known, testlogger.New(t))
	require.NoError(t, err)
	return s
}

func TestFreshKeySignAndCertify(t *testing.T) {
	ctx := context.Background()
	node := newNode(t, "bank")
	s := newService(t, node, directory{})
	ext := uuid.New()

	k, err := s.FreshKey(ctx, &ext)
	require.NoError(t, err)
	require.True(t, s.Holds(k))
	require.True(t, s.Holds(node.Pair.Public))

	sig, err := s.Sign(ctx, []byte("payload"), k)
	require.NoError(t, err)
	require.NoError(t, key.Verify(k, []byte("payload"), sig))

	chain, err := s.CertificateFor(k)
	require.NoError(t, err)
	require.NoError(t, chain.Verify())
	require.True(t, chain.Party.Equal(node.Party()))

	party, err := s.WellKnownParty(k)
	require.NoError(t, err)
	require.NotNil(t, party)
	require.True(t, party.Equal(node.Party()))

	got, err := s.ExternalIDFor(k)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, ext, *got)
}

func TestNotHeld(t *testing.T) {
	ctx := context.Background()
	s := newService(t, newNode(t, "bank"), directory{})
	stranger, err := key.NewKeyPair()
	require.NoError(t, err)

	require.False(t, s.Holds(stranger.Public))
	_, err = s.Sign(ctx, []byte("x"), stranger.Public)
	require.ErrorIs(t, err, identity.ErrKeyNotHeld)
	_, err = s.CertificateFor(stranger.Public)
	require.ErrorIs(t, err, identity.ErrKeyNotHeld)

	party, err := s.WellKnownParty(stranger.Public)
	require.NoError(t, err)
	require.Nil(t, party)
	ext, err := s.ExternalIDFor(stranger.Public)
	require.NoError(t, err)
	require.Nil(t, ext)
}

func TestRegisterCertificate(t *testing.T) {
	ctx := context.Background()
	issuer := newService(t, newNode(t, "issuer"), directory{})
	k, err := issuer.FreshKey(ctx, nil)
	require.NoError(t, err)
	chain, err := issuer.CertificateFor(k)
	require.NoError(t, err)

	receiver := newService(t, newNode(t, "receiver"), directory{})
	require.NoError(t, receiver.RegisterCertificate(ctx, chain))
	party, err := receiver.WellKnownParty(k)
	require.NoError(t, err)
	require.NotNil(t, party)
	require.Equal(t, key.PartyName("issuer"), party.Name)

	forged := *chain
	forged.Party.Name = "mallory"
	other, err := key.NewKeyPair()
	require.NoError(t, err)
	forged.Key = other.Public
	require.ErrorIs(t, receiver.RegisterCertificate(ctx, &forged), key.ErrInvalidCertificate)
}

func TestRegisterKeyConflicts(t *testing.T) {
	ctx := context.Background()
	alice := newNode(t, "alice")
	known := directory{alice.Pair.Public.Hash(): alice.Party()}
	s := newService(t, newNode(t, "bank"), known)
	k, err := key.NewKeyPair()
	require.NoError(t, err)
	bob := key.Party{Name: "bob", Key: newNode(t, "bob").Pair.Public}
	carol := key.Party{Name: "carol", Key: newNode(t, "carol").Pair.Public}

	require.NoError(t, s.RegisterKey(ctx, k.Public, bob, nil))
	require.NoError(t, s.RegisterKey(ctx, k.Public, bob, nil))

	var conflict *keymap.KeyRebindingConflictError
	require.ErrorAs(t, s.RegisterKey(ctx, k.Public, carol, nil), &conflict)

	// directory keys resolve to their owner and cannot be bound elsewhere
	require.ErrorAs(t, s.RegisterKey(ctx, alice.Pair.Public, bob, nil), &conflict)
	party, err := s.WellKnownParty(alice.Pair.Public)
	require.NoError(t, err)
	require.True(t, party.Equal(alice.Party()))

	party, err = s.WellKnownParty(k.Public)
	require.NoError(t, err)
	require.True(t, party.Equal(bob))
}
