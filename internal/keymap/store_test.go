package keymap_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/common/testlogger"
	"github.com/ledgeraccounts/accounts/internal/keymap"
	"github.com/ledgeraccounts/accounts/internal/ledger"
)

func newStore(t *testing.T) *keymap.Store {
	t.Helper()
	s, err := keymap.Open(t.TempDir(), nil, testlogger.New(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func newKey(t *testing.T) key.PublicKey {
	t.Helper()
	p, err := key.NewKeyPair()
	require.NoError(t, err)
	return p.Public
}

func TestBindAccount(t *testing.T) {
	s := newStore(t)
	k := newKey(t)
	a1, a2 := uuid.New(), uuid.New()

	_, found, err := s.AccountFor(k)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.BindAccount(k, a1))
	// same binding twice is fine
	require.NoError(t, s.BindAccount(k, a1))

	err = s.BindAccount(k, a2)
	var conflict *keymap.KeyRebindingConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, k.Hash(), conflict.Key)
	require.Contains(t, err.Error(), a1.String())
	require.Contains(t, err.Error(), a2.String())

	id, found, err := s.AccountFor(k)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, a1, id)
}

func TestKeysFor(t *testing.T) {
	s := newStore(t)
	account, other := uuid.New(), uuid.New()
	k1, k2, k3 := newKey(t), newKey(t), newKey(t)
	require.NoError(t, s.BindAccount(k1, account))
	require.NoError(t, s.BindAccount(k2, account))
	require.NoError(t, s.BindAccount(k3, other))

	hashes, err := s.KeysFor(account)
	require.NoError(t, err)
	require.ElementsMatch(t, []key.Hash{k1.Hash(), k2.Hash()}, hashes)

	hashes, err = s.KeysFor(uuid.New())
	require.NoError(t, err)
	require.Empty(t, hashes)
}

func TestAllowed(t *testing.T) {
	s := newStore(t)
	account, other := uuid.New(), uuid.New()
	r1 := ledger.StateRef{TxID: ledger.TxID{1}, Index: 0}
	r2 := ledger.StateRef{TxID: ledger.TxID{1}, Index: 1}

	require.NoError(t, s.Allow(account, r1))
	require.NoError(t, s.Allow(account, r1))
	require.NoError(t, s.Allow(account, r2))
	require.NoError(t, s.Allow(other, r1))

	refs, err := s.Allowed(account)
	require.NoError(t, err)
	require.ElementsMatch(t, []ledger.StateRef{r1, r2}, refs)

	ok, err := s.IsAllowed(other, r2)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = s.IsAllowed(other, r1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBindParty(t *testing.T) {
	s := newStore(t)
	k := newKey(t)
	bob := key.Party{Name: "bob", Key: newKey(t)}
	eve := key.Party{Name: "eve", Key: newKey(t)}

	require.NoError(t, s.Update(func(tx *keymap.Tx) error { return tx.BindParty(k, bob) }))
	require.NoError(t, s.Update(func(tx *keymap.Tx) error { return tx.BindParty(k, bob) }))

	err := s.Update(func(tx *keymap.Tx) error { return tx.BindParty(k, eve) })
	var conflict *keymap.KeyRebindingConflictError
	require.ErrorAs(t, err, &conflict)

	var got *key.Party
	require.NoError(t, s.View(func(tx *keymap.Tx) error {
		var err error
		got, err = tx.PartyFor(k)
		return err
	}))
	require.NotNil(t, got)
	require.True(t, got.Equal(bob))
}

func TestUpdateIsAtomic(t *testing.T) {
	s := newStore(t)
	k, bound := newKey(t), newKey(t)
	account := uuid.New()
	require.NoError(t, s.BindAccount(bound, uuid.New()))

	err := s.Update(func(tx *keymap.Tx) error {
		if err := tx.BindAccount(k, account); err != nil {
			return err
		}
		if err := tx.Allow(account, ledger.StateRef{Index: 3}); err != nil {
			return err
		}
		return tx.BindAccount(bound, account)
	})
	require.Error(t, err)

	_, found, err := s.AccountFor(k)
	require.NoError(t, err)
	require.False(t, found)
	refs, err := s.Allowed(account)
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestExternalAndSecrets(t *testing.T) {
	s := newStore(t)
	k := newKey(t)
	ext := uuid.New()

	require.NoError(t, s.Update(func(tx *keymap.Tx) error {
		if err := tx.TagExternal(k, ext); err != nil {
			return err
		}
		return tx.PutSecret(k, []byte("secret"))
	}))

	require.NoError(t, s.View(func(tx *keymap.Tx) error {
		got, found, err := tx.ExternalFor(k)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, ext, got)

		secret, err := tx.Secret(k)
		require.NoError(t, err)
		require.Equal(t, []byte("secret"), secret)

		missing, err := tx.Secret(newKey(t))
		require.NoError(t, err)
		require.Nil(t, missing)
		return nil
	}))

	err := s.Update(func(tx *keymap.Tx) error { return tx.TagExternal(k, uuid.New()) })
	var conflict *keymap.KeyRebindingConflictError
	require.ErrorAs(t, err, &conflict)
	require.Error(t, s.Update(func(tx *keymap.Tx) error { return tx.PutSecret(k, []byte("other")) }))
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	k, account := newKey(t), uuid.New()

	s, err := keymap.Open(dir, nil, testlogger.New(t))
	require.NoError(t, err)
	require.NoError(t, s.BindAccount(k, account))
	require.NoError(t, s.Close())

	s, err = keymap.Open(dir, nil, testlogger.New(t))
	require.NoError(t, err)
	defer s.Close()
	id, found, err := s.AccountFor(k)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, account, id)
}
