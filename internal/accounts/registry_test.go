package accounts_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/common/testlogger"
	"github.com/ledgeraccounts/accounts/internal/accounts"
	"github.com/ledgeraccounts/accounts/internal/identity"
	"github.com/ledgeraccounts/accounts/internal/keymap"
	"github.com/ledgeraccounts/accounts/internal/ledger"
	"github.com/ledgeraccounts/accounts/internal/net"
)

type host struct {
	node     *key.Node
	store    *keymap.Store
	ids      *identity.Service
	vault    *ledger.Vault
	registry *accounts.Registry
}

func newHost(t *testing.T, name key.PartyName) *host {
	t.Helper()
	l := testlogger.New(t)
	node, err := key.NewNode(name, "")
	require.NoError(t, err)
	store, err := keymap.Open(t.TempDir(), nil, l)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ids, err := identity.New(node, store, net.NewDirectory(node.Public), l)
	require.NoError(t, err)
	vault, err := ledger.Open("", ids, l)
	require.NoError(t, err)
	t.Cleanup(func() { vault.Close() })
	return &host{
		node:     node,
		store:    store,
		ids:      ids,
		vault:    vault,
		registry: accounts.NewRegistry(vault, node.Party(), store, ids, l),
	}
}

func TestCreateAndQuery(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, "bank")

	roger, err := h.registry.Create(ctx, "roger", accounts.WithExternalID("ext-1"))
	require.NoError(t, err)
	require.Equal(t, "roger", roger.Name)
	require.True(t, roger.Host.Equal(h.node.Party()))
	require.NotEqual(t, uuid.Nil, roger.ID)

	id := uuid.New()
	alice, err := h.registry.Create(ctx, "alice", accounts.WithID(id))
	require.NoError(t, err)
	require.Equal(t, id, alice.ID)

	ours, err := h.registry.Ours(ctx)
	require.NoError(t, err)
	require.Len(t, ours, 2)

	got, err := h.registry.ByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, *alice, *got)

	missing, err := h.registry.ByID(ctx, uuid.New())
	require.NoError(t, err)
	require.Nil(t, missing)

	byName, err := h.registry.ByName(ctx, "roger")
	require.NoError(t, err)
	require.Equal(t, []accounts.AccountInfo{*roger}, byName)

	byExt, err := h.registry.ByExternalID(ctx, "ext-1")
	require.NoError(t, err)
	require.Equal(t, []accounts.AccountInfo{*roger}, byExt)

	forHost, err := h.registry.ForHost(ctx, "bank")
	require.NoError(t, err)
	require.Len(t, forHost, 2)
	forHost, err = h.registry.ForHost(ctx, "other")
	require.NoError(t, err)
	require.Empty(t, forHost)

	stx, rec, err := h.registry.Proof(ctx, roger.ID)
	require.NoError(t, err)
	require.NoError(t, stx.Verify())
	require.Equal(t, stx.ID(), rec.Ref.TxID)
}

func TestCreateUniqueness(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, "bank")

	first, err := h.registry.Create(ctx, "roger")
	require.NoError(t, err)

	_, err = h.registry.Create(ctx, "roger")
	var dupName *accounts.DuplicateNameError
	require.ErrorAs(t, err, &dupName)
	require.Equal(t, "roger", dupName.Name)
	require.Equal(t, key.PartyName("bank"), dupName.Host)

	_, err = h.registry.Create(ctx, "other", accounts.WithID(first.ID))
	var dupID *accounts.DuplicateIDError
	require.ErrorAs(t, err, &dupID)
	require.Equal(t, first.ID, dupID.ID)

	_, err = h.registry.Create(ctx, "")
	require.Error(t, err)
}

func TestConcurrentCreateWithSameName(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, "bank")

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := h.registry.Create(ctx, "roger")
			errs <- err
		}()
	}
	created := 0
	for i := 0; i < n; i++ {
		if err := <-errs; err == nil {
			created++
		} else {
			var dup *accounts.DuplicateNameError
			require.ErrorAs(t, err, &dup)
		}
	}
	require.Equal(t, 1, created)
}

func TestSameNameOnTwoHosts(t *testing.T) {
	ctx := context.Background()
	b, c := newHost(t, "b"), newHost(t, "c")
	fromB, err := b.registry.Create(ctx, "roger")
	require.NoError(t, err)
	fromC, err := c.registry.Create(ctx, "roger")
	require.NoError(t, err)

	// c learns about b's roger: both are returned by name
	stx, _, err := b.registry.Proof(ctx, fromB.ID)
	require.NoError(t, err)
	require.NoError(t, c.vault.Record(ctx, ledger.AllVisible, stx))

	byName, err := c.registry.ByName(ctx, "roger")
	require.NoError(t, err)
	require.ElementsMatch(t, []accounts.AccountInfo{*fromB, *fromC}, byName)

	ours, err := c.registry.Ours(ctx)
	require.NoError(t, err)
	require.Len(t, ours, 1)
	require.Equal(t, fromC.ID, ours[0].Info.ID)
}

func TestByKey(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, "bank")
	roger, err := h.registry.Create(ctx, "roger")
	require.NoError(t, err)

	// minted locally with the account id as tag
	tagged, err := h.ids.FreshKey(ctx, &roger.ID)
	require.NoError(t, err)
	got, err := h.registry.ByKey(ctx, tagged)
	require.NoError(t, err)
	require.Equal(t, roger.ID, got.ID)

	// bound explicitly
	other, err := key.NewKeyPair()
	require.NoError(t, err)
	require.NoError(t, h.store.BindAccount(other.Public, roger.ID))
	got, err = h.registry.ByKey(ctx, other.Public)
	require.NoError(t, err)
	require.Equal(t, roger.ID, got.ID)

	unknown, err := key.NewKeyPair()
	require.NoError(t, err)
	got, err = h.registry.ByKey(ctx, unknown.Public)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestProofErrors(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, "bank")
	_, _, err := h.registry.Proof(ctx, uuid.New())
	var notFound *accounts.AccountNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestFromTransaction(t *testing.T) {
	info := accounts.AccountInfo{Name: "roger", ID: uuid.New()}
	state, err := info.State()
	require.NoError(t, err)
	stx := &ledger.SignedTransaction{Tx: ledger.Transaction{
		Outputs: []ledger.State{{Contract: "other"}, state},
	}}

	got, ref, err := accounts.FromTransaction(stx)
	require.NoError(t, err)
	require.Equal(t, info, got)
	require.Equal(t, uint32(1), ref.Index)

	stx.Tx.Outputs = append(stx.Tx.Outputs, state)
	_, _, err = accounts.FromTransaction(stx)
	require.Error(t, err)

	_, err = accounts.FromState(ledger.State{Contract: "other"})
	require.Error(t, err)
}
