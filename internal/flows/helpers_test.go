package flows_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/common/testlogger"
	"github.com/ledgeraccounts/accounts/internal/accounts"
	"github.com/ledgeraccounts/accounts/internal/flows"
	"github.com/ledgeraccounts/accounts/internal/identity"
	"github.com/ledgeraccounts/accounts/internal/keymap"
	"github.com/ledgeraccounts/accounts/internal/ledger"
	"github.com/ledgeraccounts/accounts/internal/net"
)

type party struct {
	node      *key.Node
	dir       *net.Directory
	store     *keymap.Store
	ids       *identity.Service
	vault     *ledger.Vault
	registry  *accounts.Registry
	transport *net.MemoryTransport
	flows     *flows.Flows
}

type network struct {
	t       *testing.T
	bus     *net.MemoryNetwork
	parties map[key.PartyName]*party
}

func newNetwork(t *testing.T, names ...key.PartyName) *network {
	t.Helper()
	n := &network{
		t:       t,
		bus:     net.NewMemoryNetwork(clockwork.NewRealClock(), 10*time.Second, testlogger.New(t)),
		parties: make(map[key.PartyName]*party),
	}
	nodes := make([]*key.Node, 0, len(names))
	for _, name := range names {
		node, err := key.NewNode(name, "")
		require.NoError(t, err)
		nodes = append(nodes, node)
	}
	for _, node := range nodes {
		n.parties[node.Public.Name] = n.newParty(node, nodes)
	}
	return n
}

func (n *network) newParty(node *key.Node, all []*key.Node) *party {
	t := n.t
	l := testlogger.New(t).With("party", node.Public.Name)
	dir := net.NewDirectory(node.Public)
	for _, other := range all {
		dir.Add(other.Party(), "")
	}
	store, err := keymap.Open(t.TempDir(), nil, l)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ids, err := identity.New(node, store, dir, l)
	require.NoError(t, err)
	vault, err := ledger.Open("", ids, l)
	require.NoError(t, err)
	t.Cleanup(func() { vault.Close() })
	registry := accounts.NewRegistry(vault, node.Party(), store, ids, l)
	transport := n.bus.Join(node.Party())
	t.Cleanup(transport.Wait)

	f := flows.New(flows.Config{
		Ledger:     vault,
		Transport:  transport,
		Identities: ids,
		Store:      store,
		Registry:   registry,
		Parties:    dir,
		Log:        l,
	})
	f.Register()
	return &party{
		node: node, dir: dir, store: store, ids: ids, vault: vault,
		registry: registry, transport: transport, flows: f,
	}
}

func (n *network) get(name key.PartyName) *party {
	p, ok := n.parties[name]
	require.True(n.t, ok, "unknown party %s", name)
	return p
}

// issue records a state whose participants are the given keys, signed by p.
func (p *party) issue(t *testing.T, participants ...key.PublicKey) ledger.StateRef {
	t.Helper()
	nonce := uuid.New()
	stx, err := p.vault.Submit(context.Background(), ledger.Transaction{
		Outputs: []ledger.State{{Contract: "test.Asset", Participants: participants, Data: []byte("asset")}},
		Signers: []key.PublicKey{p.node.Pair.Public},
		Nonce:   nonce[:],
	})
	require.NoError(t, err)
	return stx.OutRef(0)
}

func (p *party) accountFor(t *testing.T, k key.PublicKey) *accounts.AccountInfo {
	t.Helper()
	info, err := p.registry.ByKey(context.Background(), k)
	require.NoError(t, err)
	return info
}

func (p *party) keyCount(t *testing.T, account accounts.AccountInfo) int {
	t.Helper()
	hashes, err := p.store.KeysFor(account.ID)
	require.NoError(t, err)
	return len(hashes)
}
