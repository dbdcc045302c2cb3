package core

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/common/testlogger"
	"github.com/ledgeraccounts/accounts/internal/net"
)

// TestNetwork runs nodes in the same process, connected by a memory network.
type TestNetwork struct {
	Network *net.MemoryNetwork
	nodes   map[key.PartyName]*Node
	order   []key.PartyName
}

// NewTestNetwork starts one node per name. Every node knows all the others.
// The nodes are closed when the test ends.
func NewTestNetwork(t testing.TB, names ...key.PartyName) *TestNetwork {
	t.Helper()
	l := testlogger.New(t)
	tn := &TestNetwork{
		Network: net.NewMemoryNetwork(clockwork.NewRealClock(), 10*time.Second, l),
		nodes:   make(map[key.PartyName]*Node),
	}

	ids := make([]*key.Node, 0, len(names))
	for _, name := range names {
		id, err := key.NewNode(name, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	var peers []net.Peer
	for _, id := range ids {
		peers = append(peers, net.Peer{Party: id.Party()})
	}
	for _, id := range ids {
		n, err := NewNode(id, NewConfig(
			WithConfigFolder(t.TempDir()),
			WithInMemoryLedger(),
			WithMemoryNetwork(tn.Network),
			WithPeers(peers...),
			WithLogger(l),
		))
		require.NoError(t, err)
		require.NoError(t, n.Start())
		t.Cleanup(func() { require.NoError(t, n.Close()) })
		tn.nodes[id.Public.Name] = n
		tn.order = append(tn.order, id.Public.Name)
	}
	return tn
}

// Node returns the node called name.
func (tn *TestNetwork) Node(name key.PartyName) *Node {
	return tn.nodes[name]
}

// Nodes returns the nodes in creation order.
func (tn *TestNetwork) Nodes() []*Node {
	out := make([]*Node, 0, len(tn.order))
	for _, name := range tn.order {
		out = append(out, tn.nodes[name])
	}
	return out
}
