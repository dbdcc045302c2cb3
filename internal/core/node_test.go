package core_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/common/testlogger"
	"github.com/ledgeraccounts/accounts/internal/core"
	"github.com/ledgeraccounts/accounts/internal/flows"
	"github.com/ledgeraccounts/accounts/internal/net"
)

func TestLoadOrCreateIdentity(t *testing.T) {
	folder := t.TempDir()

	created, err := core.LoadOrCreateIdentity(folder, "bank", "127.0.0.1:4454")
	require.NoError(t, err)
	loaded, err := core.LoadOrCreateIdentity(folder, "bank", "")
	require.NoError(t, err)
	require.True(t, created.Pair.Public.Equal(loaded.Pair.Public))
	require.Equal(t, "127.0.0.1:4454", loaded.Public.Addr)
	require.NoError(t, loaded.Public.ValidSignature())

	moved, err := core.LoadOrCreateIdentity(folder, "", "127.0.0.1:5555")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:5555", moved.Public.Addr)
	require.NoError(t, moved.Public.ValidSignature())

	_, err = core.LoadOrCreateIdentity(folder, "other", "")
	require.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	c := core.NewConfig(core.WithConfigFolder("/tmp/accounts"))
	require.Equal(t, "/tmp/accounts/db", c.DBFolder())
	require.Equal(t, "/tmp/accounts/ledger", c.LedgerFolder())
	require.Equal(t, core.DefaultSessionTimeout, c.SessionTimeout())
	require.Equal(t, core.DefaultControlListen, c.ControlListen())

	c = core.NewConfig(core.WithInMemoryLedger(), core.WithSessionTimeout(time.Second))
	require.Empty(t, c.LedgerFolder())
	require.Equal(t, time.Second, c.SessionTimeout())
}

func newGRPCNode(t *testing.T, name key.PartyName, opts ...core.ConfigOption) *core.Node {
	t.Helper()
	id, err := key.NewNode(name, "")
	require.NoError(t, err)
	n, err := core.NewNode(id, core.NewConfig(append([]core.ConfigOption{
		core.WithConfigFolder(t.TempDir()),
		core.WithPrivateListenAddress("127.0.0.1:0"),
		core.WithSessionTimeout(5*time.Second),
		core.WithLogger(testlogger.New(t)),
	}, opts...)...))
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() { require.NoError(t, n.Close()) })
	return n
}

func TestNodesOverGRPC(t *testing.T) {
	exchangeKey(t, newGRPCNode(t, "B"), newGRPCNode(t, "C"))
}

func TestNodesOverTLS(t *testing.T) {
	dir := t.TempDir()
	bCert, bKey := filepath.Join(dir, "b.crt"), filepath.Join(dir, "b.key")
	cCert, cKey := filepath.Join(dir, "c.crt"), filepath.Join(dir, "c.key")
	require.NoError(t, net.EnsureSelfSigned(cCert, cKey, "127.0.0.1"))

	// B generates its own pair, C's is made up front
	b := newGRPCNode(t, "B", core.WithTLS(bCert, bKey), core.WithTrustedCerts(cCert))
	require.FileExists(t, bCert)
	c := newGRPCNode(t, "C", core.WithTLS(cCert, cKey), core.WithTrustedCerts(bCert))
	exchangeKey(t, b, c)
}

func TestNodeRejectsBadTrustedCert(t *testing.T) {
	dir := t.TempDir()
	id, err := key.NewNode("B", "")
	require.NoError(t, err)
	_, err = core.NewNode(id, core.NewConfig(
		core.WithConfigFolder(t.TempDir()),
		core.WithPrivateListenAddress("127.0.0.1:0"),
		core.WithLogger(testlogger.New(t)),
		core.WithTLS(filepath.Join(dir, "b.crt"), filepath.Join(dir, "b.key")),
		core.WithTrustedCerts(filepath.Join(dir, "missing.crt")),
	))
	require.Error(t, err)
}

func exchangeKey(t *testing.T, b, c *core.Node) {
	t.Helper()
	ctx := context.Background()
	b.AddPeer(c.Party(), c.Address())
	c.AddPeer(b.Party(), b.Address())

	roger, err := b.Service().CreateAccount(ctx, flows.Fresh(), "roger")
	require.NoError(t, err)
	require.NoError(t, b.Service().ShareAccountInfo(ctx, flows.Fresh(), roger.ID, "C"))

	k, err := c.Service().RequestKeyForAccount(ctx, flows.Fresh(), *roger)
	require.NoError(t, err)
	info, err := c.Service().AccountInfoByKey(ctx, k.Key)
	require.NoError(t, err)
	require.NotNil(t, info)
	require.Equal(t, roger.ID, info.ID)
}

func TestNodeCloseIsIdempotent(t *testing.T) {
	id, err := key.NewNode("B", "")
	require.NoError(t, err)
	n, err := core.NewNode(id, core.NewConfig(
		core.WithConfigFolder(t.TempDir()),
		core.WithPrivateListenAddress("127.0.0.1:0"),
		core.WithLogger(testlogger.New(t)),
	))
	require.NoError(t, err)
	require.NoError(t, n.Start())
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	require.Error(t, n.Start())
}
