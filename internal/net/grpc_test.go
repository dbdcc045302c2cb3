package net_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/common/testlogger"
	"github.com/ledgeraccounts/accounts/internal/net"
)

type grpcNode struct {
	node      *key.Node
	dir       *net.Directory
	transport *net.GRPCTransport
}

func newGRPCNode(t *testing.T, name key.PartyName) *grpcNode {
	return newGRPCNodeWith(t, name, nil)
}

func newGRPCNodeWith(t *testing.T, name key.PartyName, setup func(*net.GRPCTransport)) *grpcNode {
	t.Helper()
	n, err := key.NewNode(name, "127.0.0.1:0")
	require.NoError(t, err)
	dir := net.NewDirectory(n.Public)
	tr := net.NewGRPCTransport(n, dir, 10*time.Second, testlogger.New(t))
	if setup != nil {
		setup(tr)
	}
	require.NoError(t, tr.Listen("127.0.0.1:0"))
	t.Cleanup(tr.Stop)
	return &grpcNode{node: n, dir: dir, transport: tr}
}

func introduce(a, b *grpcNode) {
	a.dir.Add(b.node.Party(), b.transport.Addr())
	b.dir.Add(a.node.Party(), a.transport.Addr())
}

func TestGRPCSession(t *testing.T) {
	ctx := context.Background()
	alice, bob := newGRPCNode(t, "alice"), newGRPCNode(t, "bob")
	introduce(alice, bob)
	bob.transport.Handle(echo, echoResponder)

	s, err := alice.transport.Open(ctx, echo, "bob")
	require.NoError(t, err)
	defer s.Close()
	require.True(t, s.Counterparty().Equal(bob.node.Party()))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Send(ctx, ping{Seq: i, Text: "hello"}))
		var p ping
		require.NoError(t, s.Receive(ctx, &p))
		require.Equal(t, ping{Seq: i, Text: "hello"}, p)
	}
}

func TestGRPCRejectsStrangers(t *testing.T) {
	ctx := context.Background()
	alice, bob := newGRPCNode(t, "alice"), newGRPCNode(t, "bob")
	bob.transport.Handle(echo, echoResponder)
	// alice knows bob, bob does not know alice
	alice.dir.Add(bob.node.Party(), bob.transport.Addr())

	_, err := alice.transport.Open(ctx, echo, "bob")
	require.ErrorIs(t, err, net.ErrRejected)

	bob.dir.Add(alice.node.Party(), alice.transport.Addr())
	_, err = alice.transport.Open(ctx, "unknown", "bob")
	require.ErrorIs(t, err, net.ErrRejected)

	_, err = alice.transport.Open(ctx, echo, "carol")
	require.ErrorIs(t, err, net.ErrUnreachable)
}

func TestGRPCRejectsImpostor(t *testing.T) {
	ctx := context.Background()
	alice, bob := newGRPCNode(t, "alice"), newGRPCNode(t, "bob")
	bob.transport.Handle(echo, echoResponder)
	alice.dir.Add(bob.node.Party(), bob.transport.Addr())
	// bob has a different key on file for alice
	impostor, err := key.NewNode("alice", "")
	require.NoError(t, err)
	bob.dir.Add(impostor.Party(), alice.transport.Addr())

	_, err = alice.transport.Open(ctx, echo, "bob")
	require.ErrorIs(t, err, net.ErrRejected)
}

func TestGRPCSessionOverTLS(t *testing.T) {
	ctx := context.Background()
	certs := net.NewCertManager()
	withTLS := func(name string) func(*net.GRPCTransport) {
		dir := t.TempDir()
		certPath, keyPath := filepath.Join(dir, name+".crt"), filepath.Join(dir, name+".key")
		require.NoError(t, net.EnsureSelfSigned(certPath, keyPath, "127.0.0.1"))
		// a valid pair is left alone
		require.NoError(t, net.EnsureSelfSigned(certPath, keyPath, "127.0.0.1"))
		require.NoError(t, certs.Add(certPath))
		return func(tr *net.GRPCTransport) {
			tr.EnableTLS(certPath, keyPath, certs)
		}
	}
	alice := newGRPCNodeWith(t, "alice", withTLS("alice"))
	bob := newGRPCNodeWith(t, "bob", withTLS("bob"))
	introduce(alice, bob)
	bob.transport.Handle(echo, echoResponder)

	s, err := alice.transport.Open(ctx, echo, "bob")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Send(ctx, ping{Seq: 1, Text: "over tls"}))
	var p ping
	require.NoError(t, s.Receive(ctx, &p))
	require.Equal(t, ping{Seq: 1, Text: "over tls"}, p)

	// a plaintext client cannot talk to a TLS listener
	carol := newGRPCNode(t, "carol")
	carol.dir.Add(bob.node.Party(), bob.transport.Addr())
	bob.dir.Add(carol.node.Party(), carol.transport.Addr())
	shortCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = carol.transport.Open(shortCtx, echo, "bob")
	require.Error(t, err)
}

func TestCertManagerAdd(t *testing.T) {
	certs := net.NewCertManager()
	require.Error(t, certs.Add(filepath.Join(t.TempDir(), "missing.crt")))

	dir := t.TempDir()
	keyPath := filepath.Join(dir, "node.key")
	require.NoError(t, net.EnsureSelfSigned(filepath.Join(dir, "node.crt"), keyPath, "127.0.0.1"))
	// a private key is not a certificate
	require.Error(t, certs.Add(keyPath))
}
