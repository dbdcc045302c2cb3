package flows_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/internal/accounts"
	"github.com/ledgeraccounts/accounts/internal/flows"
	"github.com/ledgeraccounts/accounts/internal/net"
)

func TestRequestKeyLocal(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t, "B")
	b := n.get("B")

	roger, err := b.registry.Create(ctx, "roger")
	require.NoError(t, err)

	k, err := b.flows.RequestKey(ctx, flows.Fresh(), *roger)
	require.NoError(t, err)
	require.Equal(t, 0, n.bus.Opened("B"))

	require.True(t, b.ids.Holds(k.Key))
	id, found, err := b.store.AccountFor(k.Key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, roger.ID, id)

	owner, err := b.ids.WellKnownParty(k.Key)
	require.NoError(t, err)
	require.True(t, owner.Equal(b.node.Party()))
	require.Equal(t, roger.ID, b.accountFor(t, k.Key).ID)
}

func TestRequestKeyRemote(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t, "B", "C")
	b, c := n.get("B"), n.get("C")

	roger, err := b.registry.Create(ctx, "roger")
	require.NoError(t, err)

	first, err := c.flows.RequestKey(ctx, flows.Fresh(), *roger)
	require.NoError(t, err)
	second, err := c.flows.RequestKey(ctx, flows.Fresh(), *roger)
	require.NoError(t, err)
	require.False(t, first.Key.Equal(second.Key))
	require.Equal(t, 2, n.bus.Opened("C"))

	for _, k := range []key.PublicKey{first.Key, second.Key} {
		require.False(t, c.ids.Holds(k))
		require.True(t, b.ids.Holds(k))

		owner, err := c.ids.WellKnownParty(k)
		require.NoError(t, err)
		require.True(t, owner.Equal(b.node.Party()))

		for _, p := range []*party{b, c} {
			id, found, err := p.store.AccountFor(k)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, roger.ID, id)
		}
	}
	require.Equal(t, 2, b.keyCount(t, *roger))
	require.Equal(t, 2, c.keyCount(t, *roger))
}

func TestRequestKeyAccountNotFound(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t, "B", "C")
	b, c := n.get("B"), n.get("C")

	ghost := accounts.AccountInfo{Name: "ghost", Host: b.node.Party(), ID: uuid.New()}
	_, err := c.flows.RequestKey(ctx, flows.Fresh(), ghost)
	var notFound *accounts.AccountNotFoundError
	require.True(t, errors.As(err, &notFound), "got %v", err)
	require.Equal(t, ghost.ID, notFound.AccountID)
	require.Equal(t, 0, c.keyCount(t, ghost))
}

func TestRequestKeyUnreachableHost(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t, "B", "C")
	b, c := n.get("B"), n.get("C")

	roger, err := b.registry.Create(ctx, "roger")
	require.NoError(t, err)
	n.bus.Leave("B")

	_, err = c.flows.RequestKey(ctx, flows.Fresh(), *roger)
	require.ErrorIs(t, err, net.ErrUnreachable)
	require.Equal(t, 0, c.keyCount(t, *roger))
}

// forge answers key requests on behalf of b with the response built by fn.
func forge(b *party, fn func(req flows.KeyRequest) *flows.KeyResponse) {
	b.transport.Handle(flows.KeyIssuanceProtocol, func(ctx context.Context, s net.Session) error {
		var req flows.KeyRequest
		if err := s.Receive(ctx, &req); err != nil {
			return err
		}
		return s.Send(ctx, fn(req))
	})
}

func TestRequestKeyRejectsForgedResponses(t *testing.T) {
	ctx := context.Background()

	respond := func(t *testing.T, certifier *key.Pair, name key.PartyName, assertedBy *key.Pair, assertedName key.PartyName) *flows.KeyResponse {
		k, err := key.NewKeyPair()
		require.NoError(t, err)
		chain, err := key.Certify(certifier, name, k.Public)
		require.NoError(t, err)
		assertion := &key.IdentityAssertion{Name: assertedName, OwningKey: k.Public}
		payload, err := assertion.Payload()
		require.NoError(t, err)
		sig, err := assertedBy.Sign(payload)
		require.NoError(t, err)
		return &flows.KeyResponse{Found: true, Chain: chain, Assertion: assertion, Signature: sig}
	}

	tests := []struct {
		name     string
		response func(t *testing.T, b *party) *flows.KeyResponse
	}{
		{"incomplete", func(t *testing.T, b *party) *flows.KeyResponse {
			return &flows.KeyResponse{Found: true}
		}},
		{"certified by an impostor", func(t *testing.T, b *party) *flows.KeyResponse {
			impostor, err := key.NewKeyPair()
			require.NoError(t, err)
			return respond(t, impostor, "B", impostor, "B")
		}},
		{"asserted for another party", func(t *testing.T, b *party) *flows.KeyResponse {
			other, err := key.NewKeyPair()
			require.NoError(t, err)
			return respond(t, b.node.Pair, "B", other, "E")
		}},
		{"possession not proven", func(t *testing.T, b *party) *flows.KeyResponse {
			other, err := key.NewKeyPair()
			require.NoError(t, err)
			return respond(t, b.node.Pair, "B", other, "B")
		}},
		{"asserted key differs", func(t *testing.T, b *party) *flows.KeyResponse {
			r := respond(t, b.node.Pair, "B", b.node.Pair, "B")
			r.Assertion.OwningKey = b.node.Pair.Public
			return r
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newNetwork(t, "B", "C")
			b, c := n.get("B"), n.get("C")
			roger, err := b.registry.Create(ctx, "roger")
			require.NoError(t, err)
			forged := tt.response(t, b)
			forge(b, func(flows.KeyRequest) *flows.KeyResponse { return forged })

			_, err = c.flows.RequestKey(ctx, flows.Fresh(), *roger)
			var verr *accounts.IdentityVerificationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			require.Equal(t, roger.ID, verr.AccountID)
			require.Equal(t, 0, c.keyCount(t, *roger))
		})
	}
}
