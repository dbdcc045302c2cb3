package flows_test

import (
	"context"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"

	"github.com/ledgeraccounts/accounts/internal/accounts"
	"github.com/ledgeraccounts/accounts/internal/flows"
	"github.com/ledgeraccounts/accounts/internal/net"
)

func TestDiscloseAccount(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t, "B", "C", "D")
	b, c, d := n.get("B"), n.get("C"), n.get("D")

	roger, err := b.registry.Create(ctx, "roger", accounts.WithExternalID("r-1"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.flows.DiscloseAccount(ctx, flows.Fresh(), roger.ID, "B", "C", "D"))
	}
	for _, p := range []*party{c, d} {
		info, err := p.registry.ByID(ctx, roger.ID)
		require.NoError(t, err)
		require.NotNil(t, info)
		require.Equal(t, *roger, *info)

		all, err := p.registry.All(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)

		ours, err := p.registry.Ours(ctx)
		require.NoError(t, err)
		require.Empty(t, ours)

		hosted, err := p.registry.ForHost(ctx, "B")
		require.NoError(t, err)
		require.Len(t, hosted, 1)
	}
}

func TestDiscloseAccountPartialFailure(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t, "B", "C")
	b, c := n.get("B"), n.get("C")

	roger, err := b.registry.Create(ctx, "roger")
	require.NoError(t, err)

	err = b.flows.DiscloseAccount(ctx, flows.Fresh(), roger.ID, "Z", "C")
	require.ErrorIs(t, err, net.ErrUnreachable)
	merr, ok := err.(*multierror.Error)
	require.True(t, ok)
	require.Len(t, merr.Errors, 1)

	info, err := c.registry.ByID(ctx, roger.ID)
	require.NoError(t, err)
	require.NotNil(t, info)
}

func TestDiscloseUnknownAccount(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t, "B", "C")
	b, c := n.get("B"), n.get("C")

	roger, err := c.registry.Create(ctx, "roger")
	require.NoError(t, err)

	err = b.flows.DiscloseAccount(ctx, flows.Fresh(), roger.ID, "C")
	var notFound *accounts.AccountNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, 0, n.bus.Opened("B"))
}
