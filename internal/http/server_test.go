package http_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/common/testlogger"
	"github.com/ledgeraccounts/accounts/internal/core"
	ahttp "github.com/ledgeraccounts/accounts/internal/http"
	"github.com/ledgeraccounts/accounts/internal/ledger"
	"github.com/ledgeraccounts/accounts/internal/metrics"
)

func serve(t *testing.T, n *core.Node) *ahttp.Client {
	t.Helper()
	srv := httptest.NewServer(ahttp.New(n.Service(), n.Identity(), testlogger.New(t)))
	t.Cleanup(srv.Close)
	return ahttp.NewClient(srv.URL)
}

func TestControlAPIEndToEnd(t *testing.T) {
	ctx := context.Background()
	tn := core.NewTestNetwork(t, "B", "C", "D")
	b, c, d := serve(t, tn.Node("B")), serve(t, tn.Node("C")), serve(t, tn.Node("D"))

	ext := "crm-42"
	roger, err := b.CreateAccount(ctx, ahttp.CreateAccountRequest{Name: "roger", ExternalID: &ext})
	require.NoError(t, err)
	require.Equal(t, key.PartyName("B"), roger.Host)

	_, err = b.CreateAccount(ctx, ahttp.CreateAccountRequest{Name: "roger"})
	var status *ahttp.StatusError
	require.True(t, errors.As(err, &status))
	require.Equal(t, http.StatusConflict, status.Code)

	require.NoError(t, b.ShareAccount(ctx, roger.ID, "C"))
	k, err := c.RequestKey(ctx, roger.ID)
	require.NoError(t, err)

	byKey, err := c.AccountByKey(ctx, k)
	require.NoError(t, err)
	require.Equal(t, roger.ID, byKey.ID)

	state, err := c.IssueState(ctx, ahttp.IssueRequest{Contract: "test.Asset", Data: []byte{0xca, 0xfe}, Participants: []key.PublicKey{k}})
	require.NoError(t, err)
	ref, err := ledger.ParseStateRef(state.Ref)
	require.NoError(t, err)
	require.NoError(t, c.SyncState(ctx, ref, ahttp.SyncRequest{To: "D"}))

	onD, err := d.AccountByKey(ctx, k)
	require.NoError(t, err)
	require.Equal(t, roger.ID, onD.ID)
	require.Equal(t, &ext, onD.ExternalID)

	states, err := d.States(ctx, roger.ID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, state.Ref, states[0].Ref)
	require.Equal(t, []byte{0xca, 0xfe}, states[0].Data)

	mine, err := d.Accounts(ctx, "mine", "")
	require.NoError(t, err)
	require.Empty(t, mine)
	hosted, err := d.Accounts(ctx, "", "B")
	require.NoError(t, err)
	require.Len(t, hosted, 1)
	named, err := d.AccountsByName(ctx, "roger")
	require.NoError(t, err)
	require.Len(t, named, 1)

	id, err := d.Identity(ctx)
	require.NoError(t, err)
	require.Equal(t, key.PartyName("D"), id.Name)
}

func TestControlAPIErrors(t *testing.T) {
	ctx := context.Background()
	tn := core.NewTestNetwork(t, "B")
	b := serve(t, tn.Node("B"))

	tests := []struct {
		name string
		call func() error
		code int
	}{
		{"unknown account", func() error { _, err := b.Account(ctx, uuid.New()); return err }, http.StatusNotFound},
		{"key for unknown account", func() error { _, err := b.RequestKey(ctx, uuid.New()); return err }, http.StatusNotFound},
		{"unnamed account", func() error {
			_, err := b.CreateAccount(ctx, ahttp.CreateAccountRequest{})
			return err
		}, http.StatusBadRequest},
		{"state without contract", func() error {
			_, err := b.IssueState(ctx, ahttp.IssueRequest{})
			return err
		}, http.StatusBadRequest},
		{"sync of unknown state", func() error {
			return b.SyncState(ctx, ledger.StateRef{TxID: ledger.TxID{9}}, ahttp.SyncRequest{To: "C"})
		}, http.StatusNotFound},
		{"bad scope", func() error { _, err := b.Accounts(ctx, "theirs", ""); return err }, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var status *ahttp.StatusError
			require.True(t, errors.As(err, &status), "got %v", err)
			require.Equal(t, tt.code, status.Code)
		})
	}
}

func TestControlAPIMetrics(t *testing.T) {
	tn := core.NewTestNetwork(t, "B")
	n := tn.Node("B")
	metrics.Bind(testlogger.New(t))
	srv := httptest.NewServer(ahttp.New(n.Service(), n.Identity(), testlogger.New(t)))
	defer srv.Close()

	_, err := ahttp.NewClient(srv.URL).Accounts(context.Background(), "all", "")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "http_call_counter"))
}
