package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ledgeraccounts/accounts/common/testlogger"
)

func TestOutcome(t *testing.T) {
	require.Equal(t, "ok", Outcome(nil))
	require.Equal(t, "error", Outcome(errors.New("boom")))
}

func TestHandlerServesBoundMetrics(t *testing.T) {
	Bind(testlogger.New(t))
	Bind(testlogger.New(t))

	before := testutil.ToFloat64(AccountsCreated)
	AccountsCreated.Inc()
	require.Equal(t, before+1, testutil.ToFloat64(AccountsCreated))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "accounts_created"))
}
