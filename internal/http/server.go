// Package http serves the control API of a node: JSON over chi routes, with
// keys and payloads hex encoded.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	json "github.com/nikkolasg/hexjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/common/log"
	"github.com/ledgeraccounts/accounts/internal/accounts"
	"github.com/ledgeraccounts/accounts/internal/flows"
	"github.com/ledgeraccounts/accounts/internal/keymap"
	"github.com/ledgeraccounts/accounts/internal/ledger"
	"github.com/ledgeraccounts/accounts/internal/metrics"
	"github.com/ledgeraccounts/accounts/internal/net"
)

// Accounts is the account service the API exposes.
//
//nolint:interfacebloat
type Accounts interface {
	CreateAccount(ctx context.Context, call flows.CallContext, name string, opts ...accounts.CreateOption) (*accounts.AccountInfo, error)
	OurAccounts(ctx context.Context) ([]accounts.AccountInfo, error)
	AllAccounts(ctx context.Context) ([]accounts.AccountInfo, error)
	AccountsForHost(ctx context.Context, host key.PartyName) ([]accounts.AccountInfo, error)
	AccountInfo(ctx context.Context, id uuid.UUID) (*accounts.AccountInfo, error)
	AccountInfoByName(ctx context.Context, name string) ([]accounts.AccountInfo, error)
	AccountInfoByKey(ctx context.Context, k key.PublicKey) (*accounts.AccountInfo, error)
	RequestKeyForAccount(ctx context.Context, call flows.CallContext, account accounts.AccountInfo) (key.AnonymousParty, error)
	ShareAccountInfo(ctx context.Context, call flows.CallContext, id uuid.UUID, recipients ...key.PartyName) error
	ShareStateAndSyncAccounts(ctx context.Context, call flows.CallContext, ref ledger.StateRef, to key.PartyName) error
	ShareStateWithAccount(ctx context.Context, call flows.CallContext, ref ledger.StateRef, id uuid.UUID) error
	VisibleStates(ctx context.Context, ids ...uuid.UUID) ([]ledger.StateAndRef, error)
	IssueState(ctx context.Context, contract string, data []byte, participants ...key.PublicKey) (*ledger.SignedTransaction, error)
}

type handler struct {
	svc      Accounts
	self     *key.Identity
	validate *validator.Validate
	log      log.Logger
}

// New returns the control API of the node self.
func New(svc Accounts, self *key.Identity, l log.Logger) http.Handler {
	h := &handler{svc: svc, self: self, validate: validator.New(), log: l.Named("http")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/identity", h.identity)
	r.Route("/accounts", func(r chi.Router) {
		r.Post("/", h.createAccount)
		r.Get("/", h.listAccounts)
		r.Get("/by-name/{name}", h.accountsByName)
		r.Get("/by-key/{key}", h.accountByKey)
		r.Get("/{id}", h.account)
		r.Post("/{id}/keys", h.requestKey)
		r.Post("/{id}/share", h.shareAccount)
	})
	r.Route("/states", func(r chi.Router) {
		r.Post("/", h.issueState)
		r.Get("/", h.visibleStates)
		r.Post("/{tx}/{index}/sync", h.syncState)
	})
	r.Handle("/metrics", metrics.Handler())

	return promhttp.InstrumentHandlerCounter(metrics.HTTPCallCounter,
		promhttp.InstrumentHandlerDuration(metrics.HTTPLatency, r))
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Debugw("control request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "took", time.Since(start))
	})
}

// AccountJSON is the API form of an account.
type AccountJSON struct {
	ID         uuid.UUID
	Name       string
	Host       key.PartyName
	HostKey    key.PublicKey
	ExternalID *string `json:",omitempty"`
}

func accountJSON(a accounts.AccountInfo) AccountJSON {
	return AccountJSON{ID: a.ID, Name: a.Name, Host: a.Host.Name, HostKey: a.Host.Key, ExternalID: a.ExternalID}
}

func accountsJSON(as []accounts.AccountInfo) []AccountJSON {
	out := make([]AccountJSON, 0, len(as))
	for _, a := range as {
		out = append(out, accountJSON(a))
	}
	return out
}

// StateJSON is the API form of an unconsumed state.
type StateJSON struct {
	Ref          string
	Contract     string
	Participants []key.PublicKey
	Data         []byte
}

// CreateAccountRequest is the body of POST /accounts.
type CreateAccountRequest struct {
	Name       string     `validate:"required,max=256"`
	ID         *uuid.UUID `json:",omitempty"`
	ExternalID *string    `json:",omitempty"`
}

// KeyJSON is the body answering POST /accounts/{id}/keys.
type KeyJSON struct {
	Key key.PublicKey
}

// ShareRequest is the body of POST /accounts/{id}/share.
type ShareRequest struct {
	Recipients []key.PartyName `validate:"min=1,dive,required"`
}

// IssueRequest is the body of POST /states.
type IssueRequest struct {
	Contract     string `validate:"required"`
	Data         []byte
	Participants []key.PublicKey `validate:"dive,required"`
}

// SyncRequest is the body of POST /states/{tx}/{index}/sync. With Account
// set, the state is shared with that account and To is ignored.
type SyncRequest struct {
	To      key.PartyName
	Account *uuid.UUID `json:",omitempty"`
}

// IdentityJSON describes the node.
type IdentityJSON struct {
	Name    key.PartyName
	Address string
	Key     key.PublicKey
}

func (h *handler) identity(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, IdentityJSON{Name: h.self.Name, Address: h.self.Addr, Key: h.self.Key})
}

func (h *handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !h.read(w, r, &req) {
		return
	}
	var opts []accounts.CreateOption
	if req.ID != nil {
		opts = append(opts, accounts.WithID(*req.ID))
	}
	if req.ExternalID != nil {
		opts = append(opts, accounts.WithExternalID(*req.ExternalID))
	}
	info, err := h.svc.CreateAccount(r.Context(), flows.Fresh(), req.Name, opts...)
	if err != nil {
		h.reply(w, err)
		return
	}
	h.write(w, http.StatusCreated, accountJSON(*info))
}

func (h *handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	var list []accounts.AccountInfo
	var err error
	q := r.URL.Query()
	switch {
	case q.Get("host") != "":
		list, err = h.svc.AccountsForHost(r.Context(), key.PartyName(q.Get("host")))
	case q.Get("scope") == "" || q.Get("scope") == "all":
		list, err = h.svc.AllAccounts(r.Context())
	case q.Get("scope") == "mine":
		list, err = h.svc.OurAccounts(r.Context())
	default:
		h.fail(w, http.StatusBadRequest, errors.New("scope is mine or all"))
		return
	}
	if err != nil {
		h.reply(w, err)
		return
	}
	h.write(w, http.StatusOK, accountsJSON(list))
}

func (h *handler) accountsByName(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.AccountInfoByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.reply(w, err)
		return
	}
	h.write(w, http.StatusOK, accountsJSON(list))
}

func (h *handler) accountByKey(w http.ResponseWriter, r *http.Request) {
	k, err := key.ParsePublicKey(chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, http.StatusBadRequest, err)
		return
	}
	info, err := h.svc.AccountInfoByKey(r.Context(), k)
	if err != nil {
		h.reply(w, err)
		return
	}
	if info == nil {
		h.fail(w, http.StatusNotFound, errors.New("key does not resolve to an account here"))
		return
	}
	h.write(w, http.StatusOK, accountJSON(*info))
}

// lookup resolves the {id} parameter, answering the request itself when it
// cannot.
func (h *handler) lookup(w http.ResponseWriter, r *http.Request) (*accounts.AccountInfo, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, http.StatusBadRequest, err)
		return nil, false
	}
	info, err := h.svc.AccountInfo(r.Context(), id)
	if err != nil {
		h.reply(w, err)
		return nil, false
	}
	if info == nil {
		h.reply(w, &accounts.AccountNotFoundError{AccountID: id, Host: h.self.Name})
		return nil, false
	}
	return info, true
}

func (h *handler) account(w http.ResponseWriter, r *http.Request) {
	if info, ok := h.lookup(w, r); ok {
		h.write(w, http.StatusOK, accountJSON(*info))
	}
}

func (h *handler) requestKey(w http.ResponseWriter, r *http.Request) {
	info, ok := h.lookup(w, r)
	if !ok {
		return
	}
	k, err := h.svc.RequestKeyForAccount(r.Context(), flows.Fresh(), *info)
	if err != nil {
		h.reply(w, err)
		return
	}
	h.write(w, http.StatusCreated, KeyJSON{Key: k.Key})
}

func (h *handler) shareAccount(w http.ResponseWriter, r *http.Request) {
	var req ShareRequest
	if !h.read(w, r, &req) {
		return
	}
	info, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := h.svc.ShareAccountInfo(r.Context(), flows.Fresh(), info.ID, req.Recipients...); err != nil {
		h.reply(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) issueState(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if !h.read(w, r, &req) {
		return
	}
	for _, p := range req.Participants {
		if _, err := p.Point(); err != nil {
			h.fail(w, http.StatusBadRequest, err)
			return
		}
	}
	stx, err := h.svc.IssueState(r.Context(), req.Contract, req.Data, req.Participants...)
	if err != nil {
		h.reply(w, err)
		return
	}
	out := stx.Out(0)
	h.write(w, http.StatusCreated, stateJSON(out))
}

func stateJSON(s ledger.StateAndRef) StateJSON {
	return StateJSON{Ref: s.Ref.String(), Contract: s.State.Contract, Participants: s.State.Participants, Data: s.State.Data}
}

func (h *handler) visibleStates(w http.ResponseWriter, r *http.Request) {
	var ids []uuid.UUID
	for _, s := range r.URL.Query()["account"] {
		id, err := uuid.Parse(s)
		if err != nil {
			h.fail(w, http.StatusBadRequest, err)
			return
		}
		ids = append(ids, id)
	}
	states, err := h.svc.VisibleStates(r.Context(), ids...)
	if err != nil {
		h.reply(w, err)
		return
	}
	out := make([]StateJSON, 0, len(states))
	for _, s := range states {
		out = append(out, stateJSON(s))
	}
	h.write(w, http.StatusOK, out)
}

func (h *handler) syncState(w http.ResponseWriter, r *http.Request) {
	tx, err := ledger.ParseTxID(chi.URLParam(r, "tx"))
	if err != nil {
		h.fail(w, http.StatusBadRequest, err)
		return
	}
	idx, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 32)
	if err != nil {
		h.fail(w, http.StatusBadRequest, err)
		return
	}
	ref := ledger.StateRef{TxID: tx, Index: uint32(idx)}

	var req SyncRequest
	if !h.read(w, r, &req) {
		return
	}
	switch {
	case req.Account != nil:
		err = h.svc.ShareStateWithAccount(r.Context(), flows.Fresh(), ref, *req.Account)
	case req.To != "":
		err = h.svc.ShareStateAndSyncAccounts(r.Context(), flows.Fresh(), ref, req.To)
	default:
		h.fail(w, http.StatusBadRequest, errors.New("sync needs a party or an account"))
		return
	}
	if err != nil {
		h.reply(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ErrorJSON is the body of every failed request.
type ErrorJSON struct {
	Error string
}

func (h *handler) read(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.fail(w, http.StatusBadRequest, err)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		h.fail(w, http.StatusBadRequest, err)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		h.fail(w, http.StatusBadRequest, fmt.Errorf("bad request: %w", err))
		return false
	}
	return true
}

func (h *handler) write(w http.ResponseWriter, code int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Errorw("encoding response", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func (h *handler) fail(w http.ResponseWriter, code int, err error) {
	h.write(w, code, ErrorJSON{Error: err.Error()})
}

// reply maps the account errors to status codes.
func (h *handler) reply(w http.ResponseWriter, err error) {
	var (
		dupName  *accounts.DuplicateNameError
		dupID    *accounts.DuplicateIDError
		notFound *accounts.AccountNotFoundError
		missing  *accounts.MissingLedgerProofError
		verify   *accounts.IdentityVerificationError
		conflict *keymap.KeyRebindingConflictError
		session  *net.SessionError
	)
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &dupName), errors.As(err, &dupID), errors.As(err, &conflict), errors.Is(err, flows.ErrRefused):
		code = http.StatusConflict
	case errors.As(err, &notFound), errors.As(err, &missing):
		code = http.StatusNotFound
	case errors.As(err, &verify), errors.As(err, &session):
		code = http.StatusBadGateway
	}
	if code == http.StatusInternalServerError {
		h.log.Errorw("control request failed", "err", err)
	}
	h.fail(w, code, err)
}
