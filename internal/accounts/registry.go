package accounts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/common/log"
	"github.com/ledgeraccounts/accounts/internal/ledger"
	"github.com/ledgeraccounts/accounts/internal/metrics"
)

// Bindings resolves keys to the account they were issued for.
type Bindings interface {
	AccountFor(k key.PublicKey) (uuid.UUID, bool, error)
}

// Tags returns the external tag a key was minted with.
type Tags interface {
	ExternalIDFor(k key.PublicKey) (*uuid.UUID, error)
}

// Registry answers account queries from the unconsumed account records of
// the ledger, and creates the accounts hosted here.
type Registry struct {
	// creation is serialised so that the uniqueness checks and the write
	// happen as one step on this host
	mu       sync.Mutex
	ledger   ledger.Ledger
	self     key.Party
	bindings Bindings
	tags     Tags
	log      log.Logger
}

// NewRegistry returns the registry of the node self.
func NewRegistry(l ledger.Ledger, self key.Party, bindings Bindings, tags Tags, lg log.Logger) *Registry {
	return &Registry{
		ledger:   l,
		self:     self,
		bindings: bindings,
		tags:     tags,
		log:      lg.Named("accounts"),
	}
}

type createOptions struct {
	id         *uuid.UUID
	externalID *string
}

// CreateOption customises a new account.
type CreateOption func(*createOptions)

// WithID sets the id of the new account instead of a random one.
func WithID(id uuid.UUID) CreateOption {
	return func(o *createOptions) { o.id = &id }
}

// WithExternalID attaches an application defined id to the new account.
func WithExternalID(ext string) CreateOption {
	return func(o *createOptions) { o.externalID = &ext }
}

// Create records a new account hosted by this node.
func (r *Registry) Create(ctx context.Context, name string, opts ...CreateOption) (*AccountInfo, error) {
	if name == "" {
		return nil, errors.New("an account needs a name")
	}
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	id := uuid.New()
	if o.id != nil {
		id = *o.id
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	known, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range known {
		if rec.Info.ID == id {
			return nil, &DuplicateIDError{ID: id}
		}
		if rec.Info.Name == name && rec.Info.Host.Equal(r.self) {
			return nil, &DuplicateNameError{Name: name, Host: r.self.Name}
		}
	}

	info := AccountInfo{Name: name, Host: r.self, ID: id, ExternalID: o.externalID}
	state, err := info.State()
	if err != nil {
		return nil, err
	}
	_, err = r.ledger.Submit(ctx, ledger.Transaction{
		Outputs: []ledger.State{state},
		Signers: []key.PublicKey{r.self.Key},
		Nonce:   id[:],
	})
	if err != nil {
		return nil, fmt.Errorf("could not record account %q: %w", name, err)
	}
	metrics.AccountsCreated.Inc()
	r.log.Infow("account created", "account", name, "id", id)
	return &info, nil
}

func (r *Registry) query(ctx context.Context, keep func(AccountInfo) bool) ([]Record, error) {
	states, err := r.ledger.QueryUnconsumed(ctx, ledger.Filter{Contract: Contract})
	if err != nil {
		return nil, err
	}
	var records []Record
	for _, s := range states {
		info, err := FromState(s.State)
		if err != nil {
			r.log.Warnw("skipping unreadable account record", "ref", s.Ref, "err", err)
			continue
		}
		if keep == nil || keep(info) {
			records = append(records, Record{Info: info, Ref: s.Ref})
		}
	}
	return records, nil
}

// All returns every account known here.
func (r *Registry) All(ctx context.Context) ([]Record, error) {
	return r.query(ctx, nil)
}

// Ours returns the accounts hosted here.
func (r *Registry) Ours(ctx context.Context) ([]Record, error) {
	return r.query(ctx, func(a AccountInfo) bool { return a.Host.Equal(r.self) })
}

// ForHost returns the known accounts hosted by host.
func (r *Registry) ForHost(ctx context.Context, host key.PartyName) ([]Record, error) {
	return r.query(ctx, func(a AccountInfo) bool { return a.Host.Name == host })
}

// Lookup returns the record of the account with the given id, nil if it is
// not known.
func (r *Registry) Lookup(ctx context.Context, id uuid.UUID) (*Record, error) {
	records, err := r.query(ctx, func(a AccountInfo) bool { return a.ID == id })
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return &records[0], nil
}

// ByID returns the account with the given id, nil if it is not known.
func (r *Registry) ByID(ctx context.Context, id uuid.UUID) (*AccountInfo, error) {
	rec, err := r.Lookup(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}
	return &rec.Info, nil
}

// ByName returns the accounts with the given name. Names are only unique per
// host, so several hosts may answer; callers pick by host.
func (r *Registry) ByName(ctx context.Context, name string) ([]AccountInfo, error) {
	records, err := r.query(ctx, func(a AccountInfo) bool { return a.Name == name })
	if err != nil {
		return nil, err
	}
	if len(records) > 1 {
		r.log.Warnw("several hosts have an account with this name", "account", name, "matches", len(records))
	}
	return infos(records), nil
}

// ByExternalID returns the accounts carrying the given external id.
func (r *Registry) ByExternalID(ctx context.Context, ext string) ([]AccountInfo, error) {
	records, err := r.query(ctx, func(a AccountInfo) bool { return a.ExternalID != nil && *a.ExternalID == ext })
	if err != nil {
		return nil, err
	}
	return infos(records), nil
}

// ByKey returns the account k was issued for, nil if it cannot be resolved
// locally.
func (r *Registry) ByKey(ctx context.Context, k key.PublicKey) (*AccountInfo, error) {
	id, found, err := r.bindings.AccountFor(k)
	if err != nil {
		return nil, err
	}
	if !found {
		tag, err := r.tags.ExternalIDFor(k)
		if err != nil || tag == nil {
			return nil, err
		}
		id = *tag
	}
	return r.ByID(ctx, id)
}

// Proof returns the finalized transaction that recorded the account.
func (r *Registry) Proof(ctx context.Context, id uuid.UUID) (*ledger.SignedTransaction, *Record, error) {
	rec, err := r.Lookup(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		return nil, nil, &AccountNotFoundError{AccountID: id}
	}
	stx, err := r.ledger.Proof(ctx, rec.Ref.TxID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil, &MissingLedgerProofError{Ref: rec.Ref, AccountID: &id}
	}
	if err != nil {
		return nil, nil, err
	}
	return stx, rec, nil
}

func infos(records []Record) []AccountInfo {
	out := make([]AccountInfo, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Info)
	}
	return out
}
