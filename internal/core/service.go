package core

import (
	"context"

	"github.com/google/uuid"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/common/log"
	"github.com/ledgeraccounts/accounts/internal/accounts"
	"github.com/ledgeraccounts/accounts/internal/flows"
	"github.com/ledgeraccounts/accounts/internal/keymap"
	"github.com/ledgeraccounts/accounts/internal/ledger"
)

// CreateFlow names the unit of work creating an account.
const CreateFlow = "accounts/create"

// AccountService is the local entry point to accounts. Protocol operations
// take a CallContext: flows.Fresh() starts a new unit of work, flows.Within(u)
// runs the operation as a step of u.
type AccountService struct {
	self     key.Party
	ledger   ledger.Ledger
	store    *keymap.Store
	registry *accounts.Registry
	flows    *flows.Flows
	log      log.Logger
}

// NewAccountService returns the service over the given components.
func NewAccountService(self key.Party, l ledger.Ledger, store *keymap.Store, registry *accounts.Registry, f *flows.Flows, lg log.Logger) *AccountService {
	return &AccountService{
		self:     self,
		ledger:   l,
		store:    store,
		registry: registry,
		flows:    f,
		log:      lg.Named("service"),
	}
}

// CreateAccount records a new account hosted here.
func (s *AccountService) CreateAccount(ctx context.Context, call flows.CallContext, name string, opts ...accounts.CreateOption) (*accounts.AccountInfo, error) {
	var info *accounts.AccountInfo
	err := s.flows.Runner().Run(ctx, call, CreateFlow, "host", func(ctx context.Context, _ *flows.Unit) error {
		var err error
		info, err = s.registry.Create(ctx, name, opts...)
		return err
	})
	return info, err
}

// OurAccounts returns the accounts hosted here.
func (s *AccountService) OurAccounts(ctx context.Context) ([]accounts.AccountInfo, error) {
	return infos(s.registry.Ours(ctx))
}

// AllAccounts returns every account known here.
func (s *AccountService) AllAccounts(ctx context.Context) ([]accounts.AccountInfo, error) {
	return infos(s.registry.All(ctx))
}

// AccountsForHost returns the known accounts hosted by host.
func (s *AccountService) AccountsForHost(ctx context.Context, host key.PartyName) ([]accounts.AccountInfo, error) {
	return infos(s.registry.ForHost(ctx, host))
}

// AccountInfo returns the account with the given id, nil if unknown.
func (s *AccountService) AccountInfo(ctx context.Context, id uuid.UUID) (*accounts.AccountInfo, error) {
	return s.registry.ByID(ctx, id)
}

// AccountInfoByName returns every known account called name. Names are only
// unique per host.
func (s *AccountService) AccountInfoByName(ctx context.Context, name string) ([]accounts.AccountInfo, error) {
	return s.registry.ByName(ctx, name)
}

// AccountInfoByExternalID returns the accounts carrying the external id.
func (s *AccountService) AccountInfoByExternalID(ctx context.Context, external string) ([]accounts.AccountInfo, error) {
	return s.registry.ByExternalID(ctx, external)
}

// AccountInfoByKey returns the account k belongs to, nil if k cannot be
// resolved from local state.
func (s *AccountService) AccountInfoByKey(ctx context.Context, k key.PublicKey) (*accounts.AccountInfo, error) {
	return s.registry.ByKey(ctx, k)
}

// RequestKeyForAccount obtains a fresh key for the account from its host.
func (s *AccountService) RequestKeyForAccount(ctx context.Context, call flows.CallContext, account accounts.AccountInfo) (key.AnonymousParty, error) {
	return s.flows.RequestKey(ctx, call, account)
}

// ShareAccountInfo discloses the account to every recipient.
func (s *AccountService) ShareAccountInfo(ctx context.Context, call flows.CallContext, id uuid.UUID, recipients ...key.PartyName) error {
	return s.flows.DiscloseAccount(ctx, call, id, recipients...)
}

// ShareStateAndSyncAccounts sends the state at ref to party together with the
// accounts of its participants.
func (s *AccountService) ShareStateAndSyncAccounts(ctx context.Context, call flows.CallContext, ref ledger.StateRef, to key.PartyName) error {
	return s.flows.SyncState(ctx, call, ref, to, nil)
}

// ShareStateWithAccount makes the state at ref visible to the account. The
// state is synchronised to the host of the account unless it is hosted here.
func (s *AccountService) ShareStateWithAccount(ctx context.Context, call flows.CallContext, ref ledger.StateRef, id uuid.UUID) error {
	account, err := s.registry.ByID(ctx, id)
	if err != nil {
		return err
	}
	if account == nil {
		return &accounts.AccountNotFoundError{AccountID: id, Host: s.self.Name}
	}
	if !account.Host.Equal(s.self) {
		return s.flows.SyncState(ctx, call, ref, account.Host.Name, &account.ID)
	}
	known, err := s.ledger.Known(ctx, ref.TxID)
	if err != nil {
		return err
	}
	if !known {
		return &accounts.MissingLedgerProofError{Ref: ref, AccountID: &id}
	}
	return s.store.Allow(account.ID, ref)
}

// VisibleStates returns the unconsumed states the accounts can see: those
// with a participant key bound to one of them, and those granted to one of
// them.
func (s *AccountService) VisibleStates(ctx context.Context, ids ...uuid.UUID) ([]ledger.StateAndRef, error) {
	keys := make(map[key.Hash]bool)
	granted := make(map[ledger.StateRef]bool)
	for _, id := range ids {
		hashes, err := s.store.KeysFor(id)
		if err != nil {
			return nil, err
		}
		for _, h := range hashes {
			keys[h] = true
		}
		refs, err := s.store.Allowed(id)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			granted[ref] = true
		}
	}
	if len(keys) == 0 && len(granted) == 0 {
		return nil, nil
	}
	return s.ledger.QueryUnconsumed(ctx, ledger.Filter{Where: func(st ledger.StateAndRef) bool {
		if granted[st.Ref] {
			return true
		}
		for _, p := range st.State.Participants {
			if keys[p.Hash()] {
				return true
			}
		}
		return false
	}})
}

// IssueState records a state signed by this node with the given
// participants.
func (s *AccountService) IssueState(ctx context.Context, contract string, data []byte, participants ...key.PublicKey) (*ledger.SignedTransaction, error) {
	nonce := uuid.New()
	stx, err := s.ledger.Submit(ctx, ledger.Transaction{
		Outputs: []ledger.State{{Contract: contract, Participants: participants, Data: data}},
		Signers: []key.PublicKey{s.self.Key},
		Nonce:   nonce[:],
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("state issued", "ref", stx.OutRef(0), "contract", contract, "participants", len(participants))
	return stx, nil
}

func infos(records []accounts.Record, err error) ([]accounts.AccountInfo, error) {
	if err != nil {
		return nil, err
	}
	out := make([]accounts.AccountInfo, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Info)
	}
	return out, nil
}
