package flows

import (
	"context"
	"fmt"
	"time"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/internal/accounts"
	"github.com/ledgeraccounts/accounts/internal/keymap"
	"github.com/ledgeraccounts/accounts/internal/metrics"
	"github.com/ledgeraccounts/accounts/internal/net"
)

// RequesterStatus is the state of the requesting side of a key issuance.
type RequesterStatus uint32

const (
	// RequestStart is where every request begins.
	RequestStart RequesterStatus = iota
	// LocalMint means the account is hosted here: the key is minted locally
	// and no session is opened.
	LocalMint
	// AwaitingRemoteKey means the request was sent to the host.
	AwaitingRemoteKey
	// RequestDone means a verified key is bound to the account.
	RequestDone
	// RequestFailed means the request ended without a key.
	RequestFailed
)

func (s RequesterStatus) String() string {
	switch s {
	case RequestStart:
		return "Start"
	case LocalMint:
		return "LocalMint"
	case AwaitingRemoteKey:
		return "AwaitingRemoteKey"
	case RequestDone:
		return "Done"
	case RequestFailed:
		return "Failed"
	default:
		panic("impossible key request state received")
	}
}

func isValidRequesterChange(current, next RequesterStatus) bool {
	switch current {
	case RequestStart:
		return next == LocalMint || next == AwaitingRemoteKey
	case LocalMint, AwaitingRemoteKey:
		return next == RequestDone || next == RequestFailed
	}
	return false
}

// IssuerStatus is the state of the host answering a key request.
type IssuerStatus uint32

const (
	// AwaitAccountID waits for the request.
	AwaitAccountID IssuerStatus = iota
	// Lookup searches the requested account among ours.
	Lookup
	// RespondNotFound answers that the account is not hosted here.
	RespondNotFound
	// MintAndAssert mints a key for the account and proves it.
	MintAndAssert
	// IssueDone means the answer was sent.
	IssueDone
	// IssueFailed means no answer could be sent.
	IssueFailed
)

func (s IssuerStatus) String() string {
	switch s {
	case AwaitAccountID:
		return "AwaitAccountID"
	case Lookup:
		return "Lookup"
	case RespondNotFound:
		return "RespondNotFound"
	case MintAndAssert:
		return "MintAndAssert"
	case IssueDone:
		return "Done"
	case IssueFailed:
		return "Failed"
	default:
		panic("impossible key issuance state received")
	}
}

func isValidIssuerChange(current, next IssuerStatus) bool {
	switch current {
	case AwaitAccountID:
		return next == Lookup || next == IssueFailed
	case Lookup:
		return next == RespondNotFound || next == MintAndAssert || next == IssueFailed
	case RespondNotFound, MintAndAssert:
		return next == IssueDone || next == IssueFailed
	}
	return false
}

// InvalidStateChange reports a transition the protocol does not allow.
func InvalidStateChange(from, to fmt.Stringer) error {
	return fmt.Errorf("invalid transition attempt from %s to %s", from.String(), to.String())
}

type keyRequest struct {
	status  RequesterStatus
	account accounts.AccountInfo
	minted  key.PublicKey
}

func (r *keyRequest) to(next RequesterStatus) error {
	if !isValidRequesterChange(r.status, next) {
		return InvalidStateChange(r.status, next)
	}
	r.status = next
	return nil
}

// RequestKey obtains a fresh key for account from its host. The key is bound
// to the account locally. Only this node and the host can resolve it to a
// party until it is synchronised further.
func (f *Flows) RequestKey(ctx context.Context, call CallContext, account accounts.AccountInfo) (key.AnonymousParty, error) {
	var result key.AnonymousParty
	err := f.runner.Run(ctx, call, string(KeyIssuanceProtocol), "requester", func(ctx context.Context, u *Unit) error {
		start := time.Now()
		r := &keyRequest{status: RequestStart, account: account}
		l := u.log.With("account", account.Name, "id", account.ID, "host", account.Host.Name)

		mode := "remote"
		next := AwaitingRemoteKey
		if account.Host.Equal(f.self) {
			mode, next = "local", LocalMint
		}
		if err := r.to(next); err != nil {
			return err
		}

		var err error
		switch r.status {
		case LocalMint:
			err = f.mintLocally(r)
		case AwaitingRemoteKey:
			err = f.requestRemotely(ctx, r)
		}
		if err != nil {
			_ = r.to(RequestFailed)
			return err
		}
		if err := r.to(RequestDone); err != nil {
			return err
		}

		metrics.KeyIssuanceLatency.WithLabelValues(mode).Observe(time.Since(start).Seconds())
		l.Infow("key issued", "key", r.minted.Hash(), "mode", mode)
		result = key.AnonymousParty{Key: r.minted}
		return nil
	})
	return result, err
}

func (f *Flows) mintLocally(r *keyRequest) error {
	return f.store.Update(func(tx *keymap.Tx) error {
		k, err := f.ids.FreshKeyTx(tx, &r.account.ID)
		if err != nil {
			return err
		}
		r.minted = k
		return tx.BindAccount(k, r.account.ID)
	})
}

func (f *Flows) requestRemotely(ctx context.Context, r *keyRequest) error {
	host := r.account.Host
	s, err := f.transport.Open(ctx, KeyIssuanceProtocol, host.Name)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Send(ctx, &KeyRequest{AccountID: r.account.ID}); err != nil {
		return err
	}
	var resp KeyResponse
	if err := s.Receive(ctx, &resp); err != nil {
		return err
	}
	if !resp.Found {
		return &accounts.AccountNotFoundError{AccountID: r.account.ID, Host: host.Name}
	}
	if err := f.verifyIssuedKey(r.account, &resp); err != nil {
		return err
	}

	err = f.store.Update(func(tx *keymap.Tx) error {
		if err := f.ids.RegisterCertificateTx(tx, resp.Chain); err != nil {
			return err
		}
		return tx.BindAccount(resp.Chain.Key, r.account.ID)
	})
	if err != nil {
		return err
	}
	r.minted = resp.Chain.Key
	return nil
}

// verifyIssuedKey checks that the key was minted by the host of account and
// that the host holds its private half.
func (f *Flows) verifyIssuedKey(account accounts.AccountInfo, resp *KeyResponse) error {
	fail := func(reason string, args ...interface{}) error {
		return &accounts.IdentityVerificationError{
			AccountID: account.ID,
			Host:      account.Host.Name,
			Reason:    fmt.Sprintf(reason, args...),
		}
	}
	host := account.Host
	if resp.Chain == nil || resp.Assertion == nil {
		return fail("incomplete response")
	}
	if resp.Assertion.Name != host.Name {
		return fail("key asserted for %s", resp.Assertion.Name)
	}
	if !resp.Chain.Party.Equal(host) {
		return fail("key certified by %s", resp.Chain.Party.Name)
	}
	if known, ok := f.parties.PartyByName(host.Name); ok && !known.Key.Equal(host.Key) {
		return fail("host identity key does not match the directory")
	}
	if !resp.Assertion.OwningKey.Equal(resp.Chain.Key) {
		return fail("asserted key differs from certified key")
	}
	if err := resp.Assertion.Verify(resp.Signature); err != nil {
		return fail("invalid possession signature: %v", err)
	}
	if err := resp.Chain.Verify(); err != nil {
		return fail("%v", err)
	}
	return nil
}

type keyIssue struct {
	status  IssuerStatus
	request KeyRequest
	account *accounts.AccountInfo
}

func (i *keyIssue) to(next IssuerStatus) error {
	if !isValidIssuerChange(i.status, next) {
		return InvalidStateChange(i.status, next)
	}
	i.status = next
	return nil
}

// issueKey serves a key request from another party.
func (f *Flows) issueKey(ctx context.Context, u *Unit, s net.Session) error {
	i := &keyIssue{status: AwaitAccountID}
	for {
		var err error
		switch i.status {
		case AwaitAccountID:
			if err = s.Receive(ctx, &i.request); err == nil {
				err = i.to(Lookup)
			}
		case Lookup:
			err = f.lookupIssued(ctx, i)
		case RespondNotFound:
			u.log.Warnw("key requested for an account not hosted here", "id", i.request.AccountID)
			if err = s.Send(ctx, &KeyResponse{Found: false}); err == nil {
				err = i.to(IssueDone)
			}
		case MintAndAssert:
			if err = f.mintAndAssert(ctx, i, s); err == nil {
				u.log.Infow("key issued", "account", i.account.Name, "id", i.account.ID)
				err = i.to(IssueDone)
			}
		case IssueDone:
			return nil
		default:
			return InvalidStateChange(i.status, IssueDone)
		}
		if err != nil {
			_ = i.to(IssueFailed)
			return err
		}
	}
}

func (f *Flows) lookupIssued(ctx context.Context, i *keyIssue) error {
	account, err := f.registry.ByID(ctx, i.request.AccountID)
	if err != nil {
		return err
	}
	if account == nil || !account.Host.Equal(f.self) {
		return i.to(RespondNotFound)
	}
	i.account = account
	return i.to(MintAndAssert)
}

func (f *Flows) mintAndAssert(ctx context.Context, i *keyIssue, s net.Session) error {
	var k key.PublicKey
	err := f.store.Update(func(tx *keymap.Tx) error {
		var err error
		if k, err = f.ids.FreshKeyTx(tx, &i.account.ID); err != nil {
			return err
		}
		return tx.BindAccount(k, i.account.ID)
	})
	if err != nil {
		return err
	}

	assertion := &key.IdentityAssertion{Name: f.self.Name, OwningKey: k}
	payload, err := assertion.Payload()
	if err != nil {
		return err
	}
	sig, err := f.ids.Sign(ctx, payload, k)
	if err != nil {
		return err
	}
	chain, err := f.ids.CertificateFor(k)
	if err != nil {
		return err
	}
	return s.Send(ctx, &KeyResponse{Found: true, Chain: chain, Assertion: assertion, Signature: sig})
}
