package flows

import (
	"context"

	"github.com/google/uuid"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/common/log"
	"github.com/ledgeraccounts/accounts/internal/accounts"
	"github.com/ledgeraccounts/accounts/internal/keymap"
	"github.com/ledgeraccounts/accounts/internal/ledger"
	"github.com/ledgeraccounts/accounts/internal/net"
)

// Identities is the key management and identity resolution the protocols
// rely on.
type Identities interface {
	Self() key.Party
	FreshKeyTx(tx *keymap.Tx, external *uuid.UUID) (key.PublicKey, error)
	Sign(ctx context.Context, data []byte, k key.PublicKey) ([]byte, error)
	CertificateFor(k key.PublicKey) (*key.CertificateChain, error)
	WellKnownParty(k key.PublicKey) (*key.Party, error)
	CheckKeyTx(tx *keymap.Tx, k key.PublicKey, party key.Party) error
	RegisterKeyTx(tx *keymap.Tx, k key.PublicKey, party key.Party, external *uuid.UUID) error
	RegisterCertificateTx(tx *keymap.Tx, chain *key.CertificateChain) error
}

// Parties resolves well-known party names.
type Parties interface {
	PartyByName(name key.PartyName) (key.Party, bool)
}

// Config holds the collaborators of the protocols.
type Config struct {
	Ledger     ledger.Ledger
	Transport  net.Transport
	Identities Identities
	Store      *keymap.Store
	Registry   *accounts.Registry
	Parties    Parties
	Log        log.Logger
}

// Flows runs the account protocols of one node.
type Flows struct {
	self      key.Party
	ledger    ledger.Ledger
	transport net.Transport
	ids       Identities
	store     *keymap.Store
	registry  *accounts.Registry
	parties   Parties
	runner    *Runner
	log       log.Logger
}

// New returns the protocols of the node described by c.
func New(c Config) *Flows {
	return &Flows{
		self:      c.Identities.Self(),
		ledger:    c.Ledger,
		transport: c.Transport,
		ids:       c.Identities,
		store:     c.Store,
		registry:  c.Registry,
		parties:   c.Parties,
		runner:    NewRunner(c.Log),
		log:       c.Log.Named("flows"),
	}
}

// Register installs the responders of every protocol on the transport.
func (f *Flows) Register() {
	f.transport.Handle(KeyIssuanceProtocol, f.respond(KeyIssuanceProtocol, f.issueKey))
	f.transport.Handle(DisclosureProtocol, f.respond(DisclosureProtocol, f.receiveDisclosure))
	f.transport.Handle(SyncProtocol, f.respond(SyncProtocol, f.receiveSync))
}

func (f *Flows) respond(protocol net.Protocol, serve func(context.Context, *Unit, net.Session) error) net.Responder {
	return func(ctx context.Context, s net.Session) error {
		return f.runner.Run(ctx, Fresh(), string(protocol), "responder", func(ctx context.Context, u *Unit) error {
			u.log = u.log.With("counterparty", s.Counterparty().Name)
			return serve(ctx, u, s)
		})
	}
}

// Runner returns the runner starting the units of this node.
func (f *Flows) Runner() *Runner {
	return f.runner
}
