package core

import (
	"errors"
	"fmt"
	gonet "net"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/common/log"
	"github.com/ledgeraccounts/accounts/internal/accounts"
	"github.com/ledgeraccounts/accounts/internal/flows"
	"github.com/ledgeraccounts/accounts/internal/fs"
	"github.com/ledgeraccounts/accounts/internal/identity"
	"github.com/ledgeraccounts/accounts/internal/keymap"
	"github.com/ledgeraccounts/accounts/internal/ledger"
	"github.com/ledgeraccounts/accounts/internal/metrics"
	"github.com/ledgeraccounts/accounts/internal/net"
)

// transport is what the node needs from either session transport.
type transport interface {
	net.Transport
	Stop()
}

// Node is a running participant: its stores, its session transport and the
// account protocols wired on top of them.
type Node struct {
	sync.Mutex
	conf      *Config
	identity  *key.Node
	dir       *net.Directory
	store     *keymap.Store
	vault     *ledger.Vault
	ids       *identity.Service
	registry  *accounts.Registry
	transport transport
	grpc      *net.GRPCTransport
	flows     *flows.Flows
	service   *AccountService
	started   bool
	stopped   bool
	closed    bool
	log       log.Logger
}

// LoadOrCreateIdentity loads the identity saved under folder, or creates one
// for name and saves it.
func LoadOrCreateIdentity(folder string, name key.PartyName, addr string) (*key.Node, error) {
	ks, err := key.NewFileStore(folder)
	if err != nil {
		return nil, err
	}
	n, err := ks.LoadNode()
	if err == nil {
		if name != "" && n.Public.Name != name {
			return nil, fmt.Errorf("folder %s holds the identity of %s, not %s", folder, n.Public.Name, name)
		}
		if addr != "" && n.Public.Addr != addr {
			n.Public.Addr = addr
			if err := n.SelfSign(); err != nil {
				return nil, err
			}
		}
		return n, nil
	}
	if !errors.Is(err, key.ErrAbsent) {
		return nil, err
	}
	if n, err = key.NewNode(name, addr); err != nil {
		return nil, err
	}
	return n, ks.SaveNode(n)
}

// NewNode opens the stores of the node and wires the protocols. Nothing
// listens before Start.
func NewNode(id *key.Node, c *Config) (*Node, error) {
	l := c.Logger().With("party", id.Public.Name)
	n := &Node{conf: c, identity: id, log: l.Named("node")}

	if err := fs.CreateSecureFolder(c.Folder()); err != nil {
		return nil, err
	}
	n.dir = net.NewDirectory(id.Public)
	for _, p := range c.peers {
		n.dir.Add(p.Party, p.Address)
	}

	var err error
	if n.store, err = keymap.Open(c.DBFolder(), c.boltOpts, l); err != nil {
		return nil, err
	}
	if n.ids, err = identity.New(id, n.store, n.dir, l); err != nil {
		return nil, multierror.Append(err, n.store.Close())
	}
	if n.vault, err = ledger.Open(c.LedgerFolder(), n.ids, l); err != nil {
		return nil, multierror.Append(err, n.store.Close())
	}
	n.registry = accounts.NewRegistry(n.vault, id.Party(), n.store, n.ids, l)

	if c.memory != nil {
		n.transport = &memoryTransport{MemoryTransport: c.memory.Join(id.Party()), network: c.memory, name: id.Public.Name}
	} else {
		n.grpc = net.NewGRPCTransport(id, n.dir, c.SessionTimeout(), l, c.grpcOpts...)
		n.transport = n.grpc
		if err := setupTLS(n.grpc, c); err != nil {
			return nil, multierror.Append(err, n.vault.Close(), n.store.Close())
		}
	}

	n.flows = flows.New(flows.Config{
		Ledger:     n.vault,
		Transport:  n.transport,
		Identities: n.ids,
		Store:      n.store,
		Registry:   n.registry,
		Parties:    n.dir,
		Log:        l,
	})
	n.service = NewAccountService(id.Party(), n.vault, n.store, n.registry, n.flows, l)
	return n, nil
}

// Start registers the protocol responders and binds the session listener. A
// stopped node cannot start again.
func (n *Node) Start() error {
	n.Lock()
	defer n.Unlock()
	if n.stopped {
		return errors.New("node is stopped")
	}
	if n.started {
		return nil
	}
	metrics.Bind(n.log)
	n.flows.Register()
	if n.grpc != nil {
		if err := n.grpc.Listen(n.conf.PrivateListen()); err != nil {
			return err
		}
	}
	n.started = true
	n.log.Infow("node started", "addr", n.Address(), "peers", len(n.dir.Peers())-1)
	return nil
}

// Stop closes the session transport. Sessions in flight fail.
func (n *Node) Stop() {
	n.Lock()
	defer n.Unlock()
	if n.stopped {
		return
	}
	n.stopped = true
	n.transport.Stop()
	n.log.Infow("node stopped")
}

// Close stops the node and closes its stores. Every error is returned.
func (n *Node) Close() error {
	n.Stop()
	n.Lock()
	defer n.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true

	var errs error
	if err := n.vault.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing vault: %w", err))
	}
	if err := n.store.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing key-mapping store: %w", err))
	}
	return errs
}

// Service is the account service of the node.
func (n *Node) Service() *AccountService {
	return n.service
}

// Identity is the public identity of the node.
func (n *Node) Identity() *key.Identity {
	return n.identity.Public
}

// Party is the well-known party of the node.
func (n *Node) Party() key.Party {
	return n.identity.Party()
}

// Runner starts the units of work of the node.
func (n *Node) Runner() *flows.Runner {
	return n.flows.Runner()
}

// Directory lists the parties this node knows.
func (n *Node) Directory() *net.Directory {
	return n.dir
}

// Address is the bound address of the session listener, or the configured
// one before Start.
func (n *Node) Address() string {
	if n.grpc != nil {
		if addr := n.grpc.Addr(); addr != "" {
			return addr
		}
	}
	return n.identity.Public.Addr
}

// AddPeer makes a party known to the node.
func (n *Node) AddPeer(p key.Party, address string) {
	n.dir.Add(p, address)
}

// memoryTransport leaves the network when the node stops.
type memoryTransport struct {
	*net.MemoryTransport
	network *net.MemoryNetwork
	name    key.PartyName
}

func (m *memoryTransport) Stop() {
	m.network.Leave(m.name)
	m.Wait()
}

func setupTLS(t *net.GRPCTransport, c *Config) error {
	certPath, keyPath := c.TLS()
	if certPath == "" {
		return nil
	}
	host, _, err := gonet.SplitHostPort(c.PrivateListen())
	if err != nil {
		return fmt.Errorf("tls host of %s: %w", c.PrivateListen(), err)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	if err := net.EnsureSelfSigned(certPath, keyPath, host); err != nil {
		return fmt.Errorf("tls certificate: %w", err)
	}
	certs := net.NewCertManager()
	for _, p := range append([]string{certPath}, c.trustedCerts...) {
		if err := certs.Add(p); err != nil {
			return err
		}
	}
	t.EnableTLS(certPath, keyPath, certs)
	return nil
}
