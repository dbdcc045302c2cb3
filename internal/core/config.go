package core

import (
	"path"
	"time"

	bolt "go.etcd.io/bbolt"
	"google.golang.org/grpc"

	"github.com/ledgeraccounts/accounts/common/log"
	"github.com/ledgeraccounts/accounts/internal/fs"
	"github.com/ledgeraccounts/accounts/internal/net"
)

// ConfigOption is a function that applies a specific setting to a Config.
type ConfigOption func(*Config)

// Config holds all relevant information for a node to run.
type Config struct {
	folder         string
	privateListen  string
	controlListen  string
	sessionTimeout time.Duration
	boltOpts       *bolt.Options
	memoryLedger   bool
	grpcOpts       []grpc.DialOption
	tlsCert        string
	tlsKey         string
	trustedCerts   []string
	peers          []net.Peer
	memory         *net.MemoryNetwork
	logger         log.Logger
}

// NewConfig returns the config with the default options set and the updated
// values given by the options.
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{
		folder:         fs.DefaultFolder(),
		privateListen:  DefaultPrivateListen,
		controlListen:  DefaultControlListen,
		sessionTimeout: DefaultSessionTimeout,
		logger:         log.DefaultLogger(),
	}
	for i := range opts {
		opts[i](c)
	}
	return c
}

// Folder returns the folder under which the node stores everything.
func (c *Config) Folder() string {
	return c.folder
}

// DBFolder returns the folder of the key-mapping store.
func (c *Config) DBFolder() string {
	return path.Join(c.folder, DefaultDBFolder)
}

// LedgerFolder returns the folder of the vault, empty when it lives in
// memory.
func (c *Config) LedgerFolder() string {
	if c.memoryLedger {
		return ""
	}
	return path.Join(c.folder, DefaultLedgerFolder)
}

// PrivateListen returns the address of the session listener.
func (c *Config) PrivateListen() string {
	return c.privateListen
}

// ControlListen returns the address of the control API.
func (c *Config) ControlListen() string {
	return c.controlListen
}

// SessionTimeout returns how long a session waits for the next message.
func (c *Config) SessionTimeout() time.Duration {
	return c.sessionTimeout
}

// Logger returns the logger associated with this config.
func (c *Config) Logger() log.Logger {
	return c.logger
}

// WithConfigFolder sets the folder of the node.
func WithConfigFolder(folder string) ConfigOption {
	return func(c *Config) {
		c.folder = folder
	}
}

// WithPrivateListenAddress sets the address the session listener binds.
func WithPrivateListenAddress(addr string) ConfigOption {
	return func(c *Config) {
		c.privateListen = addr
	}
}

// WithControlListenAddress sets the address the control API binds.
func WithControlListenAddress(addr string) ConfigOption {
	return func(c *Config) {
		c.controlListen = addr
	}
}

// WithSessionTimeout sets how long a session waits for the next message.
func WithSessionTimeout(t time.Duration) ConfigOption {
	return func(c *Config) {
		c.sessionTimeout = t
	}
}

// WithBoltOptions applies bolt specific options to the key-mapping store.
func WithBoltOptions(opts *bolt.Options) ConfigOption {
	return func(c *Config) {
		c.boltOpts = opts
	}
}

// WithInMemoryLedger keeps the vault in memory.
func WithInMemoryLedger() ConfigOption {
	return func(c *Config) {
		c.memoryLedger = true
	}
}

// WithGrpcOptions applies grpc dialling options used when the node opens a
// session.
func WithGrpcOptions(opts ...grpc.DialOption) ConfigOption {
	return func(c *Config) {
		c.grpcOpts = opts
	}
}

// WithTLS serves the session listener over TLS with the certificate and key
// at the given paths. A self-signed pair is generated when none is there.
func WithTLS(certPath, keyPath string) ConfigOption {
	return func(c *Config) {
		c.tlsCert, c.tlsKey = certPath, keyPath
	}
}

// WithTrustedCerts adds the certificates of peers the node accepts when it
// dials them over TLS.
func WithTrustedCerts(certPaths ...string) ConfigOption {
	return func(c *Config) {
		c.trustedCerts = append(c.trustedCerts, certPaths...)
	}
}

// TLS returns the certificate and key paths of the session listener, empty
// when sessions run in plaintext.
func (c *Config) TLS() (certPath, keyPath string) {
	return c.tlsCert, c.tlsKey
}

// WithPeers adds well-known parties to the directory of the node.
func WithPeers(peers ...net.Peer) ConfigOption {
	return func(c *Config) {
		c.peers = append(c.peers, peers...)
	}
}

// WithMemoryNetwork runs sessions over m instead of gRPC.
func WithMemoryNetwork(m *net.MemoryNetwork) ConfigOption {
	return func(c *Config) {
		c.memory = m
	}
}

// WithLogger sets the logger of the node.
func WithLogger(l log.Logger) ConfigOption {
	return func(c *Config) {
		c.logger = l
	}
}

// WithLogLevel sets the logging verbosity to the given level.
func WithLogLevel(level int, jsonFormat bool) ConfigOption {
	return func(c *Config) {
		c.logger = log.New(nil, level, jsonFormat)
	}
}
