package core

import "time"

const (
	// DefaultPrivateListen is where the session listener binds.
	DefaultPrivateListen = "0.0.0.0:4454"
	// DefaultControlListen is where the control API binds.
	DefaultControlListen = "127.0.0.1:8888"
	// DefaultSessionTimeout bounds every receive on a protocol session.
	DefaultSessionTimeout = 30 * time.Second
	// DefaultDBFolder holds the key-mapping store.
	DefaultDBFolder = "db"
	// DefaultLedgerFolder holds the vault.
	DefaultLedgerFolder = "ledger"
)
