package ledger

// Key prefixes of the vault.
const (
	PrefixTransaction = 1 // txid -> signed transaction
	PrefixState       = 2 // contract hash, txid, index -> state
	PrefixConsumed    = 3 // txid, index -> id of the consuming transaction
)
