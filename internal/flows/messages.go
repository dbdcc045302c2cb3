package flows

import (
	"github.com/google/uuid"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/internal/ledger"
	"github.com/ledgeraccounts/accounts/internal/net"
)

const (
	KeyIssuanceProtocol net.Protocol = "accounts/key-issuance/1"
	DisclosureProtocol  net.Protocol = "accounts/disclosure/1"
	SyncProtocol        net.Protocol = "accounts/sync/1"
)

// KeyRequest asks the host of an account for a fresh key.
type KeyRequest struct {
	AccountID uuid.UUID
}

// KeyResponse carries the key minted by the host, or Found=false.
type KeyResponse struct {
	Found     bool
	Chain     *key.CertificateChain
	Assertion *key.IdentityAssertion
	Signature []byte
}

// Offer announces the transaction about to be transferred.
type Offer struct {
	TxID ledger.TxID
}

// OfferReply tells the sender whether the transaction is already known.
type OfferReply struct {
	Known bool
}

// Transfer carries a finalized transaction.
type Transfer struct {
	Tx *ledger.SignedTransaction
}

// RefusalKind tells the sender which error a refusal stands for.
type RefusalKind uint8

const (
	RefusedOther RefusalKind = iota
	RefusedRebinding
	RefusedAccountNotFound
	RefusedIdentityVerification
)

// Ack closes a transfer or a whole synchronisation. A refusal carries enough
// of the receiver's error for the sender to rebuild it.
type Ack struct {
	OK        bool
	Reason    string
	Kind      RefusalKind
	Account   uuid.UUID
	Host      key.PartyName
	Key       []byte
	Existing  string
	Attempted string
	Detail    string
}

// SyncHeader opens a synchronisation: Count participants follow, each as an
// account transfer and a binding, then the record. Index is the position of
// the synchronised state in the record.
type SyncHeader struct {
	Count uint32
	Index uint32
	Grant *uuid.UUID
}

// Binding states that Key belongs to Party.
type Binding struct {
	Key   key.PublicKey
	Party key.Party
}
