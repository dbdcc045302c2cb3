package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/internal/codec"
)

// TxID identifies a transaction: the blake2b-256 digest of its canonical
// encoding.
type TxID [blake2b.Size256]byte

func (id TxID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseTxID decodes a hex transaction id.
func ParseTxID(s string) (TxID, error) {
	var id TxID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid transaction id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid transaction id length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// StateRef points at one output of a transaction.
type StateRef struct {
	TxID  TxID
	Index uint32
}

func (r StateRef) String() string {
	return r.TxID.String() + ":" + strconv.FormatUint(uint64(r.Index), 10)
}

// ParseStateRef decodes the "txid:index" form produced by String.
func ParseStateRef(s string) (StateRef, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return StateRef{}, fmt.Errorf("invalid state reference %q", s)
	}
	id, err := ParseTxID(parts[0])
	if err != nil {
		return StateRef{}, err
	}
	idx, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return StateRef{}, fmt.Errorf("invalid state index: %w", err)
	}
	return StateRef{TxID: id, Index: uint32(idx)}, nil
}

// State is an output of a transaction. Data is opaque to the ledger; Contract
// names the type that knows how to read it.
type State struct {
	Contract     string
	Participants []key.PublicKey
	Data         []byte
}

// HasParticipant reports whether k is one of the participants.
func (s *State) HasParticipant(k key.PublicKey) bool {
	for _, p := range s.Participants {
		if p.Equal(k) {
			return true
		}
	}
	return false
}

// StateAndRef is a state together with its position on the ledger.
type StateAndRef struct {
	State State
	Ref   StateRef
}

// Transaction consumes Inputs and creates Outputs. Every key in Signers must
// sign its id for the transaction to be final.
type Transaction struct {
	Inputs  []StateRef
	Outputs []State
	Signers []key.PublicKey
	Nonce   []byte
}

// Signature is one signer's signature over the transaction id.
type Signature struct {
	By    key.PublicKey
	Bytes []byte
}

// SignedTransaction is a finalized record: the transaction and all of its
// required signatures. It is the proof handed to other parties.
type SignedTransaction struct {
	Tx         Transaction
	Signatures []Signature
}

var idCodec = codec.New()

// ID computes the id of the transaction.
func (tx *Transaction) ID() (TxID, error) {
	data, err := idCodec.Encode(tx)
	if err != nil {
		return TxID{}, err
	}
	return blake2b.Sum256(data), nil
}

// ID is the id of the inner transaction. A transaction that cannot be encoded
// is never built, so failures are reported as the zero id.
func (s *SignedTransaction) ID() TxID {
	id, err := s.Tx.ID()
	if err != nil {
		return TxID{}
	}
	return id
}

// OutRef returns the reference of the i-th output.
func (s *SignedTransaction) OutRef(i int) StateRef {
	return StateRef{TxID: s.ID(), Index: uint32(i)}
}

// Out returns the i-th output with its reference.
func (s *SignedTransaction) Out(i int) StateAndRef {
	return StateAndRef{State: s.Tx.Outputs[i], Ref: s.OutRef(i)}
}

var (
	ErrMissingSignature = errors.New("transaction is missing a required signature")
	ErrInvalidSignature = errors.New("transaction carries an invalid signature")
	ErrNoSigners        = errors.New("transaction has no signers")
)

// Verify checks that every required signer signed the transaction id.
func (s *SignedTransaction) Verify() error {
	if len(s.Tx.Signers) == 0 {
		return ErrNoSigners
	}
	id, err := s.Tx.ID()
	if err != nil {
		return err
	}
	for _, signer := range s.Tx.Signers {
		sig := s.signatureBy(signer)
		if sig == nil {
			return fmt.Errorf("%w: %s", ErrMissingSignature, signer.Hash())
		}
		if err := key.Verify(signer, id[:], sig); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSignature, signer.Hash(), err)
		}
	}
	return nil
}

func (s *SignedTransaction) signatureBy(k key.PublicKey) []byte {
	for _, sig := range s.Signatures {
		if sig.By.Equal(k) {
			return sig.Bytes
		}
	}
	return nil
}
