// Package accounts is the registry of virtual accounts: named sub-identities
// hosted by exactly one party and recorded on the ledger by their host.
package accounts

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/internal/codec"
	"github.com/ledgeraccounts/accounts/internal/ledger"
)

// Contract is the contract name of account records on the ledger.
const Contract = "accounts.AccountInfo"

// AccountInfo describes an account. It is immutable once recorded.
type AccountInfo struct {
	Name       string
	Host       key.Party
	ID         uuid.UUID
	ExternalID *string `json:",omitempty"`
}

func (a AccountInfo) String() string {
	return fmt.Sprintf("%s@%s (%s)", a.Name, a.Host.Name, a.ID)
}

var stateCodec = codec.New()

// State is the ledger output recording a. The host identity key is its only
// participant.
func (a AccountInfo) State() (ledger.State, error) {
	data, err := stateCodec.Encode(a)
	if err != nil {
		return ledger.State{}, err
	}
	return ledger.State{
		Contract:     Contract,
		Participants: []key.PublicKey{a.Host.Key},
		Data:         data,
	}, nil
}

// FromState decodes an account record.
func FromState(s ledger.State) (AccountInfo, error) {
	var a AccountInfo
	if s.Contract != Contract {
		return a, fmt.Errorf("state of contract %q is not an account", s.Contract)
	}
	if err := stateCodec.Decode(s.Data, &a); err != nil {
		return a, fmt.Errorf("could not decode account: %w", err)
	}
	return a, nil
}

// FromTransaction extracts the single account record created by stx.
func FromTransaction(stx *ledger.SignedTransaction) (AccountInfo, ledger.StateRef, error) {
	var (
		found []int
		info  AccountInfo
	)
	for i, out := range stx.Tx.Outputs {
		if out.Contract == Contract {
			found = append(found, i)
		}
	}
	if len(found) != 1 {
		return info, ledger.StateRef{}, fmt.Errorf("transaction %s has %d account outputs, expected one", stx.ID(), len(found))
	}
	info, err := FromState(stx.Tx.Outputs[found[0]])
	return info, stx.OutRef(found[0]), err
}

// Record is an account with the position of its record on the ledger.
type Record struct {
	Info AccountInfo
	Ref  ledger.StateRef
}
