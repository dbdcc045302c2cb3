package accounts

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/internal/ledger"
)

// DuplicateNameError is returned when the host already has an account with
// that name.
type DuplicateNameError struct {
	Name string
	Host key.PartyName
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("account %q already exists on host %s", e.Name, e.Host)
}

// DuplicateIDError is returned when an account with that id is already known.
type DuplicateIDError struct {
	ID uuid.UUID
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("an account with id %s already exists", e.ID)
}

// AccountNotFoundError is returned when the host of an account does not know
// it. Someone has to contact the host to sort it out.
type AccountNotFoundError struct {
	AccountID uuid.UUID
	Host      key.PartyName
}

func (e *AccountNotFoundError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("account %s is not known locally", e.AccountID)
	}
	return fmt.Sprintf("account %s is not known by host %s", e.AccountID, e.Host)
}

// IdentityVerificationError is returned when the proof that a key belongs to
// the host of an account does not hold.
type IdentityVerificationError struct {
	AccountID uuid.UUID
	Host      key.PartyName
	Reason    string
}

func (e *IdentityVerificationError) Error() string {
	return fmt.Sprintf("could not verify key issued by %s for account %s: %s", e.Host, e.AccountID, e.Reason)
}

// MissingLedgerProofError is returned when asked to share a record this node
// does not hold.
type MissingLedgerProofError struct {
	Ref       ledger.StateRef
	AccountID *uuid.UUID
}

func (e *MissingLedgerProofError) Error() string {
	if e.AccountID != nil {
		return fmt.Sprintf("no ledger proof for account %s (record %s)", e.AccountID, e.Ref)
	}
	return fmt.Sprintf("no ledger proof for record %s", e.Ref)
}
