package flows

import (
	"context"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/internal/accounts"
	"github.com/ledgeraccounts/accounts/internal/ledger"
	"github.com/ledgeraccounts/accounts/internal/net"
)

// DiscloseAccount sends the record of the account to every recipient. A
// recipient failing does not stop the others; all failures are returned
// together.
func (f *Flows) DiscloseAccount(ctx context.Context, call CallContext, id uuid.UUID, recipients ...key.PartyName) error {
	return f.runner.Run(ctx, call, string(DisclosureProtocol), "sender", func(ctx context.Context, u *Unit) error {
		stx, rec, err := f.registry.Proof(ctx, id)
		if err != nil {
			return err
		}
		l := u.log.With("account", rec.Info.Name, "id", id)

		var errs error
		for _, to := range recipients {
			if to == f.self.Name {
				continue
			}
			if err := f.disclose(ctx, to, stx); err != nil {
				l.Warnw("disclosure failed", "to", to, "err", err)
				errs = multierror.Append(errs, err)
				continue
			}
			l.Debugw("account disclosed", "to", to)
		}
		return errs
	})
}

func (f *Flows) disclose(ctx context.Context, to key.PartyName, stx *ledger.SignedTransaction) error {
	s, err := f.transport.Open(ctx, DisclosureProtocol, to)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := sendTransaction(ctx, s, stx); err != nil {
		return err
	}
	return awaitAck(ctx, s)
}

// receiveDisclosure records a disclosed account, whether or not this node
// participates in its record.
func (f *Flows) receiveDisclosure(ctx context.Context, u *Unit, s net.Session) error {
	stx, known, err := receiveTransaction(ctx, f.ledger, s)
	if err != nil {
		return err
	}
	info, _, err := accounts.FromTransaction(stx)
	if err != nil {
		return ack(ctx, s, err)
	}
	// a known transaction may have been recorded with a narrower visibility
	err = f.ledger.Record(ctx, ledger.AllVisible, stx)
	u.log.Debugw("account received", "account", info.Name, "id", info.ID, "host", info.Host.Name, "known", known)
	return ack(ctx, s, err)
}
