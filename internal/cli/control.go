package cli

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/internal/http"
	"github.com/ledgeraccounts/accounts/internal/ledger"
)

const refreshRate = 100 * time.Millisecond

func controlClient(c *cli.Context) *http.Client {
	return http.NewClient(c.String(controlFlag.Name))
}

// waitOn shows a spinner on the error stream while fn talks to other
// parties.
func waitOn(c *cli.Context, what string, fn func() error) error {
	s := spinner.New(spinner.CharSets[9], refreshRate, spinner.WithWriter(c.App.ErrWriter))
	s.Suffix = "  " + what
	s.Start()
	err := fn()
	s.Stop()
	return err
}

func parseAccountID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return id, fmt.Errorf("invalid account id %q: %w", s, err)
	}
	return id, nil
}

func showIdentityCmd(c *cli.Context) error {
	id, err := controlClient(c).Identity(c.Context)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, id)
}

func createAccountCmd(c *cli.Context) error {
	req := http.CreateAccountRequest{Name: c.Args().First()}
	if c.IsSet(externalIDFlag.Name) {
		ext := c.String(externalIDFlag.Name)
		req.ExternalID = &ext
	}
	if c.IsSet(idFlag.Name) {
		id, err := parseAccountID(c.String(idFlag.Name))
		if err != nil {
			return err
		}
		req.ID = &id
	}
	info, err := controlClient(c).CreateAccount(c.Context, req)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, info)
}

func listAccountsCmd(c *cli.Context) error {
	list, err := controlClient(c).Accounts(c.Context, c.String(scopeFlag.Name), key.PartyName(c.String(hostFlag.Name)))
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, list)
}

func accountInfoCmd(c *cli.Context) error {
	client := controlClient(c)
	arg := c.Args().First()
	switch {
	case c.Bool(byNameFlag.Name):
		list, err := client.AccountsByName(c.Context, arg)
		if err != nil {
			return err
		}
		return printJSON(c.App.Writer, list)
	case c.Bool(byKeyFlag.Name):
		k, err := key.ParsePublicKey(arg)
		if err != nil {
			return err
		}
		info, err := client.AccountByKey(c.Context, k)
		if err != nil {
			return err
		}
		return printJSON(c.App.Writer, info)
	}
	id, err := parseAccountID(arg)
	if err != nil {
		return err
	}
	info, err := client.Account(c.Context, id)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, info)
}

func requestKeyCmd(c *cli.Context) error {
	id, err := parseAccountID(c.Args().First())
	if err != nil {
		return err
	}
	var k key.PublicKey
	err = waitOn(c, "requesting a key from the host", func() (rerr error) {
		k, rerr = controlClient(c).RequestKey(c.Context, id)
		return rerr
	})
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, http.KeyJSON{Key: k})
}

func shareAccountCmd(c *cli.Context) error {
	id, err := parseAccountID(c.Args().First())
	if err != nil {
		return err
	}
	var recipients []key.PartyName
	for _, p := range c.Args().Tail() {
		recipients = append(recipients, key.PartyName(p))
	}
	err = waitOn(c, "disclosing the account", func() error {
		return controlClient(c).ShareAccount(c.Context, id, recipients...)
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.App.Writer, "account %s shared with %v\n", id, recipients)
	return err
}

func issueStateCmd(c *cli.Context) error {
	req := http.IssueRequest{Contract: c.String(contractFlag.Name)}
	if c.IsSet(dataFlag.Name) {
		data, err := hex.DecodeString(c.String(dataFlag.Name))
		if err != nil {
			return fmt.Errorf("invalid data: %w", err)
		}
		req.Data = data
	}
	for _, p := range c.StringSlice(participantFlag.Name) {
		k, err := key.ParsePublicKey(p)
		if err != nil {
			return err
		}
		req.Participants = append(req.Participants, k)
	}
	state, err := controlClient(c).IssueState(c.Context, req)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, state)
}

func syncStateCmd(c *cli.Context) error {
	ref, err := ledger.ParseStateRef(c.Args().First())
	if err != nil {
		return err
	}
	var req http.SyncRequest
	switch ids := c.StringSlice(accountFlag.Name); {
	case len(ids) == 1:
		id, err := parseAccountID(ids[0])
		if err != nil {
			return err
		}
		req.Account = &id
	case len(ids) > 1:
		return fmt.Errorf("a state is shared with one account at a time")
	case c.IsSet(toFlag.Name):
		req.To = key.PartyName(c.String(toFlag.Name))
	default:
		return fmt.Errorf("sync needs --%s or --%s", toFlag.Name, accountFlag.Name)
	}

	err = waitOn(c, "synchronising the state", func() error {
		return controlClient(c).SyncState(c.Context, ref, req)
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.App.Writer, "state %s synchronised\n", ref)
	return err
}

func listStatesCmd(c *cli.Context) error {
	var ids []uuid.UUID
	for _, s := range c.StringSlice(accountFlag.Name) {
		id, err := parseAccountID(s)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	states, err := controlClient(c).States(c.Context, ids...)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, states)
}
