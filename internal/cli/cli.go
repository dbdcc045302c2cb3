// Package cli is the command line of an accounts node: it runs the node and
// drives a running one through its control API.
package cli

import (
	"fmt"
	"io"
	"sync"

	json "github.com/nikkolasg/hexjson"
	"github.com/urfave/cli/v2"

	"github.com/ledgeraccounts/accounts/common/log"
	"github.com/ledgeraccounts/accounts/internal/core"
	"github.com/ledgeraccounts/accounts/internal/fs"
)

// Automatically set through -ldflags
var (
	version   = "dev"
	gitCommit = "none"
	buildDate = "unknown"
)

var setVersionPrinter sync.Once

func banner(w io.Writer) {
	_, _ = fmt.Fprintf(w, "accounts %s (date %v, commit %v)\n", version, buildDate, gitCommit)
}

var configFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "TOML configuration file of the node. Flags override its values.",
	EnvVars: []string{"ACCOUNTS_CONFIG"},
}

var folderFlag = &cli.StringFlag{
	Name:    "folder",
	Value:   fs.DefaultFolder(),
	Usage:   "Folder keeping the identity and the stores of the node, with absolute path.",
	EnvVars: []string{"ACCOUNTS_FOLDER"},
}

var nameFlag = &cli.StringFlag{
	Name:    "name",
	Usage:   "Well-known name of the node. Required the first time the node starts.",
	EnvVars: []string{"ACCOUNTS_NAME"},
}

var privListenFlag = &cli.StringFlag{
	Name:    "private-listen",
	Usage:   "Listening address of the session transport other nodes connect to.",
	EnvVars: []string{"ACCOUNTS_PRIVATE_LISTEN"},
}

var controlFlag = &cli.StringFlag{
	Name:    "control",
	Usage:   "Address of the control API.",
	Value:   core.DefaultControlListen,
	EnvVars: []string{"ACCOUNTS_CONTROL"},
}

var timeoutFlag = &cli.DurationFlag{
	Name:    "session-timeout",
	Usage:   "How long a session waits for the next message.",
	Value:   core.DefaultSessionTimeout,
	EnvVars: []string{"ACCOUNTS_SESSION_TIMEOUT"},
}

var verboseFlag = &cli.BoolFlag{
	Name:    "verbose",
	Usage:   "If set, verbosity is at the debug level",
	EnvVars: []string{"ACCOUNTS_VERBOSE"},
}

var jsonFlag = &cli.BoolFlag{
	Name:    "json",
	Usage:   "Log in JSON.",
	EnvVars: []string{"ACCOUNTS_JSON"},
}

var accessLogFlag = &cli.StringFlag{
	Name:    "access-log",
	Usage:   "File receiving the access log of the control API, in combined log format. Use - for stdout.",
	EnvVars: []string{"ACCOUNTS_ACCESS_LOG"},
}

var tlsCertFlag = &cli.StringFlag{
	Name:    "tls-cert",
	Usage:   "Certificate of the session listener. Sessions run over TLS when set; a self-signed pair is generated if missing.",
	EnvVars: []string{"ACCOUNTS_TLS_CERT"},
}

var tlsKeyFlag = &cli.StringFlag{
	Name:    "tls-key",
	Usage:   "Private key matching --tls-cert.",
	EnvVars: []string{"ACCOUNTS_TLS_KEY"},
}

var trustedCertFlag = &cli.StringSliceFlag{
	Name:  "trusted-cert",
	Usage: "Certificate of a peer to trust when dialling it over TLS. Can be repeated.",
}

var externalIDFlag = &cli.StringFlag{
	Name:  "external-id",
	Usage: "External identifier attached to the account.",
}

var idFlag = &cli.StringFlag{
	Name:  "id",
	Usage: "Identifier of the account, generated when empty.",
}

var scopeFlag = &cli.StringFlag{
	Name:  "scope",
	Usage: "Which accounts to list: mine or all.",
	Value: "all",
}

var hostFlag = &cli.StringFlag{
	Name:  "host",
	Usage: "Only list the accounts of this host.",
}

var byNameFlag = &cli.BoolFlag{
	Name:  "by-name",
	Usage: "Look the argument up as an account name.",
}

var byKeyFlag = &cli.BoolFlag{
	Name:  "by-key",
	Usage: "Look the argument up as a hex encoded key.",
}

var contractFlag = &cli.StringFlag{
	Name:     "contract",
	Usage:    "Contract name of the state.",
	Required: true,
}

var dataFlag = &cli.StringFlag{
	Name:  "data",
	Usage: "Hex encoded payload of the state.",
}

var participantFlag = &cli.StringSliceFlag{
	Name:  "participant",
	Usage: "Hex encoded participant key. Repeat for several.",
}

var toFlag = &cli.StringFlag{
	Name:  "to",
	Usage: "Party receiving the state and the accounts of its participants.",
}

var accountFlag = &cli.StringSliceFlag{
	Name:  "account",
	Usage: "Account id. Repeat for several.",
}

var appCommands = []*cli.Command{
	{
		Name:  "start",
		Usage: "Start the node.",
		Flags: toArray(configFlag, folderFlag, nameFlag, privListenFlag, controlFlag,
			timeoutFlag, verboseFlag, jsonFlag, accessLogFlag, tlsCertFlag, tlsKeyFlag, trustedCertFlag),
		Action: func(c *cli.Context) error {
			banner(c.App.Writer)
			l := log.New(nil, logLevel(c), c.Bool(jsonFlag.Name)).Named("startCmd")
			return startCmd(c, l)
		},
	},
	{
		Name:  "identity",
		Usage: "Identity of the node.",
		Subcommands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "Print the identity of the running node.",
				Flags:  toArray(controlFlag),
				Action: showIdentityCmd,
			},
		},
	},
	{
		Name:  "account",
		Usage: "Manage accounts.",
		Subcommands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Create an account hosted by the node.",
				ArgsUsage: "<name>",
				Flags:     toArray(controlFlag, externalIDFlag, idFlag),
				Before:    checkArgs(1),
				Action:    createAccountCmd,
			},
			{
				Name:   "list",
				Usage:  "List the known accounts.",
				Flags:  toArray(controlFlag, scopeFlag, hostFlag),
				Action: listAccountsCmd,
			},
			{
				Name:      "info",
				Usage:     "Print an account, found by id, name or key.",
				ArgsUsage: "<id|name|key>",
				Flags:     toArray(controlFlag, byNameFlag, byKeyFlag),
				Before:    checkArgs(1),
				Action:    accountInfoCmd,
			},
			{
				Name:      "key",
				Usage:     "Obtain a fresh key for an account from its host.",
				ArgsUsage: "<id>",
				Flags:     toArray(controlFlag),
				Before:    checkArgs(1),
				Action:    requestKeyCmd,
			},
			{
				Name:      "share",
				Usage:     "Disclose an account to other parties.",
				ArgsUsage: "<id> <party>...",
				Flags:     toArray(controlFlag),
				Before:    checkArgs(2),
				Action:    shareAccountCmd,
			},
		},
	},
	{
		Name:  "state",
		Usage: "Issue, synchronise and list states.",
		Subcommands: []*cli.Command{
			{
				Name:   "issue",
				Usage:  "Record a state signed by the node.",
				Flags:  toArray(controlFlag, contractFlag, dataFlag, participantFlag),
				Action: issueStateCmd,
			},
			{
				Name:      "sync",
				Usage:     "Send a state to a party, or share it with an account.",
				ArgsUsage: "<txid:index>",
				Flags:     toArray(controlFlag, toFlag, accountFlag),
				Before:    checkArgs(1),
				Action:    syncStateCmd,
			},
			{
				Name:   "list",
				Usage:  "List the states visible to accounts.",
				Flags:  toArray(controlFlag, accountFlag),
				Action: listStatesCmd,
			},
		},
	},
}

// CLI returns the accounts app.
func CLI() *cli.App {
	app := cli.NewApp()
	app.Name = "accounts"
	app.Version = version
	app.Usage = "host-scoped accounts over a shared ledger"
	app.EnableBashCompletion = true

	setVersionPrinter.Do(func() {
		cli.VersionPrinter = func(c *cli.Context) {
			banner(c.App.Writer)
		}
	})
	app.ExitErrHandler = func(context *cli.Context, err error) {
		// override to prevent default behavior of calling OS.exit(1),
		// when tests expect to be able to run multiple commands.
	}

	// copy the commands so that concurrent apps in tests do not share them
	appComm := make([]*cli.Command, len(appCommands))
	for i, p := range appCommands {
		v := *p
		appComm[i] = &v
	}
	app.Commands = appComm
	verbFlag := *verboseFlag
	app.Flags = toArray(&verbFlag)
	return app
}

func toArray(flags ...cli.Flag) []cli.Flag {
	return flags
}

func logLevel(c *cli.Context) int {
	if c.Bool(verboseFlag.Name) {
		return log.DebugLevel
	}
	return log.InfoLevel
}

func checkArgs(n int) cli.BeforeFunc {
	return func(c *cli.Context) error {
		if c.NArg() < n {
			return fmt.Errorf("%s needs %d argument(s): %s", c.Command.Name, n, c.Command.ArgsUsage)
		}
		return nil
	}
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
