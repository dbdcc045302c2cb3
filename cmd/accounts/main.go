package main

import (
	"fmt"
	"os"

	"github.com/ledgeraccounts/accounts/internal/cli"
)

func main() {
	app := cli.CLI()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "accounts: %+v\n", err)
		os.Exit(1)
	}
}
