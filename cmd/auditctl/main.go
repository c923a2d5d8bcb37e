package main

import (
	"fmt"
	"os"

	"audit-ledger/cmd/auditctl/commands"
)

func main() {
	if err := commands.NewRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
