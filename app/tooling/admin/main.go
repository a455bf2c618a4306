// This program provides administration tooling for a node: key generation
// and offline inspection of the chain database.
package main

import (
	"os"

	"github.com/archethic/node/app/tooling/admin/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
