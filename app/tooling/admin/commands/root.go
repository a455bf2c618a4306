// Package commands contains the admin command line tooling.
package commands

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "admin",
	Short: "Node administration tooling",
	Long:  `Key generation and offline inspection of a node's chain database.`,
}

var dbPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db-path", "d", "zarchethic/db", "path to the chain database")
}

// Execute runs the admin tooling.
func Execute() error {
	return rootCmd.Execute()
}
