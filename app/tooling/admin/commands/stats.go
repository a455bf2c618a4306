package commands

import (
	"fmt"

	"github.com/archethic/node/foundation/chain/index"
	"github.com/archethic/node/foundation/chain/transaction"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show chain database statistics",
	Long:  `Replays the index files and prints the per chain and per type counters.`,
	RunE:  statsRun,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func statsRun(cmd *cobra.Command, args []string) error {
	ix, err := index.New(index.Config{DBPath: dbPath})
	if err != nil {
		return err
	}

	genesis, err := ix.AllGenesisAddresses()
	if err != nil {
		return err
	}

	fmt.Printf("chains: %d\n", len(genesis))
	for _, g := range genesis {
		stats := ix.Stats(g)
		fmt.Printf("  %s  txs[%d] bytes[%d]\n", g, stats.TxCount, stats.TotalSize)
	}

	fmt.Println("types:")
	for _, name := range transaction.TypeNames() {
		t, err := transaction.TypeFromName(name)
		if err != nil {
			continue
		}
		if count := ix.CountByType(t); count > 0 {
			fmt.Printf("  %-20s %d\n", name, count)
		}
	}

	return nil
}
