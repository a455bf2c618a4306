package commands

import (
	"encoding/json"
	"fmt"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/index"
	"github.com/archethic/node/foundation/chain/store"
	"github.com/spf13/cobra"
)

var chainCmd = &cobra.Command{
	Use:   "chain [address]",
	Short: "Dump a transaction chain",
	Long:  `Replays the chain the address belongs to and prints every transaction as JSON.`,
	Args:  cobra.ExactArgs(1),
	RunE:  chainRun,
}

func init() {
	rootCmd.AddCommand(chainCmd)
}

func chainRun(cmd *cobra.Command, args []string) error {
	addr, err := address.FromString(args[0])
	if err != nil {
		return err
	}

	ix, err := index.New(index.Config{DBPath: dbPath})
	if err != nil {
		return err
	}

	st, err := store.New(store.Config{DBPath: dbPath, Index: ix})
	if err != nil {
		return err
	}
	defer st.Close()

	var offset uint32
	for {
		txs, next, more, err := st.ReadChain(addr, offset)
		if err != nil {
			return err
		}

		for _, tx := range txs {
			data, err := json.MarshalIndent(tx, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		}

		if !more {
			return nil
		}
		offset = next
	}
}
