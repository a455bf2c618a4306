package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/crypto"
	"github.com/spf13/cobra"
)

var keygenPath string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a node seed file",
	Long:  `Generates the random seed the node derives its key pair from and writes it hex encoded to disk.`,
	RunE:  keygenRun,
}

func init() {
	keygenCmd.Flags().StringVarP(&keygenPath, "out", "o", "zarchethic/node.seed", "path of the seed file to write")
	rootCmd.AddCommand(keygenCmd)
}

func keygenRun(cmd *cobra.Command, args []string) error {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(keygenPath), 0755); err != nil {
		return err
	}

	if err := os.WriteFile(keygenPath, []byte(hex.EncodeToString(seed)+"\n"), 0600); err != nil {
		return err
	}

	kp, err := crypto.DeriveKeyPair(seed, 0, address.CurveED25519, 0)
	if err != nil {
		return err
	}

	fmt.Printf("seed file : %s\n", keygenPath)
	fmt.Printf("public key: %s\n", kp.PublicKey)

	return nil
}
