// Package validation implements the checks a pending transaction must pass
// before mining starts: well formed address and keys, a previous signature
// that verifies, and type specific content rules.
package validation

import (
	"errors"
	"fmt"

	"github.com/archethic/node/foundation/chain/crypto"
	"github.com/archethic/node/foundation/chain/transaction"
)

// maxContentSize bounds the content a single transaction can carry.
const maxContentSize = 3 * 1024 * 1024

// Set of validation failures.
var (
	ErrInvalidAddress    = errors.New("invalid transaction address")
	ErrInvalidType       = errors.New("invalid transaction type")
	ErrInvalidSignature  = errors.New("previous signature does not verify")
	ErrContentTooLarge   = errors.New("transaction content exceeds the limit")
	ErrMissingTransfers  = errors.New("transfer transaction carries no transfer")
	ErrMissingOwnerships = errors.New("secret transaction carries no ownership")
)

// Validate runs the pending transaction checks. A nil error means the
// transaction can enter the mining workflow.
func Validate(tx transaction.Transaction) error {
	if err := tx.Address.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, err)
	}

	if _, err := transaction.TypeName(tx.Type); err != nil {
		return fmt.Errorf("%w: %d", ErrInvalidType, tx.Type)
	}

	if err := tx.PreviousPublicKey.Validate(); err != nil {
		return fmt.Errorf("previous public key: %w", err)
	}

	if !crypto.Verify(tx.PreviousPublicKey, tx.PayloadForPreviousSignature(), tx.PreviousSignature) {
		return ErrInvalidSignature
	}

	if len(tx.Data.Content) > maxContentSize {
		return ErrContentTooLarge
	}

	switch tx.Type {
	case transaction.TypeTransfer:
		if len(tx.Data.Ledger.UCOTransfers) == 0 && len(tx.Data.Ledger.TokenTransfers) == 0 && len(tx.Data.Recipients) == 0 {
			return ErrMissingTransfers
		}

	case transaction.TypeNodeSharedSecrets, transaction.TypeKeychain:
		if len(tx.Data.Ownerships) == 0 {
			return ErrMissingOwnerships
		}

	case transaction.TypeToken:
		if len(tx.Data.Content) == 0 {
			return errors.New("token transaction carries no definition")
		}

	case transaction.TypeCodeProposal, transaction.TypeContract:
		if len(tx.Data.Code) == 0 {
			return errors.New("code transaction carries no code")
		}
	}

	return nil
}
