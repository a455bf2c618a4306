// Package transaction defines the transaction chain data model along with
// the self-describing binary encoding used by the chain files on disk and by
// the replication messages.
package transaction

import (
	"errors"
	"fmt"
	"time"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/crypto"
)

// Version of the transaction encoding produced by this node.
const Version uint32 = 1

// Set of transaction types supported by the ledger.
const (
	TypeTransfer          byte = 0
	TypeContract          byte = 1
	TypeData              byte = 2
	TypeToken             byte = 3
	TypeHosting           byte = 4
	TypeKeychain          byte = 5
	TypeKeychainAccess    byte = 6
	TypeCodeProposal      byte = 7
	TypeCodeApproval      byte = 8
	TypeNode              byte = 9
	TypeNodeSharedSecrets byte = 10
	TypeOracle            byte = 11
	TypeBeacon            byte = 12
	TypeBeaconSummary     byte = 13
)

// typeNames maps a transaction type to the name used by the per-type index
// files and the APIs.
var typeNames = map[byte]string{
	TypeTransfer:          "transfer",
	TypeContract:          "contract",
	TypeData:              "data",
	TypeToken:             "token",
	TypeHosting:           "hosting",
	TypeKeychain:          "keychain",
	TypeKeychainAccess:    "keychain_access",
	TypeCodeProposal:      "code_proposal",
	TypeCodeApproval:      "code_approval",
	TypeNode:              "node",
	TypeNodeSharedSecrets: "node_shared_secrets",
	TypeOracle:            "oracle",
	TypeBeacon:            "beacon",
	TypeBeaconSummary:     "beacon_summary",
}

// ErrUnknownType is returned when a type id or name is not part of the set.
var ErrUnknownType = errors.New("unknown transaction type")

// TypeName returns the name of a transaction type id.
func TypeName(t byte) (string, error) {
	name, exists := typeNames[t]
	if !exists {
		return "", fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	return name, nil
}

// TypeFromName returns the type id for a type name.
func TypeFromName(name string) (byte, error) {
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// TypeNames returns the names of every known transaction type.
func TypeNames() []string {
	names := make([]string, 0, len(typeNames))
	for _, n := range typeNames {
		names = append(names, n)
	}
	return names
}

// =============================================================================

// UCOTransfer represents a transfer of UCO from the chain to a recipient.
type UCOTransfer struct {
	To     address.Address `json:"to"`
	Amount uint64          `json:"amount"`
}

// TokenTransfer represents a transfer of a token from the chain to a
// recipient.
type TokenTransfer struct {
	TokenAddress address.Address `json:"token_address"`
	To           address.Address `json:"to"`
	Amount       uint64          `json:"amount"`
	TokenID      byte            `json:"token_id"`
}

// Ledger groups the UCO and token transfers requested by a transaction.
type Ledger struct {
	UCOTransfers   []UCOTransfer   `json:"uco_transfers"`
	TokenTransfers []TokenTransfer `json:"token_transfers"`
}

// Ownership grants a set of public keys access to an encrypted secret.
type Ownership struct {
	Secret         []byte          `json:"secret"`
	AuthorizedKeys []AuthorizedKey `json:"authorized_keys"`
}

// AuthorizedKey pairs a public key with the secret key encrypted for it.
type AuthorizedKey struct {
	PublicKey          address.PublicKey `json:"public_key"`
	EncryptedSecretKey []byte            `json:"encrypted_secret_key"`
}

// Data carries the payload of a transaction.
type Data struct {
	Content    []byte            `json:"content"`
	Code       []byte            `json:"code"`
	Ledger     Ledger            `json:"ledger"`
	Ownerships []Ownership       `json:"ownerships"`
	Recipients []address.Address `json:"recipients"`
}

// Transaction represents one link of a transaction chain. The validation
// stamp and the cross validation stamps are only present once mining has
// completed.
type Transaction struct {
	Version               uint32                 `json:"version"`
	Address               address.Address        `json:"address"`
	Type                  byte                   `json:"type"`
	Data                  Data                   `json:"data"`
	PreviousPublicKey     address.PublicKey      `json:"previous_public_key"`
	PreviousSignature     []byte                 `json:"previous_signature"`
	OriginSignature       []byte                 `json:"origin_signature"`
	ValidationStamp       *ValidationStamp       `json:"validation_stamp,omitempty"`
	CrossValidationStamps []CrossValidationStamp `json:"cross_validation_stamps,omitempty"`
}

// PreviousAddress derives the address of the previous transaction in the
// chain from the previous public key, using the same hash algorithm as the
// current address.
func (tx Transaction) PreviousAddress() (address.Address, error) {
	if err := tx.Address.Validate(); err != nil {
		return nil, err
	}
	return crypto.AddressFromPublicKey(tx.PreviousPublicKey, tx.Address.HashAlgoID())
}

// PayloadForPreviousSignature returns the bytes covered by the previous
// signature: everything up to and excluding the signatures and stamps.
func (tx Transaction) PayloadForPreviousSignature() []byte {
	return encodePending(tx, false)
}

// PayloadForOriginSignature returns the bytes covered by the origin
// signature: the pending transaction including the previous signature.
func (tx Transaction) PayloadForOriginSignature() []byte {
	return encodePending(tx, true)
}

// =============================================================================

// MovementType discriminates UCO from token movements in a stamp.
type MovementType byte

// Set of movement types.
const (
	MovementUCO   MovementType = 0
	MovementToken MovementType = 1
)

// Movement represents a resolved transfer recorded by the coordinator in the
// validation stamp ledger operations.
type Movement struct {
	To           address.Address `json:"to"`
	Amount       uint64          `json:"amount"`
	Type         MovementType    `json:"type"`
	TokenAddress address.Address `json:"token_address,omitempty"`
}

// NodeMovement represents the share of the fee attributed to a node.
type NodeMovement struct {
	PublicKey address.PublicKey `json:"public_key"`
	Amount    uint64            `json:"amount"`
}

// UnspentOutput represents value spendable by a chain.
type UnspentOutput struct {
	From      address.Address `json:"from"`
	Amount    uint64          `json:"amount"`
	Type      MovementType    `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
}

// LedgerOperations groups the financial effects computed during validation.
type LedgerOperations struct {
	Fee                  uint64          `json:"fee"`
	TransactionMovements []Movement      `json:"transaction_movements"`
	UnspentOutputs       []UnspentOutput `json:"unspent_outputs"`
	NodeMovements        []NodeMovement  `json:"node_movements"`
}

// ValidationStamp is the coordinator signed attestation of the validity of a
// transaction.
type ValidationStamp struct {
	Timestamp        time.Time         `json:"timestamp"`
	ProofOfWork      address.PublicKey `json:"proof_of_work"`
	ProofOfIntegrity []byte            `json:"proof_of_integrity"`
	ProofOfElection  []byte            `json:"proof_of_election"`
	LedgerOperations LedgerOperations  `json:"ledger_operations"`
	Signature        []byte            `json:"signature"`
}

// =============================================================================

// Set of inconsistencies a cross validator can report about a validation
// stamp. An empty list is an affirmative stamp.
const (
	InconsistencySignature        byte = 0
	InconsistencyProofOfWork      byte = 1
	InconsistencyProofOfIntegrity byte = 2
	InconsistencyProofOfElection  byte = 3
	InconsistencyFee              byte = 4
	InconsistencyMovements        byte = 5
	InconsistencyUnspentOutputs   byte = 6
	InconsistencyNodeMovements    byte = 7
	InconsistencyTimestamp        byte = 8
)

// inconsistencyNames maps an inconsistency id to a loggable name.
var inconsistencyNames = map[byte]string{
	InconsistencySignature:        "signature",
	InconsistencyProofOfWork:      "proof_of_work",
	InconsistencyProofOfIntegrity: "proof_of_integrity",
	InconsistencyProofOfElection:  "proof_of_election",
	InconsistencyFee:              "transaction_fee",
	InconsistencyMovements:        "transaction_movements",
	InconsistencyUnspentOutputs:   "unspent_outputs",
	InconsistencyNodeMovements:    "node_movements",
	InconsistencyTimestamp:        "timestamp",
}

// InconsistencyName returns the loggable name of an inconsistency id.
func InconsistencyName(i byte) string {
	if name, exists := inconsistencyNames[i]; exists {
		return name
	}
	return fmt.Sprintf("unknown(%d)", i)
}

// CrossValidationStamp is a cross validator's signed agreement, or
// disagreement via the inconsistency list, with a validation stamp.
type CrossValidationStamp struct {
	NodePublicKey   address.PublicKey `json:"node_public_key"`
	Signature       []byte            `json:"signature"`
	Inconsistencies []byte            `json:"inconsistencies"`
}
