// Package stamp builds and checks validation stamps: the fee and ledger
// operations, the proof of work over the known origin keys, the proof of
// integrity of the chain, and the proof of election. The coordinator uses
// Create, the cross validators use Inconsistencies to audit the result.
package stamp

import (
	"bytes"
	"time"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/crypto"
	"github.com/archethic/node/foundation/chain/transaction"
	mcontext "github.com/archethic/node/foundation/mining/context"
	"github.com/archethic/node/foundation/mining/election"
)

// Fee schedule, in the smallest UCO unit.
const (
	baseFee    uint64 = 1_000_000
	feePerByte uint64 = 100
	feePerMove uint64 = 500_000
)

// timestampDrift is the tolerance a cross validator grants the
// coordinator's stamp timestamp.
const timestampDrift = 10 * time.Second

// Builder creates and audits validation stamps.
type Builder struct {
	election   *election.Election
	originKeys []address.PublicKey
	nodeKeys   crypto.KeyPair
}

// Config holds the settings for constructing a Builder.
type Config struct {
	Election   *election.Election
	OriginKeys []address.PublicKey
	NodeKeys   crypto.KeyPair
}

// New constructs a Builder for use.
func New(cfg Config) *Builder {
	return &Builder{
		election:   cfg.Election,
		originKeys: cfg.OriginKeys,
		nodeKeys:   cfg.NodeKeys,
	}
}

// Create produces the coordinator's validation stamp for the workflow
// context at the specified validation time.
func (b *Builder) Create(mctx mcontext.Context, now time.Time) (transaction.ValidationStamp, error) {
	tx := mctx.Transaction

	stamp := transaction.ValidationStamp{
		Timestamp:        now.UTC(),
		ProofOfWork:      b.ProofOfWork(tx),
		ProofOfIntegrity: ProofOfIntegrity(tx, mctx.PreviousTransaction),
		ProofOfElection:  b.election.ProofOfElection(tx.Address, now),
		LedgerOperations: b.LedgerOperations(mctx, now),
	}

	sig, err := crypto.Sign(b.nodeKeys, transaction.ValidationStampPayload(stamp))
	if err != nil {
		return transaction.ValidationStamp{}, err
	}
	stamp.Signature = sig

	return stamp, nil
}

// CrossValidate audits a coordinator stamp and produces this node's cross
// validation stamp, listing every inconsistency found. An empty list is the
// affirmative answer.
func (b *Builder) CrossValidate(mctx mcontext.Context, vstamp transaction.ValidationStamp, coordinatorKey address.PublicKey) (transaction.CrossValidationStamp, error) {
	inconsistencies := b.Inconsistencies(mctx, vstamp, coordinatorKey)

	sig, err := crypto.Sign(b.nodeKeys, transaction.CrossValidationStampPayload(vstamp, inconsistencies))
	if err != nil {
		return transaction.CrossValidationStamp{}, err
	}

	return transaction.CrossValidationStamp{
		NodePublicKey:   b.nodeKeys.PublicKey,
		Signature:       sig,
		Inconsistencies: inconsistencies,
	}, nil
}

// Inconsistencies re-derives every field of the stamp and reports the ones
// that disagree.
func (b *Builder) Inconsistencies(mctx mcontext.Context, vstamp transaction.ValidationStamp, coordinatorKey address.PublicKey) []byte {
	var inconsistencies []byte

	if !crypto.Verify(coordinatorKey, transaction.ValidationStampPayload(vstamp), vstamp.Signature) {
		inconsistencies = append(inconsistencies, transaction.InconsistencySignature)
	}

	if !vstamp.ProofOfWork.Equal(b.ProofOfWork(mctx.Transaction)) {
		inconsistencies = append(inconsistencies, transaction.InconsistencyProofOfWork)
	}

	if !bytes.Equal(vstamp.ProofOfIntegrity, ProofOfIntegrity(mctx.Transaction, mctx.PreviousTransaction)) {
		inconsistencies = append(inconsistencies, transaction.InconsistencyProofOfIntegrity)
	}

	if !bytes.Equal(vstamp.ProofOfElection, b.election.ProofOfElection(mctx.Transaction.Address, vstamp.Timestamp)) {
		inconsistencies = append(inconsistencies, transaction.InconsistencyProofOfElection)
	}

	expected := b.LedgerOperations(mctx, vstamp.Timestamp)

	if vstamp.LedgerOperations.Fee != expected.Fee {
		inconsistencies = append(inconsistencies, transaction.InconsistencyFee)
	}

	if !movementsEqual(vstamp.LedgerOperations.TransactionMovements, expected.TransactionMovements) {
		inconsistencies = append(inconsistencies, transaction.InconsistencyMovements)
	}

	if !unspentOutputsEqual(vstamp.LedgerOperations.UnspentOutputs, expected.UnspentOutputs) {
		inconsistencies = append(inconsistencies, transaction.InconsistencyUnspentOutputs)
	}

	nodeMovesEqual := len(vstamp.LedgerOperations.NodeMovements) == len(expected.NodeMovements)
	for i := 0; nodeMovesEqual && i < len(expected.NodeMovements); i++ {
		a, b := vstamp.LedgerOperations.NodeMovements[i], expected.NodeMovements[i]
		nodeMovesEqual = a.PublicKey.Equal(b.PublicKey) && a.Amount == b.Amount
	}
	if !nodeMovesEqual {
		inconsistencies = append(inconsistencies, transaction.InconsistencyNodeMovements)
	}

	drift := time.Since(vstamp.Timestamp)
	if drift < -timestampDrift || drift > timestampDrift {
		inconsistencies = append(inconsistencies, transaction.InconsistencyTimestamp)
	}

	return inconsistencies
}

// =============================================================================

// ProofOfWork finds the origin public key that produced the origin
// signature. A transaction whose origin device is unknown yields the zero
// key: mining proceeds, the stamp records the failure.
func (b *Builder) ProofOfWork(tx transaction.Transaction) address.PublicKey {
	payload := tx.PayloadForOriginSignature()

	for _, key := range b.originKeys {
		if crypto.Verify(key, payload, tx.OriginSignature) {
			return key
		}
	}

	return zeroKey(tx.PreviousPublicKey.CurveID())
}

// ProofOfIntegrity chains the digest of the pending transaction with the
// proof of the previous transaction. The genesis transaction of a chain is
// hashed alone.
func ProofOfIntegrity(tx transaction.Transaction, previous *transaction.Transaction) []byte {
	pending, _ := crypto.Hash(address.HashSHA256, tx.PayloadForOriginSignature())

	if previous == nil || previous.ValidationStamp == nil {
		digest, _ := crypto.Hash(address.HashSHA256, pending)
		return append([]byte{address.HashSHA256}, digest...)
	}

	payload := make([]byte, 0, len(pending)+len(previous.ValidationStamp.ProofOfIntegrity))
	payload = append(payload, pending...)
	payload = append(payload, previous.ValidationStamp.ProofOfIntegrity...)

	digest, _ := crypto.Hash(address.HashSHA256, payload)
	return append([]byte{address.HashSHA256}, digest...)
}

// LedgerOperations derives the financial effects of the transaction from
// the gathered unspent outputs: the fee, the resolved movements, and the
// remaining unspent outputs of the chain.
func (b *Builder) LedgerOperations(mctx mcontext.Context, now time.Time) transaction.LedgerOperations {
	tx := mctx.Transaction

	ops := transaction.LedgerOperations{
		Fee: Fee(tx),
	}

	var spent uint64 = ops.Fee
	for _, tr := range tx.Data.Ledger.UCOTransfers {
		spent += tr.Amount
		ops.TransactionMovements = append(ops.TransactionMovements, transaction.Movement{
			To:     tr.To,
			Amount: tr.Amount,
			Type:   transaction.MovementUCO,
		})
	}

	for _, tr := range tx.Data.Ledger.TokenTransfers {
		ops.TransactionMovements = append(ops.TransactionMovements, transaction.Movement{
			To:           tr.To,
			Amount:       tr.Amount,
			Type:         transaction.MovementToken,
			TokenAddress: tr.TokenAddress,
		})
	}

	var available uint64
	for _, uo := range mctx.UnspentOutputs {
		if uo.Type == transaction.MovementUCO {
			available += uo.Amount
		}
	}

	// A chain that cannot cover its spend keeps its outputs; the movements
	// are dropped and only the fee is consumed where possible.
	if spent > available {
		ops.TransactionMovements = nil
		spent = min(ops.Fee, available)
	}

	if remaining := available - spent; remaining > 0 {
		ops.UnspentOutputs = append(ops.UnspentOutputs, transaction.UnspentOutput{
			From:      tx.Address,
			Amount:    remaining,
			Type:      transaction.MovementUCO,
			Timestamp: now.UTC(),
		})
	}

	// The mining fee is attributed evenly across the committee, the
	// remainder going to the coordinator.
	if count := len(mctx.ValidationNodes); count > 0 && ops.Fee > 0 {
		share := ops.Fee / uint64(count)
		for i, node := range mctx.ValidationNodes {
			amount := share
			if i == 0 {
				amount += ops.Fee % uint64(count)
			}
			ops.NodeMovements = append(ops.NodeMovements, transaction.NodeMovement{
				PublicKey: node.LastPublicKey,
				Amount:    amount,
			})
		}
	}

	return ops
}

// Fee computes the mining fee of a pending transaction from its encoded
// size and its movement count.
func Fee(tx transaction.Transaction) uint64 {
	size := uint64(len(tx.PayloadForOriginSignature()))
	moves := uint64(len(tx.Data.Ledger.UCOTransfers) + len(tx.Data.Ledger.TokenTransfers))

	return baseFee + size*feePerByte + moves*feePerMove
}

// =============================================================================

func movementsEqual(a []transaction.Movement, b []transaction.Movement) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].To.Equal(b[i].To) || a[i].Amount != b[i].Amount || a[i].Type != b[i].Type {
			return false
		}
	}
	return true
}

func unspentOutputsEqual(a []transaction.UnspentOutput, b []transaction.UnspentOutput) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].From.Equal(b[i].From) || a[i].Amount != b[i].Amount || a[i].Type != b[i].Type {
			return false
		}
	}
	return true
}

// zeroKey renders the all zero public key of a curve, the conventional
// proof of work for an unmatched origin signature.
func zeroKey(curveID byte) address.PublicKey {
	size, err := address.KeySize(curveID)
	if err != nil {
		size = 32
	}
	return address.NewPublicKey(curveID, 0, make([]byte, size))
}
