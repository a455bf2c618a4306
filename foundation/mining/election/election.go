// Package election implements the deterministic node elections the mining
// workflow depends on: which nodes validate a transaction, which nodes store
// a chain, and which nodes store a beacon slot. Every node running the same
// election over the same node list reaches the same result.
package election

import (
	"bytes"
	"encoding/binary"
	"sort"
	"time"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/crypto"
	"github.com/archethic/node/foundation/peer"
)

// Defaults applied when the configuration leaves a knob unset.
const (
	defaultValidationNumber  = 3
	defaultReplicationFactor = 3
)

// Election performs the deterministic node sorts. The storage nonce is a
// network wide secret that keeps storage elections unpredictable to
// outsiders while remaining stable across the committee.
type Election struct {
	storageNonce      []byte
	validationNumber  int
	replicationFactor int
}

// Config holds the settings for constructing an Election.
type Config struct {
	StorageNonce      []byte
	ValidationNumber  int
	ReplicationFactor int
}

// New constructs an Election from the configuration.
func New(cfg Config) *Election {
	validationNumber := cfg.ValidationNumber
	if validationNumber <= 0 {
		validationNumber = defaultValidationNumber
	}

	replicationFactor := cfg.ReplicationFactor
	if replicationFactor <= 0 {
		replicationFactor = defaultReplicationFactor
	}

	return &Election{
		storageNonce:      cfg.StorageNonce,
		validationNumber:  validationNumber,
		replicationFactor: replicationFactor,
	}
}

// ProofOfElection derives the deterministic election seed of a transaction:
// the digest binding the transaction address, the mining time and the
// storage nonce. It is recorded in the validation stamp so cross validators
// can re-run the election.
func (e *Election) ProofOfElection(txAddress address.Address, timestamp time.Time) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp.Unix()))

	payload := make([]byte, 0, len(txAddress)+8+len(e.storageNonce))
	payload = append(payload, txAddress...)
	payload = append(payload, ts[:]...)
	payload = append(payload, e.storageNonce...)

	proof, _ := crypto.Hash(address.HashSHA256, payload)
	return proof
}

// ValidationNodes elects the committee for a transaction: the authorized
// nodes sorted by the digest of the proof of election and their last public
// key. The first elected node is the coordinator.
func (e *Election) ValidationNodes(proofOfElection []byte, nodes []peer.Node) []peer.Node {
	sorted := sortNodes(nodes, func(n peer.Node) []byte {
		return rank(proofOfElection, n.LastPublicKey)
	})

	if len(sorted) > e.validationNumber {
		sorted = sorted[:e.validationNumber]
	}

	return sorted
}

// ChainStorageNodes elects the storage replicas of a transaction address.
func (e *Election) ChainStorageNodes(txAddress address.Address, nodes []peer.Node) []peer.Node {
	seed := make([]byte, 0, len(txAddress)+len(e.storageNonce))
	seed = append(seed, txAddress...)
	seed = append(seed, e.storageNonce...)

	sorted := sortNodes(nodes, func(n peer.Node) []byte {
		return rank(seed, n.FirstPublicKey)
	})

	if len(sorted) > e.replicationFactor {
		sorted = sorted[:e.replicationFactor]
	}

	return sorted
}

// BeaconStorageNodes elects the storage replicas of a beacon subset slot.
func (e *Election) BeaconStorageNodes(subset byte, slotTime time.Time, nodes []peer.Node) []peer.Node {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(slotTime.Unix()))

	seed := make([]byte, 0, 9+len(e.storageNonce))
	seed = append(seed, subset)
	seed = append(seed, ts[:]...)
	seed = append(seed, e.storageNonce...)

	sorted := sortNodes(nodes, func(n peer.Node) []byte {
		return rank(seed, n.FirstPublicKey)
	})

	if len(sorted) > e.replicationFactor {
		sorted = sorted[:e.replicationFactor]
	}

	return sorted
}

// =============================================================================

// rank digests the seed with a node key, producing the sort key of one node
// for one election.
func rank(seed []byte, key address.PublicKey) []byte {
	payload := make([]byte, 0, len(seed)+len(key))
	payload = append(payload, seed...)
	payload = append(payload, key...)

	digest, _ := crypto.Hash(address.HashSHA256, payload)
	return digest
}

// sortNodes returns the nodes ordered by their sort key without mutating
// the input list.
func sortNodes(nodes []peer.Node, keyOf func(peer.Node) []byte) []peer.Node {
	sorted := make([]peer.Node, len(nodes))
	copy(sorted, nodes)

	sort.SliceStable(sorted, func(i, j int) bool {
		return bytes.Compare(keyOf(sorted[i]), keyOf(sorted[j])) < 0
	})

	return sorted
}
