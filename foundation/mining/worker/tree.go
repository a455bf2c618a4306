package worker

import (
	"github.com/archethic/node/foundation/p2p"
	"github.com/archethic/node/foundation/peer"
	"github.com/bits-and-blooms/bitset"
)

// BuildReplicationTree partitions the chain, beacon and IO replica sets
// across the validation nodes. Each validator receives one mask per set
// naming the replicas it is responsible for forwarding to. Replicas are
// attributed to the validator sharing the longest geographic patch prefix,
// falling back to round robin so the load stays even.
func BuildReplicationTree(validators []peer.Node, chainNodes []peer.Node, beaconNodes []peer.Node, ioNodes []peer.Node) p2p.ReplicationTree {
	return p2p.ReplicationTree{
		Chain:  buildMasks(validators, chainNodes),
		Beacon: buildMasks(validators, beaconNodes),
		IO:     buildMasks(validators, ioNodes),
	}
}

// buildMasks attributes each replica to one validator and renders the per
// validator bit masks.
func buildMasks(validators []peer.Node, replicas []peer.Node) []*bitset.BitSet {
	masks := make([]*bitset.BitSet, len(validators))
	for i := range masks {
		masks[i] = bitset.New(uint(len(replicas)))
	}

	if len(validators) == 0 {
		return masks
	}

	for i, replica := range replicas {
		masks[assign(validators, replica, i)].Set(uint(i))
	}

	return masks
}

// assign picks the validator owning a replica: the one with the longest
// common geographic patch prefix, ties broken by replica position.
func assign(validators []peer.Node, replica peer.Node, position int) int {
	best := position % len(validators)
	bestScore := -1

	for k := range validators {
		i := (position + k) % len(validators)
		score := prefixLen(validators[i].GeoPatch, replica.GeoPatch)
		if score > bestScore {
			best = i
			bestScore = score
		}
	}

	if bestScore == 0 {
		return position % len(validators)
	}

	return best
}

// prefixLen returns the length of the common prefix of two patches.
func prefixLen(a string, b string) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
