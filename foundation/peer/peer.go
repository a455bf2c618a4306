// Package peer maintains the node related information such as the set of
// known nodes, their keys, network location and availability.
package peer

import (
	"sort"
	"sync"

	"github.com/archethic/node/foundation/chain/address"
)

// Node represents information about a node of the network. Nodes are
// identified by their first public key; the last public key rotates with the
// node's own transaction chain.
type Node struct {
	FirstPublicKey address.PublicKey `json:"first_public_key"`
	LastPublicKey  address.PublicKey `json:"last_public_key"`
	Host           string            `json:"host"`
	GeoPatch       string            `json:"geo_patch"`
	Authorized     bool              `json:"authorized"`
	Available      bool              `json:"available"`
}

// Match validates if the specified key identifies this node.
func (n Node) Match(firstPublicKey address.PublicKey) bool {
	return n.FirstPublicKey.Equal(firstPublicKey)
}

// =============================================================================

// NodeSet represents the data representation to maintain a set of known
// nodes.
type NodeSet struct {
	mu  sync.RWMutex
	set map[string]Node
}

// NewNodeSet constructs a new set to manage node information.
func NewNodeSet() *NodeSet {
	return &NodeSet{
		set: make(map[string]Node),
	}
}

// Add adds or refreshes a node in the set.
func (ns *NodeSet) Add(node Node) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	_, exists := ns.set[string(node.FirstPublicKey)]
	ns.set[string(node.FirstPublicKey)] = node

	return !exists
}

// Remove removes a node from the set.
func (ns *NodeSet) Remove(node Node) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	delete(ns.set, string(node.FirstPublicKey))
}

// Get returns the node identified by the first public key.
func (ns *NodeSet) Get(firstPublicKey address.PublicKey) (Node, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	node, exists := ns.set[string(firstPublicKey)]
	return node, exists
}

// GetByLastKey returns the node whose last public key matches.
func (ns *NodeSet) GetByLastKey(lastPublicKey address.PublicKey) (Node, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	for _, node := range ns.set {
		if node.LastPublicKey.Equal(lastPublicKey) {
			return node, true
		}
	}

	return Node{}, false
}

// Copy returns a list of the known nodes in a stable order.
func (ns *NodeSet) Copy() []Node {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	nodes := make([]Node, 0, len(ns.set))
	for _, node := range ns.set {
		nodes = append(nodes, node)
	}

	sort.Slice(nodes, func(i, j int) bool {
		return string(nodes[i].FirstPublicKey) < string(nodes[j].FirstPublicKey)
	})

	return nodes
}

// Authorized returns the authorized nodes of the set.
func (ns *NodeSet) Authorized() []Node {
	var nodes []Node
	for _, node := range ns.Copy() {
		if node.Authorized {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// Available returns the nodes currently flagged available.
func (ns *NodeSet) Available() []Node {
	var nodes []Node
	for _, node := range ns.Copy() {
		if node.Available {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// Distinct removes duplicate nodes from the list, keeping the first
// occurrence of each first public key.
func Distinct(nodes []Node) []Node {
	seen := make(map[string]struct{})
	var distinct []Node

	for _, node := range nodes {
		if _, exists := seen[string(node.FirstPublicKey)]; exists {
			continue
		}
		seen[string(node.FirstPublicKey)] = struct{}{}
		distinct = append(distinct, node)
	}

	return distinct
}
