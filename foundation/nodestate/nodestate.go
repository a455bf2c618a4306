// Package nodestate is the core API of the node: it owns the chain storage,
// runs the elections, spawns a mining worker per transaction under
// validation, routes the committee messages to the right worker, and serves
// the storage side of replication.
package nodestate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/crypto"
	"github.com/archethic/node/foundation/chain/index"
	"github.com/archethic/node/foundation/chain/store"
	"github.com/archethic/node/foundation/chain/transaction"
	mcontext "github.com/archethic/node/foundation/mining/context"
	"github.com/archethic/node/foundation/mining/election"
	"github.com/archethic/node/foundation/mining/fetcher"
	"github.com/archethic/node/foundation/mining/malicious"
	"github.com/archethic/node/foundation/mining/replication"
	"github.com/archethic/node/foundation/mining/stamp"
	"github.com/archethic/node/foundation/mining/validation"
	"github.com/archethic/node/foundation/mining/worker"
	"github.com/archethic/node/foundation/p2p"
	"github.com/archethic/node/foundation/peer"
)

// Set of errors the node surfaces to its callers.
var (
	ErrAlreadyMining   = errors.New("transaction is already being validated")
	ErrAlreadyStored   = errors.New("transaction is already stored")
	ErrNotValidated    = errors.New("transaction carries no validation stamp")
	ErrNoCommitment    = errors.New("transaction did not reach atomic commitment")
	ErrUnknownWorkflow = errors.New("no workflow running for this transaction")
)

// EventHandler defines a function that is called when events occur in the
// node.
type EventHandler func(v string, args ...any)

// Config represents the configuration required to start the node.
type Config struct {
	NodeKeys crypto.KeyPair
	Host     string
	GeoPatch string

	DBPath      string
	WriterCount int
	SyncWrites  bool

	StorageNonce      []byte
	OriginKeys        []address.PublicKey
	ValidationNumber  int
	ReplicationFactor int
	StorageThreshold  int
	StopTimeout       time.Duration

	KnownNodes *peer.NodeSet
	Client     p2p.Client
	EvHandler  EventHandler
}

// Node manages the chain storage and the mining workflows.
type Node struct {
	cfg       Config
	evHandler EventHandler

	index    *index.Index
	store    *store.Store
	elect    *election.Election
	builder  *stamp.Builder
	fetcher  *fetcher.Fetcher
	driver   *replication.Driver
	detector *malicious.Detector
	registry *worker.Registry

	mu           sync.Mutex
	attestations []p2p.ReplicationAttestation
}

// New constructs the node: the chain index is recovered from disk, the
// writer pool is started, and the mining collaborators are wired together.
func New(cfg Config) (*Node, error) {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	ix, err := index.New(index.Config{
		DBPath:     cfg.DBPath,
		SyncWrites: cfg.SyncWrites,
		EvHandler:  ev,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing chain index: %w", err)
	}

	st, err := store.New(store.Config{
		DBPath:      cfg.DBPath,
		WriterCount: cfg.WriterCount,
		SyncWrites:  cfg.SyncWrites,
		Index:       ix,
		EvHandler:   ev,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing chain store: %w", err)
	}

	elect := election.New(election.Config{
		StorageNonce:      cfg.StorageNonce,
		ValidationNumber:  cfg.ValidationNumber,
		ReplicationFactor: cfg.ReplicationFactor,
	})

	n := Node{
		cfg:       cfg,
		evHandler: ev,
		index:     ix,
		store:     st,
		elect:     elect,
		builder: stamp.New(stamp.Config{
			Election:   elect,
			OriginKeys: cfg.OriginKeys,
			NodeKeys:   cfg.NodeKeys,
		}),
		fetcher: fetcher.New(fetcher.Config{
			Client:    cfg.Client,
			EvHandler: ev,
		}),
		driver: replication.New(replication.Config{
			Client:    cfg.Client,
			EvHandler: ev,
		}),
		detector: malicious.New(malicious.EventHandler(ev)),
		registry: worker.NewRegistry(),
	}

	return &n, nil
}

// Shutdown cleanly brings the node down, draining the writer pool.
func (n *Node) Shutdown() {
	n.store.Close()
}

// Index exposes the chain index for the query surface.
func (n *Node) Index() *index.Index {
	return n.index
}

// Store exposes the chain store for the query surface.
func (n *Node) Store() *store.Store {
	return n.store
}

// Self returns this node's network identity.
func (n *Node) Self() peer.Node {
	return peer.Node{
		FirstPublicKey: n.cfg.NodeKeys.PublicKey,
		LastPublicKey:  n.cfg.NodeKeys.PublicKey,
		Host:           n.cfg.Host,
		GeoPatch:       n.cfg.GeoPatch,
		Authorized:     true,
		Available:      true,
	}
}

// =============================================================================
// Welcome path.

// AcceptTransaction takes a pending transaction from a client, elects the
// validation committee and hands the transaction to every elected
// validator. This node is the transaction's welcome node.
func (n *Node) AcceptTransaction(ctx context.Context, tx transaction.Transaction) error {
	if err := validation.Validate(tx); err != nil {
		return err
	}

	if n.store.Exists(tx.Address) {
		if _, err := n.index.Get(tx.Address); err == nil {
			return ErrAlreadyStored
		}
	}

	authorized := n.authorizedNodes()
	proof := n.elect.ProofOfElection(tx.Address, time.Now().UTC())
	validators := n.elect.ValidationNodes(proof, authorized)

	if len(validators) == 0 {
		return errors.New("no validation node available")
	}

	msg := p2p.StartMining{
		Transaction:    tx,
		WelcomeNodeKey: n.cfg.NodeKeys.PublicKey,
	}
	for _, v := range validators {
		msg.ValidationNodeKeys = append(msg.ValidationNodeKeys, v.LastPublicKey)
	}

	n.evHandler("node: accept: tx[%s] validators[%d]", tx.Address, len(validators))

	for _, v := range validators {
		if v.LastPublicKey.Equal(n.cfg.NodeKeys.PublicKey) {
			if err := n.StartMining(msg); err != nil {
				n.evHandler("node: accept: local mining: tx[%s]: %s", tx.Address, err)
			}
			continue
		}

		if err := n.cfg.Client.SendStartMining(ctx, v, msg); err != nil {
			n.evHandler("node: accept: handoff: tx[%s] node[%s]: %s", tx.Address, v.Host, err)
		}
	}

	return nil
}

// =============================================================================
// Mining workflow.

// StartMining spins the mining worker of a pending transaction this node
// was elected to validate.
func (n *Node) StartMining(msg p2p.StartMining) error {
	tx := msg.Transaction

	if _, exists := n.registry.Get(tx.Address); exists {
		return ErrAlreadyMining
	}

	validators := n.resolveNodes(msg.ValidationNodeKeys)
	if len(validators) != len(msg.ValidationNodeKeys) {
		return errors.New("unknown validation node in committee")
	}

	welcomeNode, exists := n.cfg.KnownNodes.Get(msg.WelcomeNodeKey)
	if !exists && msg.WelcomeNodeKey.Equal(n.cfg.NodeKeys.PublicKey) {
		welcomeNode = n.Self()
	}

	authorized := n.authorizedNodes()
	available := n.availableNodes()

	chainNodes := n.elect.ChainStorageNodes(tx.Address, authorized)
	beaconNodes := n.elect.BeaconStorageNodes(tx.Address.Subset(), time.Now().UTC().Truncate(time.Minute), authorized)
	ioNodes := peer.Distinct(available)

	mctx := mcontext.New(tx, welcomeNode, validators, chainNodes, beaconNodes, ioNodes)
	mctx.StorageThreshold = n.cfg.StorageThreshold

	prevAddress, err := tx.PreviousAddress()
	if err != nil {
		return fmt.Errorf("previous address: %w", err)
	}
	prevStorageNodes := n.elect.ChainStorageNodes(prevAddress, authorized)

	w := worker.Start(worker.Config{
		NodeKeys:         n.cfg.NodeKeys,
		Client:           n.cfg.Client,
		Fetcher:          n.fetcher,
		Builder:          n.builder,
		Detector:         n.detector,
		Driver:           n.driver,
		Context:          mctx,
		PrevStorageNodes: prevStorageNodes,
		StopTimeout:      n.cfg.StopTimeout,
		EvHandler:        worker.EventHandler(n.evHandler),
		OnStop:           n.registry.Unregister,
	})

	if !n.registry.Register(tx.Address, w) {
		return ErrAlreadyMining
	}

	return nil
}

// MiningWorkflows returns the number of workflows currently running.
func (n *Node) MiningWorkflows() int {
	return n.registry.Count()
}

// AddMiningContext routes a cross validator's context message to the
// worker of the transaction.
func (n *Node) AddMiningContext(msg p2p.AddMiningContext) error {
	w, exists := n.registry.Get(msg.TxAddress)
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, msg.TxAddress)
	}
	w.AddMiningContext(msg)
	return nil
}

// CrossValidate routes the coordinator's stamp to the worker.
func (n *Node) CrossValidate(msg p2p.CrossValidate) error {
	w, exists := n.registry.Get(msg.TxAddress)
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, msg.TxAddress)
	}
	w.CrossValidate(msg)
	return nil
}

// CrossValidationDone routes a cross validation stamp to the worker.
func (n *Node) CrossValidationDone(msg p2p.CrossValidationDone) error {
	w, exists := n.registry.Get(msg.TxAddress)
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, msg.TxAddress)
	}
	w.AddCrossValidationStamp(msg)
	return nil
}

// =============================================================================
// Storage side of replication.

// ReplicateChain persists a validated transaction this node stores as a
// chain replica and returns the signed storage acknowledgement.
func (n *Node) ReplicateChain(msg p2p.ReplicateTransactionChain) (p2p.AcknowledgeStorage, error) {
	tx := msg.Transaction

	if err := n.storeTransaction(tx); err != nil && !errors.Is(err, ErrAlreadyStored) {
		return p2p.AcknowledgeStorage{}, err
	}

	if !msg.AckStorage {
		return p2p.AcknowledgeStorage{}, nil
	}

	summary := transaction.NewSummary(tx).Serialize()
	sig, err := crypto.Sign(n.cfg.NodeKeys, summary)
	if err != nil {
		return p2p.AcknowledgeStorage{}, fmt.Errorf("signing summary: %w", err)
	}

	return p2p.AcknowledgeStorage{
		NodePublicKey: n.cfg.NodeKeys.PublicKey,
		Signature:     sig,
	}, nil
}

// ReplicateIO persists a validated transaction this node stores for the IO
// role. No acknowledgement is produced.
func (n *Node) ReplicateIO(msg p2p.ReplicateTransaction) error {
	err := n.storeTransaction(msg.Transaction)
	if errors.Is(err, ErrAlreadyStored) {
		return nil
	}
	return err
}

// storeTransaction checks the validated transaction and appends it to its
// chain, updating the chain head and key records.
func (n *Node) storeTransaction(tx transaction.Transaction) error {
	if tx.ValidationStamp == nil {
		return ErrNotValidated
	}

	if len(tx.CrossValidationStamps) == 0 {
		return ErrNoCommitment
	}
	reference := tx.CrossValidationStamps[0].Inconsistencies
	for _, s := range tx.CrossValidationStamps[1:] {
		if len(s.Inconsistencies) != len(reference) {
			return ErrNoCommitment
		}
	}
	if len(reference) > 0 {
		return ErrNoCommitment
	}

	if _, err := n.index.Get(tx.Address); err == nil {
		return ErrAlreadyStored
	}

	prevAddress, err := tx.PreviousAddress()
	if err != nil {
		return fmt.Errorf("previous address: %w", err)
	}

	genesis, err := n.index.FirstChainAddress(prevAddress)
	if err != nil {
		return fmt.Errorf("resolving genesis: %w", err)
	}

	if err := n.store.Append(genesis, tx); err != nil {
		return fmt.Errorf("appending transaction: %w", err)
	}

	ts := tx.ValidationStamp.Timestamp
	if err := n.index.SetLastChainAddress(prevAddress, tx.Address, ts); err != nil {
		return fmt.Errorf("recording chain head: %w", err)
	}
	if err := n.index.SetPublicKey(genesis, tx.PreviousPublicKey, ts); err != nil {
		return fmt.Errorf("recording chain key: %w", err)
	}

	n.evHandler("node: replicated: tx[%s] chain[%s]", tx.Address, genesis)

	return nil
}

// AddAttestation records a replication attestation received as a welcome or
// beacon storage node.
func (n *Node) AddAttestation(att p2p.ReplicationAttestation) {
	n.mu.Lock()
	n.attestations = append(n.attestations, att)
	n.mu.Unlock()

	n.evHandler("node: attestation: tx[%s] confirmations[%d]", att.TransactionSummary.Address, len(att.Confirmations))
}

// Attestations returns the replication attestations seen by this node.
func (n *Node) Attestations() []p2p.ReplicationAttestation {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]p2p.ReplicationAttestation, len(n.attestations))
	copy(out, n.attestations)
	return out
}

// =============================================================================

// authorizedNodes returns the authorized nodes, this node included.
func (n *Node) authorizedNodes() []peer.Node {
	return peer.Distinct(append(n.cfg.KnownNodes.Authorized(), n.Self()))
}

// availableNodes returns the available nodes, this node included.
func (n *Node) availableNodes() []peer.Node {
	return peer.Distinct(append(n.cfg.KnownNodes.Available(), n.Self()))
}

// resolveNodes maps the last public keys of a committee back to nodes.
func (n *Node) resolveNodes(keys []address.PublicKey) []peer.Node {
	var nodes []peer.Node
	for _, key := range keys {
		if key.Equal(n.cfg.NodeKeys.PublicKey) {
			nodes = append(nodes, n.Self())
			continue
		}
		if node, exists := n.cfg.KnownNodes.GetByLastKey(key); exists {
			nodes = append(nodes, node)
		}
	}
	return nodes
}
