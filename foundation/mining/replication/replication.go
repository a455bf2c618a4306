// Package replication fans the validated transaction out to the elected
// storage nodes and funnels the responses back to the mining worker: a
// verified storage acknowledgement or a replication error per replica.
// There is no ordering requirement and one hard deadline for the fan out.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/archethic/node/foundation/chain/crypto"
	"github.com/archethic/node/foundation/chain/transaction"
	"github.com/archethic/node/foundation/p2p"
	"github.com/archethic/node/foundation/peer"
)

// defaultDeadline bounds the whole replication fan out.
const defaultDeadline = 5 * time.Second

// ErrInvalidAckSignature reports a storage acknowledgement whose signature
// does not verify against the transaction summary.
var ErrInvalidAckSignature = errors.New("invalid storage acknowledgement signature")

// EventHandler defines a function that is called when events occur during
// replication.
type EventHandler func(v string, args ...any)

// Event is one replica's outcome, delivered to the worker's mailbox.
type Event struct {
	Node peer.Node
	Ack  p2p.AcknowledgeStorage
	Err  error
}

// Driver performs the replication fan outs of the mining workflow.
type Driver struct {
	client    p2p.Client
	deadline  time.Duration
	evHandler EventHandler
}

// Config holds the settings for constructing a Driver.
type Config struct {
	Client    p2p.Client
	Deadline  time.Duration
	EvHandler EventHandler
}

// New constructs a Driver for use.
func New(cfg Config) *Driver {
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = defaultDeadline
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	return &Driver{
		client:    cfg.Client,
		deadline:  deadline,
		evHandler: ev,
	}
}

// ReplicateChain broadcasts the validated transaction to the chain storage
// nodes and streams one event per replica. Acknowledgement signatures are
// verified against the serialized transaction summary before they reach the
// worker; an invalid one surfaces as an error event. The returned channel
// closes once every replica has answered or the deadline has passed.
func (d *Driver) ReplicateChain(ctx context.Context, tx transaction.Transaction, nodes []peer.Node) <-chan Event {
	events := make(chan Event, len(nodes))
	summary := transaction.NewSummary(tx).Serialize()

	ctx, cancel := context.WithTimeout(ctx, d.deadline)

	var wg sync.WaitGroup
	wg.Add(len(nodes))

	for _, node := range nodes {
		go func(node peer.Node) {
			defer wg.Done()

			ack, err := d.client.ReplicateChain(ctx, node, p2p.ReplicateTransactionChain{
				Transaction: tx,
				AckStorage:  true,
			})
			if err != nil {
				events <- Event{Node: node, Err: err}
				return
			}

			if !crypto.Verify(node.FirstPublicKey, summary, ack.Signature) {
				events <- Event{Node: node, Err: fmt.Errorf("%w: node[%s]", ErrInvalidAckSignature, node.FirstPublicKey)}
				return
			}

			events <- Event{Node: node, Ack: ack}
		}(node)
	}

	go func() {
		wg.Wait()
		cancel()
		close(events)
	}()

	return events
}

// ReplicateIO forwards the validated transaction to the IO replication
// nodes. No acknowledgement is expected; failures are logged and dropped.
// It returns once every node has answered or the deadline has passed.
func (d *Driver) ReplicateIO(ctx context.Context, tx transaction.Transaction, nodes []peer.Node) {
	ctx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(len(nodes))

	for _, node := range nodes {
		go func(node peer.Node) {
			defer wg.Done()

			if err := d.client.ReplicateIO(ctx, node, p2p.ReplicateTransaction{Transaction: tx}); err != nil {
				d.evHandler("replication: io: node[%s] skipped: %s", node.Host, err)
			}
		}(node)
	}

	wg.Wait()
}

// NotifyAttestation broadcasts the replication attestation to the welcome
// node and the beacon storage nodes. It returns once every target has
// answered or the deadline has passed.
func (d *Driver) NotifyAttestation(ctx context.Context, attestation p2p.ReplicationAttestation, welcomeNode peer.Node, beaconNodes []peer.Node) {
	ctx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()

	targets := peer.Distinct(append([]peer.Node{welcomeNode}, beaconNodes...))

	var wg sync.WaitGroup
	wg.Add(len(targets))

	for _, node := range targets {
		go func(node peer.Node) {
			defer wg.Done()

			if err := d.client.SendAttestation(ctx, node, attestation); err != nil {
				d.evHandler("replication: attestation: node[%s] skipped: %s", node.Host, err)
			}
		}(node)
	}

	wg.Wait()
}
