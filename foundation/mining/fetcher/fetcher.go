// Package fetcher implements the retrieval of the transaction context from
// the storage replicas of the previous address: the previous transaction,
// the unspent outputs, and the availability views of the elected storage
// sets. Everything runs concurrently under one budget; a silent peer is
// recorded as unavailable, never fatal.
package fetcher

import (
	"context"
	"sync"
	"time"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/transaction"
	"github.com/archethic/node/foundation/p2p"
	"github.com/archethic/node/foundation/peer"
	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sync/errgroup"
)

// defaultPeerTimeout bounds each individual peer attempt.
const defaultPeerTimeout = time.Second

// EventHandler defines a function that is called when events occur during
// the context fetch.
type EventHandler func(v string, args ...any)

// Result is the best effort aggregate of one context fetch.
type Result struct {
	PreviousTransaction     *transaction.Transaction
	UnspentOutputs          []transaction.UnspentOutput
	PreviousStorageNodeKeys []address.PublicKey
	ChainStorageNodesView   *bitset.BitSet
	BeaconStorageNodesView  *bitset.BitSet
	Duration                time.Duration
}

// Fetcher retrieves transaction context from storage replicas.
type Fetcher struct {
	client      p2p.Client
	peerTimeout time.Duration
	evHandler   EventHandler
}

// Config holds the settings for constructing a Fetcher.
type Config struct {
	Client      p2p.Client
	PeerTimeout time.Duration
	EvHandler   EventHandler
}

// New constructs a Fetcher for use.
func New(cfg Config) *Fetcher {
	timeout := cfg.PeerTimeout
	if timeout <= 0 {
		timeout = defaultPeerTimeout
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	return &Fetcher{
		client:      cfg.Client,
		peerTimeout: timeout,
		evHandler:   ev,
	}
}

// Fetch gathers the context of the previous address from the elected
// storage nodes. The caller bounds the whole operation through ctx; each
// peer attempt carries its own timeout inside that budget.
func (f *Fetcher) Fetch(ctx context.Context, previousAddress address.Address, prevStorageNodes []peer.Node, beaconStorageNodes []peer.Node) Result {
	start := time.Now()

	result := Result{
		ChainStorageNodesView:  bitset.New(uint(len(prevStorageNodes))),
		BeaconStorageNodesView: bitset.New(uint(len(beaconStorageNodes))),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	// Walk the storage nodes closest first until one returns the previous
	// transaction. A "none" answer from a live peer ends the walk: the
	// chain simply has no predecessor.
	g.Go(func() error {
		for _, node := range prevStorageNodes {
			tx, found, err := f.getTransaction(gctx, node, previousAddress)
			if err != nil {
				f.evHandler("fetcher: previous tx: peer[%s] skipped: %s", node.Host, err)
				continue
			}
			if found {
				mu.Lock()
				result.PreviousTransaction = &tx
				mu.Unlock()
			}
			return nil
		}
		return nil
	})

	// Same walk for the unspent outputs of the previous address.
	g.Go(func() error {
		for _, node := range prevStorageNodes {
			utxos, err := f.getUnspentOutputs(gctx, node, previousAddress)
			if err != nil {
				f.evHandler("fetcher: unspent outputs: peer[%s] skipped: %s", node.Host, err)
				continue
			}
			mu.Lock()
			result.UnspentOutputs = utxos
			mu.Unlock()
			return nil
		}
		return nil
	})

	// Probe every storage node of both sets concurrently; each bit of the
	// views records whether that peer answered inside its timeout.
	for i, node := range prevStorageNodes {
		g.Go(func() error {
			if f.ping(gctx, node) {
				mu.Lock()
				result.ChainStorageNodesView.Set(uint(i))
				result.PreviousStorageNodeKeys = append(result.PreviousStorageNodeKeys, node.FirstPublicKey)
				mu.Unlock()
			}
			return nil
		})
	}

	for i, node := range beaconStorageNodes {
		g.Go(func() error {
			if f.ping(gctx, node) {
				mu.Lock()
				result.BeaconStorageNodesView.Set(uint(i))
				mu.Unlock()
			}
			return nil
		})
	}

	g.Wait()

	result.Duration = time.Since(start)
	f.evHandler("fetcher: completed: duration[%v] prev-tx[%t] utxos[%d] chain-view[%d/%d] beacon-view[%d/%d]",
		result.Duration, result.PreviousTransaction != nil, len(result.UnspentOutputs),
		result.ChainStorageNodesView.Count(), len(prevStorageNodes),
		result.BeaconStorageNodesView.Count(), len(beaconStorageNodes))

	return result
}

// =============================================================================

func (f *Fetcher) getTransaction(ctx context.Context, node peer.Node, txAddress address.Address) (transaction.Transaction, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, f.peerTimeout)
	defer cancel()

	return f.client.GetTransaction(ctx, node, txAddress)
}

func (f *Fetcher) getUnspentOutputs(ctx context.Context, node peer.Node, txAddress address.Address) ([]transaction.UnspentOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, f.peerTimeout)
	defer cancel()

	return f.client.GetUnspentOutputs(ctx, node, txAddress)
}

// ping asks the peer for an empty availability view, which doubles as a
// liveness probe.
func (f *Fetcher) ping(ctx context.Context, node peer.Node) bool {
	ctx, cancel := context.WithTimeout(ctx, f.peerTimeout)
	defer cancel()

	_, err := f.client.GetP2PView(ctx, node, nil)
	return err == nil
}
