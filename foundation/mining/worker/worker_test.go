package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/crypto"
	"github.com/archethic/node/foundation/chain/transaction"
	mcontext "github.com/archethic/node/foundation/mining/context"
	"github.com/archethic/node/foundation/mining/election"
	"github.com/archethic/node/foundation/mining/fetcher"
	"github.com/archethic/node/foundation/mining/malicious"
	"github.com/archethic/node/foundation/mining/replication"
	"github.com/archethic/node/foundation/mining/stamp"
	"github.com/archethic/node/foundation/mining/worker"
	"github.com/archethic/node/foundation/p2p"
	"github.com/archethic/node/foundation/peer"
	"github.com/bits-and-blooms/bitset"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// =============================================================================
// In-memory network fake implementing p2p.Client. Messages are routed to
// the registered workers; chain replicas sign storage acknowledgements with
// their own keys.

type fakeNet struct {
	mu             sync.Mutex
	workers        map[string]*worker.Worker
	replicas       map[string]crypto.KeyPair
	deadReplicas   map[string]bool
	chainCalls     map[string]int
	ioCalls        int
	crossValidates []p2p.CrossValidate
	attestations   []p2p.ReplicationAttestation
	cvSignal       chan p2p.CrossValidate
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		workers:      make(map[string]*worker.Worker),
		replicas:     make(map[string]crypto.KeyPair),
		deadReplicas: make(map[string]bool),
		chainCalls:   make(map[string]int),
		cvSignal:     make(chan p2p.CrossValidate, 8),
	}
}

func (f *fakeNet) register(key address.PublicKey, w *worker.Worker) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workers[string(key)] = w
}

func (f *fakeNet) addReplica(kp crypto.KeyPair) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replicas[string(kp.PublicKey)] = kp
}

// route finds the worker registered under the node's last key, waiting
// briefly for registrations racing with worker startup.
func (f *fakeNet) route(node peer.Node) *worker.Worker {
	for i := 0; i < 20; i++ {
		f.mu.Lock()
		w := f.workers[string(node.LastPublicKey)]
		f.mu.Unlock()
		if w != nil {
			return w
		}
		time.Sleep(25 * time.Millisecond)
	}
	return nil
}

func (f *fakeNet) SendStartMining(ctx context.Context, node peer.Node, msg p2p.StartMining) error {
	return nil
}

func (f *fakeNet) SendMiningContext(ctx context.Context, node peer.Node, msg p2p.AddMiningContext) error {
	if w := f.route(node); w != nil {
		w.AddMiningContext(msg)
	}
	return nil
}

func (f *fakeNet) SendCrossValidate(ctx context.Context, node peer.Node, msg p2p.CrossValidate) error {
	f.mu.Lock()
	f.crossValidates = append(f.crossValidates, msg)
	f.mu.Unlock()

	select {
	case f.cvSignal <- msg:
	default:
	}

	if w := f.route(node); w != nil {
		w.CrossValidate(msg)
	}
	return nil
}

func (f *fakeNet) SendCrossValidationDone(ctx context.Context, node peer.Node, msg p2p.CrossValidationDone) error {
	if w := f.route(node); w != nil {
		w.AddCrossValidationStamp(msg)
	}
	return nil
}

func (f *fakeNet) ReplicateChain(ctx context.Context, node peer.Node, msg p2p.ReplicateTransactionChain) (p2p.AcknowledgeStorage, error) {
	f.mu.Lock()
	kp, exists := f.replicas[string(node.FirstPublicKey)]
	dead := f.deadReplicas[string(node.FirstPublicKey)]
	if exists && !dead {
		f.chainCalls[string(node.FirstPublicKey)]++
	}
	f.mu.Unlock()

	if !exists || dead {
		return p2p.AcknowledgeStorage{}, p2p.ErrPeerUnavailable
	}

	summary := transaction.NewSummary(msg.Transaction).Serialize()
	sig, err := crypto.Sign(kp, summary)
	if err != nil {
		return p2p.AcknowledgeStorage{}, err
	}

	return p2p.AcknowledgeStorage{NodePublicKey: kp.PublicKey, Signature: sig}, nil
}

func (f *fakeNet) ReplicateIO(ctx context.Context, node peer.Node, msg p2p.ReplicateTransaction) error {
	f.mu.Lock()
	f.ioCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeNet) SendAttestation(ctx context.Context, node peer.Node, msg p2p.ReplicationAttestation) error {
	f.mu.Lock()
	f.attestations = append(f.attestations, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeNet) GetTransaction(ctx context.Context, node peer.Node, a address.Address) (transaction.Transaction, bool, error) {
	return transaction.Transaction{}, false, nil
}

func (f *fakeNet) GetUnspentOutputs(ctx context.Context, node peer.Node, a address.Address) ([]transaction.UnspentOutput, error) {
	return nil, nil
}

func (f *fakeNet) GetP2PView(ctx context.Context, node peer.Node, keys []address.PublicKey) (*bitset.BitSet, error) {
	return bitset.New(uint(len(keys))), nil
}

func (f *fakeNet) chainCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	total := 0
	for _, c := range f.chainCalls {
		total += c
	}
	return total
}

func (f *fakeNet) attestationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attestations)
}

func (f *fakeNet) crossValidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.crossValidates)
}

// =============================================================================
// Test rig: keys, committees and a signed pending transaction.

type rig struct {
	net        *fakeNet
	elect      *election.Election
	originKeys crypto.KeyPair
	chainKeys  crypto.KeyPair
	welcome    peer.Node
	replicas   []peer.Node
	tx         transaction.Transaction
}

func mustKeys(t *testing.T) crypto.KeyPair {
	t.Helper()

	kp, err := crypto.GenerateKeyPair(address.CurveED25519, 0)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to generate keys: %v", failed, err)
	}
	return kp
}

func asNode(kp crypto.KeyPair, host string) peer.Node {
	return peer.Node{
		FirstPublicKey: kp.PublicKey,
		LastPublicKey:  kp.PublicKey,
		Host:           host,
		GeoPatch:       "AAA",
		Authorized:     true,
		Available:      true,
	}
}

func newRig(t *testing.T, replicaCount int) *rig {
	t.Helper()

	r := rig{
		net:        newFakeNet(),
		elect:      election.New(election.Config{StorageNonce: []byte("test_nonce")}),
		originKeys: mustKeys(t),
		chainKeys:  mustKeys(t),
	}

	welcomeKeys := mustKeys(t)
	r.welcome = asNode(welcomeKeys, "welcome")

	for i := 0; i < replicaCount; i++ {
		kp := mustKeys(t)
		r.net.addReplica(kp)
		r.replicas = append(r.replicas, asNode(kp, "replica"))
	}

	// A signed pending transaction: the previous signature covers the
	// pending payload, the origin signature covers it with the previous
	// signature attached.
	txAddress, err := crypto.AddressFromPublicKey(r.chainKeys.PublicKey, address.HashSHA256)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to derive the tx address: %v", failed, err)
	}

	tx := transaction.Transaction{
		Version:           transaction.Version,
		Address:           txAddress,
		Type:              transaction.TypeData,
		Data:              transaction.Data{Content: []byte("mining workflow test")},
		PreviousPublicKey: r.chainKeys.PublicKey,
	}

	prevSig, err := crypto.Sign(r.chainKeys, tx.PayloadForPreviousSignature())
	if err != nil {
		t.Fatalf("\t%s\tShould be able to sign the transaction: %v", failed, err)
	}
	tx.PreviousSignature = prevSig

	originSig, err := crypto.Sign(r.originKeys, tx.PayloadForOriginSignature())
	if err != nil {
		t.Fatalf("\t%s\tShould be able to origin sign the transaction: %v", failed, err)
	}
	tx.OriginSignature = originSig

	r.tx = tx
	return &r
}

func (r *rig) builder(kp crypto.KeyPair) *stamp.Builder {
	return stamp.New(stamp.Config{
		Election:   r.elect,
		OriginKeys: []address.PublicKey{r.originKeys.PublicKey},
		NodeKeys:   kp,
	})
}

func (r *rig) startWorker(t *testing.T, kp crypto.KeyPair, validators []peer.Node) *worker.Worker {
	t.Helper()

	mctx := mcontext.New(r.tx, r.welcome, validators, r.replicas, nil, nil)

	w := worker.Start(worker.Config{
		NodeKeys: kp,
		Client:   r.net,
		Fetcher:  fetcher.New(fetcher.Config{Client: r.net, PeerTimeout: 250 * time.Millisecond}),
		Builder:  r.builder(kp),
		Detector: malicious.New(nil),
		Driver:   replication.New(replication.Config{Client: r.net, Deadline: 2 * time.Second}),

		Context:          mctx,
		PrevStorageNodes: r.replicas,

		StopTimeout:         8 * time.Second,
		ConfirmationPadding: 200 * time.Millisecond,
	})

	r.net.register(kp.PublicKey, w)
	return w
}

func waitDone(t *testing.T, w *worker.Worker, within time.Duration, who string) {
	t.Helper()

	select {
	case <-w.Done():
	case <-time.After(within):
		t.Fatalf("\t%s\tShould see %s terminate in time.", failed, who)
	}
}

// =============================================================================

func TestCoordinatorHappyPath(t *testing.T) {
	t.Log("Given the need to run a two validator committee to commitment.")
	{
		t.Logf("\tTest 0:\tWhen the cross validator affirms the stamp.")
		{
			r := newRig(t, 3)

			v1 := mustKeys(t)
			v2 := mustKeys(t)
			validators := []peer.Node{asNode(v1, "v1"), asNode(v2, "v2")}

			w1 := r.startWorker(t, v1, validators)
			w2 := r.startWorker(t, v2, validators)

			waitDone(t, w2, 10*time.Second, "the cross validator")
			waitDone(t, w1, 10*time.Second, "the coordinator")
			t.Logf("\t%s\tTest 0:\tShould see both workers terminate.", success)

			ctx1 := w1.Context()
			if ctx1.ValidationStamp == nil || len(ctx1.CrossValidationStamps) == 0 {
				t.Fatalf("\t%s\tTest 0:\tShould collect the stamps on the coordinator.", failed)
			}
			if len(ctx1.CrossValidationStamps[0].Inconsistencies) != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould collect an affirmative stamp, got %v", failed, ctx1.CrossValidationStamps[0].Inconsistencies)
			}
			t.Logf("\t%s\tTest 0:\tShould collect an affirmative cross validation stamp.", success)

			if !ctx1.AtomicCommitment() {
				t.Fatalf("\t%s\tTest 0:\tShould reach atomic commitment.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould reach atomic commitment.", success)

			if !ctx1.EnoughStorageConfirmations() || !w2.Context().EnoughStorageConfirmations() {
				t.Fatalf("\t%s\tTest 0:\tShould collect every storage acknowledgement on both workers.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould collect every storage acknowledgement on both workers.", success)

			if r.net.chainCallCount() == 0 {
				t.Fatalf("\t%s\tTest 0:\tShould broadcast the replication to the replicas.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould broadcast the replication to the replicas.", success)

			if r.net.attestationCount() == 0 {
				t.Fatalf("\t%s\tTest 0:\tShould broadcast the replication attestation.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould broadcast the replication attestation.", success)
		}
	}
}

func TestConsensusFailure(t *testing.T) {
	t.Log("Given the need to abort replication when stamps disagree.")
	{
		t.Logf("\tTest 0:\tWhen one cross validator reports an inconsistency.")
		{
			r := newRig(t, 3)

			v1 := mustKeys(t)
			v2 := mustKeys(t)
			v3 := mustKeys(t)
			validators := []peer.Node{asNode(v1, "v1"), asNode(v2, "v2"), asNode(v3, "v3")}

			w1 := r.startWorker(t, v1, validators)

			// Both cross validators hand their context to the coordinator.
			for _, key := range []address.PublicKey{v2.PublicKey, v3.PublicKey} {
				w1.AddMiningContext(p2p.AddMiningContext{
					TxAddress:          r.tx.Address,
					ValidatorPublicKey: key,
				})
			}

			var vstamp transaction.ValidationStamp
			select {
			case msg := <-r.net.cvSignal:
				vstamp = msg.ValidationStamp
			case <-time.After(5 * time.Second):
				t.Fatalf("\t%s\tTest 0:\tShould see the coordinator distribute the stamp.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould see the coordinator distribute the stamp.", success)

			// V2 affirms, V3 disputes the proof of work.
			affirm, err := crypto.Sign(v2, transaction.CrossValidationStampPayload(vstamp, nil))
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the stamp: %v", failed, err)
			}
			w1.AddCrossValidationStamp(p2p.CrossValidationDone{
				TxAddress: r.tx.Address,
				CrossValidationStamp: transaction.CrossValidationStamp{
					NodePublicKey: v2.PublicKey,
					Signature:     affirm,
				},
			})

			inc := []byte{transaction.InconsistencyProofOfWork}
			dispute, err := crypto.Sign(v3, transaction.CrossValidationStampPayload(vstamp, inc))
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the stamp: %v", failed, err)
			}
			w1.AddCrossValidationStamp(p2p.CrossValidationDone{
				TxAddress: r.tx.Address,
				CrossValidationStamp: transaction.CrossValidationStamp{
					NodePublicKey:   v3.PublicKey,
					Signature:       dispute,
					Inconsistencies: inc,
				},
			})

			waitDone(t, w1, 10*time.Second, "the coordinator")

			if w1.Context().AtomicCommitment() {
				t.Fatalf("\t%s\tTest 0:\tShould not reach atomic commitment.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould not reach atomic commitment.", success)

			if r.net.chainCallCount() != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould not send any chain replication.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould not send any chain replication.", success)

			if r.net.attestationCount() != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould not broadcast any attestation.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould not broadcast any attestation.", success)
		}
	}
}

func TestSlowCrossValidator(t *testing.T) {
	t.Log("Given the need to stop when no cross validator confirms in time.")
	{
		t.Logf("\tTest 0:\tWhen the confirmation budget elapses silently.")
		{
			r := newRig(t, 3)

			v1 := mustKeys(t)
			v2 := mustKeys(t)
			validators := []peer.Node{asNode(v1, "v1"), asNode(v2, "v2")}

			// Only the coordinator runs; the cross validator stays silent.
			w1 := r.startWorker(t, v1, validators)

			waitDone(t, w1, 10*time.Second, "the coordinator")
			t.Logf("\t%s\tTest 0:\tShould see the coordinator stop on its own.", success)

			if w1.Context().ValidationStamp != nil {
				t.Fatalf("\t%s\tTest 0:\tShould not produce a validation stamp.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould not produce a validation stamp.", success)

			if r.net.crossValidateCount() != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould not distribute any stamp.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould not distribute any stamp.", success)

			if r.net.chainCallCount() != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould not start replication.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould not start replication.", success)
		}
	}
}

func TestUnresponsiveReplica(t *testing.T) {
	t.Log("Given the need to honor the storage quorum when a replica dies.")
	{
		t.Logf("\tTest 0:\tWhen one of three replicas never acknowledges.")
		{
			r := newRig(t, 3)

			dead := r.replicas[2].FirstPublicKey
			r.net.mu.Lock()
			r.net.deadReplicas[string(dead)] = true
			r.net.mu.Unlock()

			v1 := mustKeys(t)
			validators := []peer.Node{asNode(v1, "v1")}

			// A committee of one with a two of three quorum.
			mctx := mcontext.New(r.tx, r.welcome, validators, r.replicas, nil, nil)
			mctx.StorageThreshold = 2

			w := worker.Start(worker.Config{
				NodeKeys: v1,
				Client:   r.net,
				Fetcher:  fetcher.New(fetcher.Config{Client: r.net, PeerTimeout: 250 * time.Millisecond}),
				Builder:  r.builder(v1),
				Detector: malicious.New(nil),
				Driver:   replication.New(replication.Config{Client: r.net, Deadline: 2 * time.Second}),

				Context:          mctx,
				PrevStorageNodes: r.replicas,

				StopTimeout: 8 * time.Second,
			})
			r.net.register(v1.PublicKey, w)

			waitDone(t, w, 10*time.Second, "the worker")

			ctx := w.Context()
			if len(ctx.StorageConfirmations) != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould count two acknowledgements, got %d", failed, len(ctx.StorageConfirmations))
			}
			t.Logf("\t%s\tTest 0:\tShould count two acknowledgements.", success)

			if r.net.attestationCount() == 0 {
				t.Fatalf("\t%s\tTest 0:\tShould still broadcast the attestation at quorum.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould still broadcast the attestation at quorum.", success)
		}
	}
}
