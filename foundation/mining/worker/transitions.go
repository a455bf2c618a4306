package worker

import (
	"time"

	"github.com/archethic/node/foundation/chain/crypto"
	"github.com/archethic/node/foundation/chain/transaction"
	"github.com/archethic/node/foundation/mining/replication"
	"github.com/archethic/node/foundation/mining/validation"
	"github.com/archethic/node/foundation/p2p"
	"github.com/archethic/node/foundation/peer"
)

// run is the worker goroutine: one pass of role assumption, then the
// message loop until the workflow stops.
func (w *Worker) run() {
	defer w.terminate()

	stopTimer := time.NewTimer(w.cfg.StopTimeout)
	defer stopTimer.Stop()

	w.start()

	for w.state != StateStop {
		var msg any

		switch {
		case len(w.pending) > 0:
			msg = w.pending[0]
			w.pending = w.pending[1:]

		default:
			select {
			case msg = <-w.mailbox:

			case <-w.confirmationTimeout():
				w.evHandler("worker: wait confirmations timeout: tx[%s]", w.mctx.Transaction.Address)
				w.waitConfirmations = nil
				w.createAndNotifyValidationStamp()
				continue

			case <-stopTimer.C:
				tx := w.mctx.Transaction
				typeName, _ := transaction.TypeName(tx.Type)
				w.evHandler("worker: stop timeout: tx[%s] type[%s] state[%s]", tx.Address, typeName, w.state)
				w.setState(StateStop)
				continue
			}
		}

		w.handle(msg)
	}
}

// confirmationTimeout exposes the wait confirmations timer as a channel,
// nil while the timer is not armed so the select never fires.
func (w *Worker) confirmationTimeout() <-chan time.Time {
	if w.waitConfirmations == nil {
		return nil
	}
	return w.waitConfirmations.C
}

// setState transitions the machine and redelivers the postponed messages so
// the new state can consume what the old one could not.
func (w *Worker) setState(s State) {
	w.evHandler("worker: transition: tx[%s] %s -> %s", w.mctx.Transaction.Address, w.state, s)
	w.state = s

	if len(w.postponed) > 0 {
		w.pending = append(w.pending, w.postponed...)
		w.postponed = nil
	}
}

// postpone queues a message for redelivery on the next state entry.
func (w *Worker) postpone(msg any) {
	w.postponed = append(w.postponed, msg)
}

// terminate releases the workflow resources and the registry entry.
func (w *Worker) terminate() {
	w.cancel()

	if w.cfg.OnStop != nil {
		w.cfg.OnStop(w.mctx.Transaction.Address)
	}

	close(w.done)
	w.evHandler("worker: stopped: tx[%s]", w.mctx.Transaction.Address)
}

// =============================================================================

// start validates the pending transaction, fetches the transaction context
// and assumes the coordinator or cross validator role.
func (w *Worker) start() {
	tx := w.mctx.Transaction

	err := validation.Validate(tx)
	w.mctx = w.mctx.WithPendingValidation(err == nil)
	if err != nil {
		w.evHandler("worker: pending validation failed: tx[%s]: %s", tx.Address, err)
	}

	prevAddress, err := tx.PreviousAddress()
	if err != nil {
		w.evHandler("worker: previous address: tx[%s]: %s", tx.Address, err)
		w.setState(StateStop)
		return
	}

	result := w.cfg.Fetcher.Fetch(w.ctx, prevAddress, w.cfg.PrevStorageNodes, w.mctx.BeaconStorageNodes)
	w.contextDuration = result.Duration

	w.mctx = w.mctx.WithLocalContext(
		result.PreviousTransaction,
		result.UnspentOutputs,
		result.PreviousStorageNodeKeys,
		result.ChainStorageNodesView,
		result.BeaconStorageNodesView,
	)

	if w.isCoordinator() {
		w.assumeCoordinator()
		return
	}

	w.assumeCrossValidator()
}

// isCoordinator compares this node's key to the coordinator node's last
// key, deterministically chosen by the election as the head of the
// validation node list.
func (w *Worker) isCoordinator() bool {
	return w.mctx.Coordinator().LastPublicKey.Equal(w.cfg.NodeKeys.PublicKey)
}

// assumeCoordinator arms the confirmation budget and waits for the cross
// validators' contexts. A committee of one skips straight to the stamp.
func (w *Worker) assumeCoordinator() {
	crossValidators := len(w.mctx.CrossValidators())

	if crossValidators == 0 {
		w.setState(StateCoordinator)
		w.createAndNotifyValidationStamp()
		return
	}

	budget := (w.contextDuration + w.cfg.ConfirmationPadding) * time.Duration(crossValidators)
	w.waitConfirmations = time.NewTimer(budget)

	w.evHandler("worker: coordinator: tx[%s] cross-validators[%d] budget[%v]", w.mctx.Transaction.Address, crossValidators, budget)
	w.setState(StateCoordinator)
}

// assumeCrossValidator notifies the coordinator with this node's context.
func (w *Worker) assumeCrossValidator() {
	msg := p2p.AddMiningContext{
		TxAddress:               w.mctx.Transaction.Address,
		ValidatorPublicKey:      w.cfg.NodeKeys.PublicKey,
		PreviousStorageNodeKeys: w.mctx.PreviousStorageNodeKeys,
		ChainStorageNodesView:   w.mctx.ChainStorageNodesView,
		BeaconStorageNodesView:  w.mctx.BeaconStorageNodesView,
	}

	if err := w.cfg.Client.SendMiningContext(w.ctx, w.mctx.Coordinator(), msg); err != nil {
		w.evHandler("worker: notify context: tx[%s]: %s", w.mctx.Transaction.Address, err)
	}

	w.setState(StateCrossValidator)
}

// =============================================================================

// handle dispatches one message against the current state. Messages
// arriving in a state that cannot consume them yet are postponed; messages
// that can never be valid are logged and dropped.
func (w *Worker) handle(msg any) {
	switch m := msg.(type) {
	case p2p.AddMiningContext:
		switch w.state {
		case StateCoordinator:
			w.handleMiningContext(m)
		case StateIdle:
			w.postpone(m)
		default:
			w.evHandler("worker: protocol violation: tx[%s] mining context in state[%s]", w.mctx.Transaction.Address, w.state)
		}

	case p2p.CrossValidate:
		switch w.state {
		case StateCrossValidator:
			w.handleCrossValidate(m)
		case StateIdle:
			w.postpone(m)
		default:
			w.evHandler("worker: protocol violation: tx[%s] cross validate in state[%s]", w.mctx.Transaction.Address, w.state)
		}

	case p2p.CrossValidationDone:
		switch w.state {
		case StateWaitCrossValidationStamps:
			w.handleCrossValidationDone(m)
		case StateIdle, StateCoordinator, StateCrossValidator:
			w.postpone(m)
		default:
			w.evHandler("worker: protocol violation: tx[%s] cross validation done in state[%s]", w.mctx.Transaction.Address, w.state)
		}

	case replication.Event:
		if w.state != StateReplication {
			w.postpone(m)
			return
		}
		w.handleReplicationEvent(m)
	}
}

// handleMiningContext aggregates a cross validator's context. When every
// expected cross validator has contributed, the confirmation timer is
// cancelled and the stamp is produced; the effect is the same whether the
// transition is driven by the last message or by the timer.
func (w *Worker) handleMiningContext(msg p2p.AddMiningContext) {
	idx, ok := w.mctx.CrossValidatorIndex(msg.ValidatorPublicKey)
	if !ok {
		w.evHandler("worker: protocol violation: tx[%s] context from non validator[%s]", w.mctx.Transaction.Address, msg.ValidatorPublicKey)
		return
	}

	w.mctx = w.mctx.AggregateMiningContext(idx, msg.PreviousStorageNodeKeys, msg.ChainStorageNodesView, msg.BeaconStorageNodesView)
	w.evHandler("worker: mining context: tx[%s] validator[%s]", w.mctx.Transaction.Address, msg.ValidatorPublicKey)

	if w.mctx.EnoughConfirmations() {
		if w.waitConfirmations != nil {
			w.waitConfirmations.Stop()
			w.waitConfirmations = nil
		}
		w.createAndNotifyValidationStamp()
	}
}

// createAndNotifyValidationStamp produces the validation stamp and the
// replication tree and distributes them to the confirmed cross validators.
func (w *Worker) createAndNotifyValidationStamp() {
	confirmed := w.mctx.ConfirmedCrossValidators()

	if len(w.mctx.CrossValidators()) > 0 && len(confirmed) == 0 {
		w.evHandler("worker: no cross validator confirmed: tx[%s]", w.mctx.Transaction.Address)
		w.setState(StateStop)
		return
	}

	vstamp, err := w.cfg.Builder.Create(w.mctx, time.Now().UTC())
	if err != nil {
		w.evHandler("worker: create stamp: tx[%s]: %s", w.mctx.Transaction.Address, err)
		w.setState(StateStop)
		return
	}

	w.mctx = w.mctx.WithValidationStamp(vstamp)
	w.mctx = w.mctx.WithReplicationTree(BuildReplicationTree(
		w.mctx.ValidationNodes,
		w.mctx.ChainStorageNodes,
		w.mctx.BeaconStorageNodes,
		w.mctx.IOStorageNodes,
	))

	// A committee of one cross validates its own stamp.
	if len(w.mctx.CrossValidators()) == 0 {
		cstamp, err := w.cfg.Builder.CrossValidate(w.mctx, vstamp, w.cfg.NodeKeys.PublicKey)
		if err != nil {
			w.evHandler("worker: self cross validate: tx[%s]: %s", w.mctx.Transaction.Address, err)
			w.setState(StateStop)
			return
		}
		w.mctx = w.mctx.AddCrossValidationStamp(cstamp)
		w.startReplication()
		return
	}

	msg := p2p.CrossValidate{
		TxAddress:                w.mctx.Transaction.Address,
		ValidationStamp:          vstamp,
		ReplicationTree:          w.mctx.ReplicationTree,
		ConfirmedValidationNodes: w.mctx.CrossValidationNodeConfirmation,
	}

	for _, node := range confirmed {
		if err := w.cfg.Client.SendCrossValidate(w.ctx, node, msg); err != nil {
			w.evHandler("worker: cross validate send: tx[%s] node[%s]: %s", w.mctx.Transaction.Address, node.Host, err)
		}
	}

	w.setState(StateWaitCrossValidationStamps)
}

// handleCrossValidate audits the coordinator's stamp, broadcasts this
// node's cross validation stamp, and moves on according to the committee
// size.
func (w *Worker) handleCrossValidate(msg p2p.CrossValidate) {
	w.mctx = w.mctx.WithValidationStamp(msg.ValidationStamp)
	w.mctx = w.mctx.WithReplicationTree(msg.ReplicationTree)
	w.mctx = w.mctx.WithConfirmation(msg.ConfirmedValidationNodes)

	cstamp, err := w.cfg.Builder.CrossValidate(w.mctx, msg.ValidationStamp, w.mctx.Coordinator().LastPublicKey)
	if err != nil {
		w.evHandler("worker: cross validate: tx[%s]: %s", w.mctx.Transaction.Address, err)
		w.setState(StateStop)
		return
	}

	w.mctx = w.mctx.AddCrossValidationStamp(cstamp)

	if len(cstamp.Inconsistencies) > 0 {
		names := make([]string, 0, len(cstamp.Inconsistencies))
		for _, inc := range cstamp.Inconsistencies {
			names = append(names, transaction.InconsistencyName(inc))
		}
		w.evHandler("worker: inconsistencies: tx[%s] %v", w.mctx.Transaction.Address, names)
	}

	done := p2p.CrossValidationDone{
		TxAddress:            w.mctx.Transaction.Address,
		CrossValidationStamp: cstamp,
	}

	for _, node := range w.crossValidationPeers() {
		if err := w.cfg.Client.SendCrossValidationDone(w.ctx, node, done); err != nil {
			w.evHandler("worker: cross validation done send: tx[%s] node[%s]: %s", w.mctx.Transaction.Address, node.Host, err)
		}
	}

	// A lone confirmed cross validator that affirms the stamp is the whole
	// consensus: replication starts without waiting.
	if len(w.mctx.ConfirmedCrossValidators()) == 1 && w.mctx.AtomicCommitment() {
		w.startReplication()
		return
	}

	w.setState(StateWaitCrossValidationStamps)
}

// crossValidationPeers lists the nodes to notify with this node's cross
// validation stamp: the coordinator and the other confirmed cross
// validators.
func (w *Worker) crossValidationPeers() []peer.Node {
	nodes := []peer.Node{w.mctx.Coordinator()}
	for _, node := range w.mctx.ConfirmedCrossValidators() {
		if !node.LastPublicKey.Equal(w.cfg.NodeKeys.PublicKey) {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// handleCrossValidationDone accumulates a cross validation stamp. Once
// every confirmed cross validator has answered, atomic commitment decides
// between replication and consensus failure.
func (w *Worker) handleCrossValidationDone(msg p2p.CrossValidationDone) {
	cstamp := msg.CrossValidationStamp

	if _, ok := w.mctx.CrossValidatorIndex(cstamp.NodePublicKey); !ok {
		w.evHandler("worker: protocol violation: tx[%s] stamp from non validator[%s]", w.mctx.Transaction.Address, cstamp.NodePublicKey)
		return
	}

	if w.mctx.ValidationStamp == nil {
		w.postpone(msg)
		return
	}

	payload := transaction.CrossValidationStampPayload(*w.mctx.ValidationStamp, cstamp.Inconsistencies)
	if !crypto.Verify(cstamp.NodePublicKey, payload, cstamp.Signature) {
		w.evHandler("worker: protocol violation: tx[%s] bad stamp signature from[%s]", w.mctx.Transaction.Address, cstamp.NodePublicKey)
		return
	}

	w.mctx = w.mctx.AddCrossValidationStamp(cstamp)

	if !w.mctx.EnoughCrossValidationStamps() {
		return
	}

	if !w.mctx.AtomicCommitment() {
		w.setState(StateConsensusNotReached)
		w.cfg.Detector.Report(w.mctx)
		w.setState(StateStop)
		return
	}

	w.startReplication()
}

// =============================================================================

// startReplication broadcasts the validated transaction to the chain
// storage nodes and funnels their acknowledgements into the mailbox.
func (w *Worker) startReplication() {
	w.setState(StateReplication)

	events := w.cfg.Driver.ReplicateChain(w.ctx, w.mctx.ValidatedTransaction(), w.mctx.ChainStorageNodes)

	go func() {
		for e := range events {
			w.deliver(e)
		}
	}()
}

// handleReplicationEvent counts a verified acknowledgement. A replica that
// answered with an error, or whose signature did not verify, is simply not
// counted. When the quorum is reached the attestation is broadcast and the
// workflow stops.
func (w *Worker) handleReplicationEvent(e replication.Event) {
	if e.Err != nil {
		w.evHandler("worker: replication error: tx[%s] node[%s]: %s", w.mctx.Transaction.Address, e.Node.Host, e.Err)
		return
	}

	idx, ok := w.mctx.StorageNodeIndex(e.Node.FirstPublicKey)
	if !ok {
		w.evHandler("worker: protocol violation: tx[%s] ack from non replica[%s]", w.mctx.Transaction.Address, e.Node.FirstPublicKey)
		return
	}

	w.mctx = w.mctx.AddStorageConfirmation(idx, e.Ack.Signature)
	w.evHandler("worker: ack storage: tx[%s] node[%d]", w.mctx.Transaction.Address, idx)

	if !w.mctx.EnoughStorageConfirmations() {
		return
	}

	w.notifyAttestation()
	w.setState(StateStop)
}

// notifyAttestation broadcasts the replication attestation to the welcome
// node and the beacon storage nodes, and forwards the transaction to the IO
// replicas this validator owns in the replication tree.
func (w *Worker) notifyAttestation() {
	validated := w.mctx.ValidatedTransaction()

	attestation := p2p.ReplicationAttestation{
		TransactionSummary: transaction.NewSummary(validated),
		Confirmations:      w.mctx.Confirmations(),
	}

	w.cfg.Driver.NotifyAttestation(w.ctx, attestation, w.mctx.WelcomeNode, w.mctx.BeaconStorageNodes)

	w.cfg.Driver.ReplicateIO(w.ctx, validated, w.ownIONodes())

	w.evHandler("worker: attestation notified: tx[%s] confirmations[%d]", w.mctx.Transaction.Address, len(attestation.Confirmations))
}

// ownIONodes selects the IO replicas assigned to this validator by the
// replication tree mask.
func (w *Worker) ownIONodes() []peer.Node {
	selfIdx := -1
	for i, node := range w.mctx.ValidationNodes {
		if node.LastPublicKey.Equal(w.cfg.NodeKeys.PublicKey) {
			selfIdx = i
			break
		}
	}

	if selfIdx < 0 || selfIdx >= len(w.mctx.ReplicationTree.IO) {
		return nil
	}

	mask := w.mctx.ReplicationTree.IO[selfIdx]
	if mask == nil {
		return nil
	}

	var nodes []peer.Node
	for i, node := range w.mctx.IOStorageNodes {
		if mask.Test(uint(i)) {
			nodes = append(nodes, node)
		}
	}

	return nodes
}
