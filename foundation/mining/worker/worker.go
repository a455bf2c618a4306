// Package worker implements the per-transaction mining state machine. One
// worker runs per transaction under validation, owns the workflow context,
// and consumes the committee's messages from a private mailbox registered
// under the transaction address. The worker terminates on commitment, on
// consensus failure, or on its global timeout.
package worker

import (
	"context"
	"time"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/crypto"
	mcontext "github.com/archethic/node/foundation/mining/context"
	"github.com/archethic/node/foundation/mining/fetcher"
	"github.com/archethic/node/foundation/mining/malicious"
	"github.com/archethic/node/foundation/mining/replication"
	"github.com/archethic/node/foundation/mining/stamp"
	"github.com/archethic/node/foundation/p2p"
	"github.com/archethic/node/foundation/peer"
)

// State identifies where a worker is in the mining workflow.
type State int

// Set of worker states.
const (
	StateIdle State = iota
	StateCoordinator
	StateCrossValidator
	StateWaitCrossValidationStamps
	StateReplication
	StateConsensusNotReached
	StateStop
)

// String renders the state for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCoordinator:
		return "coordinator"
	case StateCrossValidator:
		return "cross_validator"
	case StateWaitCrossValidationStamps:
		return "wait_cross_validation_stamps"
	case StateReplication:
		return "replication"
	case StateConsensusNotReached:
		return "consensus_not_reached"
	case StateStop:
		return "stop"
	}
	return "unknown"
}

// Defaults applied when the configuration leaves a knob unset.
const (
	defaultStopTimeout         = 10 * time.Second
	defaultConfirmationPadding = 500 * time.Millisecond
	mailboxSize                = 64
)

// EventHandler defines a function that is called when events occur in the
// workflow.
type EventHandler func(v string, args ...any)

// Config holds the dependencies and the initial context of one workflow.
type Config struct {
	NodeKeys crypto.KeyPair
	Client   p2p.Client
	Fetcher  *fetcher.Fetcher
	Builder  *stamp.Builder
	Detector *malicious.Detector
	Driver   *replication.Driver

	// Context carries the transaction and the elected committees.
	Context mcontext.Context

	// PrevStorageNodes are the storage replicas of the previous address,
	// queried for the transaction context.
	PrevStorageNodes []peer.Node

	StopTimeout         time.Duration
	ConfirmationPadding time.Duration
	EvHandler           EventHandler

	// OnStop is called once when the worker terminates, letting the
	// registry release the transaction address.
	OnStop func(txAddress address.Address)
}

// Worker is the mining state machine of one transaction.
type Worker struct {
	cfg       Config
	evHandler EventHandler

	mailbox   chan any
	pending   []any
	postponed []any

	state             State
	mctx              mcontext.Context
	contextDuration   time.Duration
	waitConfirmations *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Start validates the configuration and launches the worker goroutine. The
// worker immediately validates the pending transaction, fetches the
// transaction context and assumes its role.
func Start(cfg Config) *Worker {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.ConfirmationPadding <= 0 {
		cfg.ConfirmationPadding = defaultConfirmationPadding
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := Worker{
		cfg:       cfg,
		evHandler: ev,
		mailbox:   make(chan any, mailboxSize),
		state:     StateIdle,
		mctx:      cfg.Context,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go w.run()

	return &w
}

// Done is closed once the worker has terminated.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Context returns the workflow context. Only safe to read once Done is
// closed.
func (w *Worker) Context() mcontext.Context {
	return w.mctx
}

// =============================================================================
// Mailbox. Every input arrives as a message; a full mailbox drops the
// message, which the sender experiences as a missing response.

// AddMiningContext delivers a cross validator's context message.
func (w *Worker) AddMiningContext(msg p2p.AddMiningContext) {
	w.deliver(msg)
}

// CrossValidate delivers the coordinator's validation stamp message.
func (w *Worker) CrossValidate(msg p2p.CrossValidate) {
	w.deliver(msg)
}

// AddCrossValidationStamp delivers a cross validation stamp message.
func (w *Worker) AddCrossValidationStamp(msg p2p.CrossValidationDone) {
	w.deliver(msg)
}

func (w *Worker) deliver(msg any) {
	select {
	case w.mailbox <- msg:
	case <-w.done:
	default:
		w.evHandler("worker: mailbox full: tx[%s] message dropped", w.mctx.Transaction.Address)
	}
}
