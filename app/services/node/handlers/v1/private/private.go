// Package private maintains the group of handlers for node to node access:
// the mining workflow messages, the replication messages and the context
// queries the fetcher issues.
package private

import (
	"context"
	"errors"
	"net/http"

	"github.com/archethic/node/business/web/errs"
	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/index"
	"github.com/archethic/node/foundation/nodestate"
	"github.com/archethic/node/foundation/p2p"
	"github.com/archethic/node/foundation/web"
	"go.uber.org/zap"
)

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log  *zap.SugaredLogger
	Node *nodestate.Node
}

// Routes binds all the private routes.
func Routes(app *web.App, cfg Config) {
	prv := Handlers{
		Log:  cfg.Log,
		Node: cfg.Node,
	}

	const version = "v1"

	app.Handle(http.MethodPost, version, "/node/mining/start", prv.StartMining)
	app.Handle(http.MethodPost, version, "/node/mining/context", prv.AddMiningContext)
	app.Handle(http.MethodPost, version, "/node/mining/cross_validate", prv.CrossValidate)
	app.Handle(http.MethodPost, version, "/node/mining/cross_validation_done", prv.CrossValidationDone)
	app.Handle(http.MethodPost, version, "/node/replication/chain", prv.ReplicateChain)
	app.Handle(http.MethodPost, version, "/node/replication/io", prv.ReplicateIO)
	app.Handle(http.MethodPost, version, "/node/replication/attestation", prv.Attestation)
	app.Handle(http.MethodGet, version, "/node/tx/:address", prv.Transaction)
	app.Handle(http.MethodGet, version, "/node/tx/:address/unspent_outputs", prv.UnspentOutputs)
	app.Handle(http.MethodPost, version, "/node/view", prv.P2PView)
}

// Handlers manages the set of node to node endpoints.
type Handlers struct {
	Log  *zap.SugaredLogger
	Node *nodestate.Node
}

// StartMining spins a mining worker for the handed over transaction.
func (h Handlers) StartMining(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var msg p2p.StartMining
	if err := web.Decode(r, &msg); err != nil {
		return errs.NewRequestError(err, http.StatusBadRequest)
	}

	if err := h.Node.StartMining(msg); err != nil {
		if errors.Is(err, nodestate.ErrAlreadyMining) {
			return web.Respond(ctx, w, nil, http.StatusNoContent)
		}
		return errs.NewRequestError(err, http.StatusUnprocessableEntity)
	}

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// AddMiningContext routes a cross validator's context to the worker.
func (h Handlers) AddMiningContext(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var msg p2p.AddMiningContext
	if err := web.Decode(r, &msg); err != nil {
		return errs.NewRequestError(err, http.StatusBadRequest)
	}

	if err := h.Node.AddMiningContext(msg); err != nil {
		return errs.NewRequestError(err, http.StatusNotFound)
	}

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// CrossValidate routes the coordinator's validation stamp to the worker.
func (h Handlers) CrossValidate(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var msg p2p.CrossValidate
	if err := web.Decode(r, &msg); err != nil {
		return errs.NewRequestError(err, http.StatusBadRequest)
	}

	if err := h.Node.CrossValidate(msg); err != nil {
		return errs.NewRequestError(err, http.StatusNotFound)
	}

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// CrossValidationDone routes a cross validation stamp to the worker.
func (h Handlers) CrossValidationDone(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var msg p2p.CrossValidationDone
	if err := web.Decode(r, &msg); err != nil {
		return errs.NewRequestError(err, http.StatusBadRequest)
	}

	if err := h.Node.CrossValidationDone(msg); err != nil {
		return errs.NewRequestError(err, http.StatusNotFound)
	}

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// ReplicateChain persists a validated transaction and answers with the
// signed storage acknowledgement.
func (h Handlers) ReplicateChain(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var msg p2p.ReplicateTransactionChain
	if err := web.Decode(r, &msg); err != nil {
		return errs.NewRequestError(err, http.StatusBadRequest)
	}

	ack, err := h.Node.ReplicateChain(msg)
	if err != nil {
		return errs.NewRequestError(err, http.StatusUnprocessableEntity)
	}

	if !msg.AckStorage {
		return web.Respond(ctx, w, nil, http.StatusNoContent)
	}

	return web.Respond(ctx, w, ack, http.StatusOK)
}

// ReplicateIO persists a validated transaction for the IO role.
func (h Handlers) ReplicateIO(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var msg p2p.ReplicateTransaction
	if err := web.Decode(r, &msg); err != nil {
		return errs.NewRequestError(err, http.StatusBadRequest)
	}

	if err := h.Node.ReplicateIO(msg); err != nil {
		return errs.NewRequestError(err, http.StatusUnprocessableEntity)
	}

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// Attestation records a replication attestation.
func (h Handlers) Attestation(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var msg p2p.ReplicationAttestation
	if err := web.Decode(r, &msg); err != nil {
		return errs.NewRequestError(err, http.StatusBadRequest)
	}

	h.Node.AddAttestation(msg)

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// Transaction serves a stored transaction to a peer building its mining
// context.
func (h Handlers) Transaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	addr, err := address.FromString(web.Param(r, "address"))
	if err != nil {
		return errs.NewRequestError(err, http.StatusBadRequest)
	}

	tx, err := h.Node.GetTransaction(addr)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return errs.NewRequestError(err, http.StatusNotFound)
		}
		return err
	}

	return web.Respond(ctx, w, tx, http.StatusOK)
}

// UnspentOutputs serves the current unspent outputs of a chain.
func (h Handlers) UnspentOutputs(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	addr, err := address.FromString(web.Param(r, "address"))
	if err != nil {
		return errs.NewRequestError(err, http.StatusBadRequest)
	}

	utxos, err := h.Node.UnspentOutputs(addr)
	if err != nil {
		return err
	}

	return web.Respond(ctx, w, p2p.UnspentOutputsResponse{UnspentOutputs: utxos}, http.StatusOK)
}

// P2PView answers with this node's availability view of the requested
// nodes.
func (h Handlers) P2PView(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req p2p.P2PViewRequest
	if err := web.Decode(r, &req); err != nil {
		return errs.NewRequestError(err, http.StatusBadRequest)
	}

	return web.Respond(ctx, w, p2p.P2PViewResponse{View: h.Node.P2PView(req.NodePublicKeys)}, http.StatusOK)
}
