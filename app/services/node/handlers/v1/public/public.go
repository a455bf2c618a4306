// Package public maintains the group of handlers for client access: the
// welcome path accepting pending transactions and the read surface over the
// chain storage.
package public

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/archethic/node/business/web/errs"
	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/index"
	"github.com/archethic/node/foundation/events"
	"github.com/archethic/node/foundation/nodestate"
	"github.com/archethic/node/foundation/web"
	"go.uber.org/zap"
)

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log  *zap.SugaredLogger
	Node *nodestate.Node
	Evts *events.Feed
}

// Routes binds all the public routes.
func Routes(app *web.App, cfg Config) {
	pbl := Handlers{
		Log:  cfg.Log,
		Node: cfg.Node,
		Evts: cfg.Evts,
	}

	const version = "v1"

	app.Handle(http.MethodPost, version, "/tx", pbl.SubmitTransaction)
	app.Handle(http.MethodGet, version, "/tx/:address", pbl.Transaction)
	app.Handle(http.MethodGet, version, "/tx/:address/last", pbl.LastTransaction)
	app.Handle(http.MethodGet, version, "/chain/:address", pbl.Chain)
	app.Handle(http.MethodGet, version, "/chain/:address/last_address", pbl.LastAddress)
	app.Handle(http.MethodGet, version, "/balance/:address", pbl.Balance)
	app.Handle(http.MethodGet, version, "/stats", pbl.Stats)

	app.HandleRaw(http.MethodGet, version, "/events", pbl.Events)
}

// Handlers manages the set of public endpoints.
type Handlers struct {
	Log  *zap.SugaredLogger
	Node *nodestate.Node
	Evts *events.Feed
}

// SubmitTransaction accepts a pending transaction, elects the validation
// committee and hands the transaction over. This node becomes the welcome
// node of the transaction.
func (h Handlers) SubmitTransaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req SubmitTransaction
	if err := web.Decode(r, &req); err != nil {
		return errs.NewRequestError(err, http.StatusBadRequest)
	}

	if err := h.Node.AcceptTransaction(ctx, req.Transaction); err != nil {
		return errs.NewRequestError(err, http.StatusUnprocessableEntity)
	}

	resp := SubmitResponse{
		Status:  "pending",
		Address: req.Transaction.Address,
	}

	return web.Respond(ctx, w, resp, http.StatusCreated)
}

// Transaction returns a stored transaction by address.
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

// LastTransaction returns the most recent transaction of a chain.
func (h Handlers) LastTransaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	addr, err := address.FromString(web.Param(r, "address"))
	if err != nil {
		return errs.NewRequestError(err, http.StatusBadRequest)
	}

	tx, err := h.Node.LastTransaction(addr)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return errs.NewRequestError(err, http.StatusNotFound)
		}
		return err
	}

	return web.Respond(ctx, w, tx, http.StatusOK)
}

// Chain replays a transaction chain, paged by the from query parameter.
func (h Handlers) Chain(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	addr, err := address.FromString(web.Param(r, "address"))
	if err != nil {
		return errs.NewRequestError(err, http.StatusBadRequest)
	}

	var from uint64
	if v := r.URL.Query().Get("from"); v != "" {
		from, err = strconv.ParseUint(v, 10, 32)
		if err != nil {
			return errs.NewRequestError(err, http.StatusBadRequest)
		}
	}

	txs, next, more, err := h.Node.GetChain(addr, uint32(from))
	if err != nil {
		return err
	}

	return web.Respond(ctx, w, ChainResponse{Transactions: txs, NextOffset: next, More: more}, http.StatusOK)
}

// LastAddress resolves the head of a chain, optionally bounded by the until
// query parameter carrying unix seconds.
func (h Handlers) LastAddress(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	addr, err := address.FromString(web.Param(r, "address"))
	if err != nil {
		return errs.NewRequestError(err, http.StatusBadRequest)
	}

	var until *time.Time
	if v := r.URL.Query().Get("until"); v != "" {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errs.NewRequestError(err, http.StatusBadRequest)
		}
		ts := time.Unix(secs, 0).UTC()
		until = &ts
	}

	last, err := h.Node.LastAddress(addr, until)
	if err != nil {
		return err
	}

	return web.Respond(ctx, w, LastAddressResponse{Address: last}, http.StatusOK)
}

// Balance sums the UCO unspent outputs of a chain.
func (h Handlers) Balance(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	addr, err := address.FromString(web.Param(r, "address"))
	if err != nil {
		return errs.NewRequestError(err, http.StatusBadRequest)
	}

	return web.Respond(ctx, w, BalanceResponse{Balance: h.Node.Balance(addr)}, http.StatusOK)
}

// Stats reports the node's storage and workflow counters.
func (h Handlers) Stats(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	resp := StatsResponse{
		MiningWorkflows: h.Node.MiningWorkflows(),
		Attestations:    len(h.Node.Attestations()),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}
