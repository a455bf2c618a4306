package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/transaction"
	"github.com/archethic/node/foundation/peer"
	"github.com/bits-and-blooms/bitset"
	"github.com/cenkalti/backoff/v4"
)

// ErrPeerUnavailable wraps every transport level failure so callers can
// treat a slow, closed or refusing peer uniformly as a missing response.
var ErrPeerUnavailable = errors.New("peer unavailable")

// Client is the behavior the mining workflow requires to exchange messages
// with other nodes. The production implementation speaks the private HTTP
// API; tests substitute an in-memory fake.
type Client interface {
	SendStartMining(ctx context.Context, node peer.Node, msg StartMining) error
	SendMiningContext(ctx context.Context, node peer.Node, msg AddMiningContext) error
	SendCrossValidate(ctx context.Context, node peer.Node, msg CrossValidate) error
	SendCrossValidationDone(ctx context.Context, node peer.Node, msg CrossValidationDone) error
	ReplicateChain(ctx context.Context, node peer.Node, msg ReplicateTransactionChain) (AcknowledgeStorage, error)
	ReplicateIO(ctx context.Context, node peer.Node, msg ReplicateTransaction) error
	SendAttestation(ctx context.Context, node peer.Node, msg ReplicationAttestation) error
	GetTransaction(ctx context.Context, node peer.Node, txAddress address.Address) (transaction.Transaction, bool, error)
	GetUnspentOutputs(ctx context.Context, node peer.Node, txAddress address.Address) ([]transaction.UnspentOutput, error)
	GetP2PView(ctx context.Context, node peer.Node, keys []address.PublicKey) (*bitset.BitSet, error)
}

// =============================================================================

const baseURL = "http://%s/v1/node"

// HTTPClient delivers the logical messages over the private HTTP API of the
// destination nodes.
type HTTPClient struct {
	client http.Client
}

// NewHTTPClient constructs a client with the specified per-call timeout
// ceiling. Individual calls can tighten it further through their context.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client: http.Client{Timeout: timeout},
	}
}

// SendStartMining hands a pending transaction to a validation node. The
// welcome path retries with exponential backoff since losing the handoff
// loses the transaction.
func (c *HTTPClient) SendStartMining(ctx context.Context, node peer.Node, msg StartMining) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second

	operation := func() error {
		return c.send(ctx, http.MethodPost, c.url(node, "/mining/start"), msg, nil)
	}

	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

// SendMiningContext delivers a cross validator's context to the coordinator.
func (c *HTTPClient) SendMiningContext(ctx context.Context, node peer.Node, msg AddMiningContext) error {
	return c.send(ctx, http.MethodPost, c.url(node, "/mining/context"), msg, nil)
}

// SendCrossValidate distributes the validation stamp to a cross validator.
func (c *HTTPClient) SendCrossValidate(ctx context.Context, node peer.Node, msg CrossValidate) error {
	return c.send(ctx, http.MethodPost, c.url(node, "/mining/cross_validate"), msg, nil)
}

// SendCrossValidationDone returns a cross validation stamp to a validator.
func (c *HTTPClient) SendCrossValidationDone(ctx context.Context, node peer.Node, msg CrossValidationDone) error {
	return c.send(ctx, http.MethodPost, c.url(node, "/mining/cross_validation_done"), msg, nil)
}

// ReplicateChain asks a chain storage node to persist the transaction. The
// HTTP response carries either the storage acknowledgement or the error.
func (c *HTTPClient) ReplicateChain(ctx context.Context, node peer.Node, msg ReplicateTransactionChain) (AcknowledgeStorage, error) {
	var ack AcknowledgeStorage
	if err := c.send(ctx, http.MethodPost, c.url(node, "/replication/chain"), msg, &ack); err != nil {
		return AcknowledgeStorage{}, err
	}
	return ack, nil
}

// ReplicateIO forwards the validated transaction to an IO replication node.
func (c *HTTPClient) ReplicateIO(ctx context.Context, node peer.Node, msg ReplicateTransaction) error {
	return c.send(ctx, http.MethodPost, c.url(node, "/replication/io"), msg, nil)
}

// SendAttestation notifies a welcome or beacon node of the replication. The
// attestation is retried since beacon chains sample it.
func (c *HTTPClient) SendAttestation(ctx context.Context, node peer.Node, msg ReplicationAttestation) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second

	operation := func() error {
		return c.send(ctx, http.MethodPost, c.url(node, "/replication/attestation"), msg, nil)
	}

	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

// GetTransaction fetches a stored transaction from a storage node.
func (c *HTTPClient) GetTransaction(ctx context.Context, node peer.Node, txAddress address.Address) (transaction.Transaction, bool, error) {
	var tx transaction.Transaction
	err := c.send(ctx, http.MethodGet, c.url(node, "/tx/"+txAddress.String()), nil, &tx)
	switch {
	case errors.Is(err, errNotFound):
		return transaction.Transaction{}, false, nil
	case err != nil:
		return transaction.Transaction{}, false, err
	}
	return tx, true, nil
}

// GetUnspentOutputs fetches the current unspent outputs of a chain from a
// storage node.
func (c *HTTPClient) GetUnspentOutputs(ctx context.Context, node peer.Node, txAddress address.Address) ([]transaction.UnspentOutput, error) {
	var resp UnspentOutputsResponse
	if err := c.send(ctx, http.MethodGet, c.url(node, "/tx/"+txAddress.String()+"/unspent_outputs"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.UnspentOutputs, nil
}

// GetP2PView asks a node which of the specified nodes it currently sees as
// available, one bit per key.
func (c *HTTPClient) GetP2PView(ctx context.Context, node peer.Node, keys []address.PublicKey) (*bitset.BitSet, error) {
	var resp P2PViewResponse
	if err := c.send(ctx, http.MethodPost, c.url(node, "/view"), P2PViewRequest{NodePublicKeys: keys}, &resp); err != nil {
		return nil, err
	}
	return resp.View, nil
}

// =============================================================================

// errNotFound reports a 404 from a peer.
var errNotFound = errors.New("not found")

func (c *HTTPClient) url(node peer.Node, path string) string {
	return fmt.Sprintf(baseURL, node.Host) + path
}

// send is a helper function to send an HTTP request to a node.
func (c *HTTPClient) send(ctx context.Context, method string, url string, dataSend any, dataRecv any) error {
	var req *http.Request

	switch {
	case dataSend != nil:
		data, err := json.Marshal(dataSend)
		if err != nil {
			return err
		}
		req, err = http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
		if err != nil {
			return err
		}

	default:
		var err error
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return err
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPeerUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil

	case resp.StatusCode == http.StatusNotFound:
		return errNotFound

	case resp.StatusCode != http.StatusOK:
		msg, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return errors.New(string(msg))
	}

	if dataRecv != nil {
		if err := json.NewDecoder(resp.Body).Decode(dataRecv); err != nil {
			return err
		}
	}

	return nil
}
