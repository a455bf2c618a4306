package public

import (
	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/transaction"
)

// SubmitTransaction is the welcome request carrying a pending transaction.
type SubmitTransaction struct {
	Transaction transaction.Transaction `json:"transaction" validate:"required"`
}

// SubmitResponse acknowledges the acceptance of a pending transaction.
type SubmitResponse struct {
	Status  string          `json:"status"`
	Address address.Address `json:"address"`
}

// ChainResponse carries one page of a chain replay.
type ChainResponse struct {
	Transactions []transaction.Transaction `json:"transactions"`
	NextOffset   uint32                    `json:"next_offset"`
	More         bool                      `json:"more"`
}

// LastAddressResponse carries the resolved chain head.
type LastAddressResponse struct {
	Address address.Address `json:"address"`
}

// BalanceResponse carries the UCO balance of a chain.
type BalanceResponse struct {
	Balance uint64 `json:"balance"`
}

// StatsResponse reports the node's counters.
type StatsResponse struct {
	MiningWorkflows int `json:"mining_workflows"`
	Attestations    int `json:"attestations"`
}
