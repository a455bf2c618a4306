package transaction

import (
	"bytes"
	"time"

	"github.com/archethic/node/foundation/chain/address"
)

// Summary condenses a validated transaction for replication attestations and
// storage acknowledgements. Replicas sign the serialized summary rather than
// the full transaction to bound message sizes.
type Summary struct {
	Address           address.Address   `json:"address"`
	Type              byte              `json:"type"`
	Timestamp         time.Time         `json:"timestamp"`
	Fee               uint64            `json:"fee"`
	MovementAddresses []address.Address `json:"movement_addresses"`
}

// NewSummary builds the summary of a validated transaction. The validation
// stamp must be present.
func NewSummary(tx Transaction) Summary {
	s := Summary{
		Address: tx.Address,
		Type:    tx.Type,
	}

	if tx.ValidationStamp == nil {
		return s
	}

	s.Timestamp = tx.ValidationStamp.Timestamp
	s.Fee = tx.ValidationStamp.LedgerOperations.Fee

	for _, mv := range tx.ValidationStamp.LedgerOperations.TransactionMovements {
		s.MovementAddresses = append(s.MovementAddresses, mv.To)
	}

	return s
}

// Serialize renders the summary as the byte string covered by storage
// acknowledgement signatures.
func (s Summary) Serialize() []byte {
	var buf bytes.Buffer

	buf.Write(s.Address)
	buf.WriteByte(s.Type)
	writeUint64(&buf, uint64(s.Timestamp.UnixMilli()))
	writeUint64(&buf, s.Fee)

	buf.WriteByte(byte(len(s.MovementAddresses)))
	for _, addr := range s.MovementAddresses {
		buf.Write(addr)
	}

	return buf.Bytes()
}
