package transaction

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/archethic/node/foundation/chain/address"
)

// The chain files concatenate transactions in this encoding. Every field is
// either fixed width, length prefixed, or self-describing via the curve and
// hash algorithm ids, so a record can be replayed without an outer length.
// All multi byte integers are big endian.

// Encode serializes the full transaction, stamps included.
func Encode(tx Transaction) []byte {
	var buf bytes.Buffer

	buf.Write(encodePending(tx, true))
	writeBytes8(&buf, tx.OriginSignature)

	if tx.ValidationStamp != nil {
		buf.WriteByte(1)
		buf.Write(EncodeValidationStamp(*tx.ValidationStamp))
	} else {
		buf.WriteByte(0)
	}

	buf.WriteByte(byte(len(tx.CrossValidationStamps)))
	for _, stamp := range tx.CrossValidationStamps {
		buf.Write(encodeCrossValidationStamp(stamp))
	}

	return buf.Bytes()
}

// encodePending serializes the pending part of a transaction: everything the
// previous signature covers, optionally followed by the previous signature
// itself for the origin signature payload.
func encodePending(tx Transaction, withPreviousSignature bool) []byte {
	var buf bytes.Buffer

	writeUint32(&buf, tx.Version)
	buf.Write(tx.Address)
	buf.WriteByte(tx.Type)

	writeBytes32(&buf, tx.Data.Content)
	writeBytes32(&buf, tx.Data.Code)

	buf.WriteByte(byte(len(tx.Data.Ownerships)))
	for _, own := range tx.Data.Ownerships {
		writeBytes32(&buf, own.Secret)
		buf.WriteByte(byte(len(own.AuthorizedKeys)))
		for _, ak := range own.AuthorizedKeys {
			buf.Write(ak.PublicKey)
			writeBytes32(&buf, ak.EncryptedSecretKey)
		}
	}

	buf.WriteByte(byte(len(tx.Data.Ledger.UCOTransfers)))
	for _, tr := range tx.Data.Ledger.UCOTransfers {
		buf.Write(tr.To)
		writeUint64(&buf, tr.Amount)
	}

	buf.WriteByte(byte(len(tx.Data.Ledger.TokenTransfers)))
	for _, tr := range tx.Data.Ledger.TokenTransfers {
		buf.Write(tr.TokenAddress)
		buf.Write(tr.To)
		writeUint64(&buf, tr.Amount)
		buf.WriteByte(tr.TokenID)
	}

	buf.WriteByte(byte(len(tx.Data.Recipients)))
	for _, rcp := range tx.Data.Recipients {
		buf.Write(rcp)
	}

	buf.Write(tx.PreviousPublicKey)

	if withPreviousSignature {
		writeBytes8(&buf, tx.PreviousSignature)
	}

	return buf.Bytes()
}

// EncodeValidationStamp serializes a validation stamp, signature included.
func EncodeValidationStamp(s ValidationStamp) []byte {
	var buf bytes.Buffer
	buf.Write(ValidationStampPayload(s))
	writeBytes8(&buf, s.Signature)
	return buf.Bytes()
}

// ValidationStampPayload serializes the part of a validation stamp covered
// by the coordinator signature and the cross validation signatures.
func ValidationStampPayload(s ValidationStamp) []byte {
	var buf bytes.Buffer

	writeUint64(&buf, uint64(s.Timestamp.UnixMilli()))
	buf.Write(s.ProofOfWork)
	writeBytes8(&buf, s.ProofOfIntegrity)
	writeBytes8(&buf, s.ProofOfElection)

	writeUint64(&buf, s.LedgerOperations.Fee)

	buf.WriteByte(byte(len(s.LedgerOperations.TransactionMovements)))
	for _, mv := range s.LedgerOperations.TransactionMovements {
		buf.Write(mv.To)
		writeUint64(&buf, mv.Amount)
		buf.WriteByte(byte(mv.Type))
		if mv.Type == MovementToken {
			buf.Write(mv.TokenAddress)
		}
	}

	buf.WriteByte(byte(len(s.LedgerOperations.UnspentOutputs)))
	for _, uo := range s.LedgerOperations.UnspentOutputs {
		buf.Write(uo.From)
		writeUint64(&buf, uo.Amount)
		buf.WriteByte(byte(uo.Type))
		writeUint64(&buf, uint64(uo.Timestamp.UnixMilli()))
	}

	buf.WriteByte(byte(len(s.LedgerOperations.NodeMovements)))
	for _, mv := range s.LedgerOperations.NodeMovements {
		buf.Write(mv.PublicKey)
		writeUint64(&buf, mv.Amount)
	}

	return buf.Bytes()
}

// CrossValidationStampPayload serializes the bytes a cross validator signs:
// the validation stamp payload followed by the reported inconsistencies.
func CrossValidationStampPayload(stamp ValidationStamp, inconsistencies []byte) []byte {
	var buf bytes.Buffer
	buf.Write(ValidationStampPayload(stamp))
	buf.WriteByte(byte(len(inconsistencies)))
	buf.Write(inconsistencies)
	return buf.Bytes()
}

func encodeCrossValidationStamp(s CrossValidationStamp) []byte {
	var buf bytes.Buffer
	buf.Write(s.NodePublicKey)
	writeBytes8(&buf, s.Signature)
	buf.WriteByte(byte(len(s.Inconsistencies)))
	buf.Write(s.Inconsistencies)
	return buf.Bytes()
}

// =============================================================================

// Decode reads one transaction from the reader. The reader is left
// positioned at the start of the next record, which makes chain file replay
// a loop over Decode until io.EOF.
func Decode(r io.Reader) (Transaction, error) {
	d := decoder{r: r}

	var tx Transaction
	tx.Version = d.uint32()
	tx.Address = d.address()
	tx.Type = d.byte()

	tx.Data.Content = d.bytes32()
	tx.Data.Code = d.bytes32()

	ownCount := d.byte()
	for i := 0; i < int(ownCount); i++ {
		var own Ownership
		own.Secret = d.bytes32()
		akCount := d.byte()
		for j := 0; j < int(akCount); j++ {
			var ak AuthorizedKey
			ak.PublicKey = d.publicKey()
			ak.EncryptedSecretKey = d.bytes32()
			own.AuthorizedKeys = append(own.AuthorizedKeys, ak)
		}
		tx.Data.Ownerships = append(tx.Data.Ownerships, own)
	}

	ucoCount := d.byte()
	for i := 0; i < int(ucoCount); i++ {
		var tr UCOTransfer
		tr.To = d.address()
		tr.Amount = d.uint64()
		tx.Data.Ledger.UCOTransfers = append(tx.Data.Ledger.UCOTransfers, tr)
	}

	tokenCount := d.byte()
	for i := 0; i < int(tokenCount); i++ {
		var tr TokenTransfer
		tr.TokenAddress = d.address()
		tr.To = d.address()
		tr.Amount = d.uint64()
		tr.TokenID = d.byte()
		tx.Data.Ledger.TokenTransfers = append(tx.Data.Ledger.TokenTransfers, tr)
	}

	rcpCount := d.byte()
	for i := 0; i < int(rcpCount); i++ {
		tx.Data.Recipients = append(tx.Data.Recipients, d.address())
	}

	tx.PreviousPublicKey = d.publicKey()
	tx.PreviousSignature = d.bytes8()
	tx.OriginSignature = d.bytes8()

	if present := d.byte(); present == 1 {
		stamp := d.validationStamp()
		tx.ValidationStamp = &stamp
	}

	stampCount := d.byte()
	for i := 0; i < int(stampCount); i++ {
		var s CrossValidationStamp
		s.NodePublicKey = d.publicKey()
		s.Signature = d.bytes8()
		incCount := d.byte()
		s.Inconsistencies = d.fixed(int(incCount))
		tx.CrossValidationStamps = append(tx.CrossValidationStamps, s)
	}

	if d.err != nil {
		return Transaction{}, d.err
	}

	return tx, nil
}

// =============================================================================

type decoder struct {
	r   io.Reader
	err error
}

func (d *decoder) fixed(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		d.err = err
		return nil
	}
	return buf
}

func (d *decoder) byte() byte {
	b := d.fixed(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) uint32() uint32 {
	b := d.fixed(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) uint64() uint64 {
	b := d.fixed(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *decoder) bytes8() []byte {
	n := d.byte()
	return d.fixed(int(n))
}

func (d *decoder) bytes32() []byte {
	n := d.uint32()
	return d.fixed(int(n))
}

func (d *decoder) address() address.Address {
	header := d.fixed(2)
	if header == nil {
		return nil
	}
	size, err := address.HashSize(header[1])
	if err != nil {
		d.err = fmt.Errorf("decoding address: %w", err)
		return nil
	}
	digest := d.fixed(size)
	if digest == nil {
		return nil
	}
	return address.New(header[0], header[1], digest)
}

func (d *decoder) publicKey() address.PublicKey {
	header := d.fixed(2)
	if header == nil {
		return nil
	}
	size, err := address.KeySize(header[0])
	if err != nil {
		d.err = fmt.Errorf("decoding public key: %w", err)
		return nil
	}
	key := d.fixed(size)
	if key == nil {
		return nil
	}
	return address.NewPublicKey(header[0], header[1], key)
}

func (d *decoder) validationStamp() ValidationStamp {
	var s ValidationStamp

	s.Timestamp = time.UnixMilli(int64(d.uint64())).UTC()
	s.ProofOfWork = d.publicKey()
	s.ProofOfIntegrity = d.bytes8()
	s.ProofOfElection = d.bytes8()

	s.LedgerOperations.Fee = d.uint64()

	mvCount := d.byte()
	for i := 0; i < int(mvCount); i++ {
		var mv Movement
		mv.To = d.address()
		mv.Amount = d.uint64()
		mv.Type = MovementType(d.byte())
		if mv.Type == MovementToken {
			mv.TokenAddress = d.address()
		}
		s.LedgerOperations.TransactionMovements = append(s.LedgerOperations.TransactionMovements, mv)
	}

	uoCount := d.byte()
	for i := 0; i < int(uoCount); i++ {
		var uo UnspentOutput
		uo.From = d.address()
		uo.Amount = d.uint64()
		uo.Type = MovementType(d.byte())
		uo.Timestamp = time.UnixMilli(int64(d.uint64())).UTC()
		s.LedgerOperations.UnspentOutputs = append(s.LedgerOperations.UnspentOutputs, uo)
	}

	nmCount := d.byte()
	for i := 0; i < int(nmCount); i++ {
		var mv NodeMovement
		mv.PublicKey = d.publicKey()
		mv.Amount = d.uint64()
		s.LedgerOperations.NodeMovements = append(s.LedgerOperations.NodeMovements, mv)
	}

	s.Signature = d.bytes8()

	return s
}

// =============================================================================

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBytes8(buf *bytes.Buffer, b []byte) {
	buf.WriteByte(byte(len(b)))
	buf.Write(b)
}

func writeBytes32(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}
