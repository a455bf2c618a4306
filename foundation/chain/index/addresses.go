package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/crypto"
)

// The chain addresses file tracks, per genesis, every head the chain has had
// along with the second it was set: <unix_ts:u32><address>, append order.
// The keys file does the same for the chain public keys.

// SetLastChainAddress records a new chain head. The previous address is
// resolved to its genesis when it is a known transaction, otherwise it is
// taken to be the genesis itself.
func (ix *Index) SetLastChainAddress(previousAddress address.Address, newAddress address.Address, timestamp time.Time) error {
	if err := newAddress.Validate(); err != nil {
		return fmt.Errorf("new address: %w", err)
	}

	genesis := ix.resolveGenesis(previousAddress)

	record := make([]byte, 4, 4+len(newAddress))
	binary.BigEndian.PutUint32(record, uint32(timestamp.Unix()))
	record = append(record, newAddress...)

	if err := ix.appendFile(ix.addressesPath(genesis), record); err != nil {
		return fmt.Errorf("appending chain address record: %w", err)
	}

	ix.mu.Lock()
	ix.lastIndex[string(genesis)] = newAddress
	ix.mu.Unlock()

	return nil
}

// LastChainAddress returns the most recent head of the chain the address
// belongs to. An address with no known chain resolves to itself.
func (ix *Index) LastChainAddress(txAddress address.Address) (address.Address, error) {
	genesis := ix.resolveGenesis(txAddress)

	ix.mu.RLock()
	last, exists := ix.lastIndex[string(genesis)]
	ix.mu.RUnlock()

	if exists {
		return last, nil
	}

	// The in-memory entry is built lazily after a restart, so fall back to
	// the addresses file on disk.
	last, _, err := ix.scanAddresses(genesis, func(time.Time) bool { return true })
	if err != nil {
		return nil, err
	}
	if last == nil {
		return txAddress, nil
	}

	ix.mu.Lock()
	ix.lastIndex[string(genesis)] = last
	ix.mu.Unlock()

	return last, nil
}

// LastChainAddressBefore returns the chain head whose timestamp is the
// greatest less than or equal to until. An equal timestamp is accepted.
// When no head qualifies the queried address itself is returned.
func (ix *Index) LastChainAddressBefore(txAddress address.Address, until time.Time) (address.Address, error) {
	genesis := ix.resolveGenesis(txAddress)

	limit := until.Unix()
	last, _, err := ix.scanAddresses(genesis, func(ts time.Time) bool { return ts.Unix() <= limit })
	if err != nil {
		return nil, err
	}
	if last == nil {
		return txAddress, nil
	}

	return last, nil
}

// FirstChainAddress returns the genesis address of the chain the address
// belongs to.
func (ix *Index) FirstChainAddress(txAddress address.Address) (address.Address, error) {
	if err := txAddress.Validate(); err != nil {
		return nil, err
	}
	return ix.resolveGenesis(txAddress), nil
}

// scanAddresses walks the addresses file of a genesis and returns the last
// record whose timestamp is accepted by the keep predicate. A missing file
// or a truncated tail end the scan cleanly.
func (ix *Index) scanAddresses(genesis address.Address, keep func(time.Time) bool) (address.Address, time.Time, error) {
	f, err := os.Open(ix.addressesPath(genesis))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, err
	}
	defer f.Close()

	var lastAddr address.Address
	var lastTS time.Time

	for {
		var tsb [4]byte
		if _, err := io.ReadFull(f, tsb[:]); err != nil {
			break
		}

		addr, err := readAddress(f)
		if err != nil {
			break
		}

		ts := time.Unix(int64(binary.BigEndian.Uint32(tsb[:])), 0).UTC()
		if keep(ts) {
			lastAddr = addr
			lastTS = ts
		}
	}

	return lastAddr, lastTS, nil
}

// =============================================================================

// SetPublicKey records a chain public key with the second it became current.
func (ix *Index) SetPublicKey(genesisAddress address.Address, publicKey address.PublicKey, timestamp time.Time) error {
	if err := publicKey.Validate(); err != nil {
		return fmt.Errorf("public key: %w", err)
	}

	record := make([]byte, 4, 4+len(publicKey))
	binary.BigEndian.PutUint32(record, uint32(timestamp.Unix()))
	record = append(record, publicKey...)

	if err := ix.appendFile(ix.keysPath(genesisAddress), record); err != nil {
		return fmt.Errorf("appending chain key record: %w", err)
	}

	return nil
}

// FirstPublicKey returns the first public key of the chain the specified key
// belongs to. A key with no recorded chain resolves to itself.
func (ix *Index) FirstPublicKey(publicKey address.PublicKey) (address.PublicKey, error) {
	if err := publicKey.Validate(); err != nil {
		return nil, err
	}

	addr, err := crypto.AddressFromPublicKey(publicKey, address.HashSHA256)
	if err != nil {
		return nil, err
	}
	genesis := ix.resolveGenesis(addr)

	f, err := os.Open(ix.keysPath(genesis))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return publicKey, nil
		}
		return nil, err
	}
	defer f.Close()

	var tsb [4]byte
	if _, err := io.ReadFull(f, tsb[:]); err != nil {
		return publicKey, nil
	}

	first, err := readPublicKey(f)
	if err != nil {
		return publicKey, nil
	}

	return first, nil
}

// =============================================================================

// addressesPath forms the path of the chain addresses file.
func (ix *Index) addressesPath(genesis address.Address) string {
	return filepath.Join(ix.dbPath, fmt.Sprintf("%s-addresses", genesis))
}

// keysPath forms the path of the chain keys file.
func (ix *Index) keysPath(genesis address.Address) string {
	return filepath.Join(ix.dbPath, fmt.Sprintf("%s-keys", genesis))
}
