// Package index maintains the lookup tables over the embedded chain storage:
// an in-memory transaction index backed by append-only subset files on disk,
// per-subset bloom filters, chain statistics, and the last/first address and
// public key lookups. The tables are rebuilt from the subset files at
// startup, so the disk is the single source of truth.
package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/bits-and-blooms/bloom/v3"
)

// subsetCount is the number of index partitions, one per value of the third
// address byte.
const subsetCount = 256

// bloomCapacity and bloomFPRate size the per-subset bloom filters. Filters
// are rebuilt from disk at startup, so these only bound the false positive
// rate, never correctness.
const (
	bloomCapacity = 256
	bloomFPRate   = 0.001
)

// ErrNotFound is returned when an address is not part of the index.
var ErrNotFound = errors.New("transaction not found")

// EventHandler defines a function that is called when events occur during
// index maintenance.
type EventHandler func(v string, args ...any)

// Entry describes where a transaction lives inside its chain file.
type Entry struct {
	GenesisAddress address.Address
	Size           uint32
	Offset         uint32
}

// ChainStats carries the aggregated counters of one chain.
type ChainStats struct {
	TotalSize uint32
	TxCount   uint32
}

// Index holds the in-memory lookup tables and the handles to the on-disk
// subset index files.
type Index struct {
	dbPath     string
	syncWrites bool
	evHandler  EventHandler

	mu         sync.RWMutex
	txIndex    map[string]Entry
	chainStats map[string]ChainStats
	lastIndex  map[string]address.Address
	typeStats  map[string]int
	blooms     [subsetCount]*bloom.BloomFilter

	// subsetMu serializes appends to one subset file so concurrent chain
	// writers touching the same subset keep the file record aligned.
	subsetMu [subsetCount]sync.Mutex
}

// Config holds the settings for constructing an Index.
type Config struct {
	DBPath     string
	SyncWrites bool
	EvHandler  EventHandler
}

// New constructs the index and replays the on-disk subset and type files to
// rebuild the in-memory tables. A truncated trailing record ends the replay
// of its file without error.
func New(cfg Config) (*Index, error) {
	if err := os.MkdirAll(cfg.DBPath, 0755); err != nil {
		return nil, fmt.Errorf("creating db path: %w", err)
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	ix := Index{
		dbPath:     cfg.DBPath,
		syncWrites: cfg.SyncWrites,
		evHandler:  ev,
		txIndex:    make(map[string]Entry),
		chainStats: make(map[string]ChainStats),
		lastIndex:  make(map[string]address.Address),
		typeStats:  make(map[string]int),
	}

	for subset := 0; subset < subsetCount; subset++ {
		ix.blooms[subset] = bloom.NewWithEstimates(bloomCapacity, bloomFPRate)
	}

	if err := ix.recover(); err != nil {
		return nil, err
	}

	return &ix, nil
}

// recover replays every subset index file and every type index file.
func (ix *Index) recover() error {
	for subset := 0; subset < subsetCount; subset++ {
		if err := ix.recoverSubset(byte(subset)); err != nil {
			return fmt.Errorf("recovering subset %02X: %w", subset, err)
		}
	}

	if err := ix.recoverTypes(); err != nil {
		return err
	}

	ix.evHandler("index: recover: transactions[%d] chains[%d]", len(ix.txIndex), len(ix.chainStats))

	return nil
}

// recoverSubset replays one subset file, rebuilding the bloom filter, the
// transaction index and the chain statistics. The scan stops silently at a
// truncated trailing record.
func (ix *Index) recoverSubset(subset byte) error {
	f, err := os.Open(ix.subsetPath(subset))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	for {
		current, genesis, size, offset, err := readSubsetRecord(f)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}

		ix.txIndex[string(current)] = Entry{
			GenesisAddress: genesis,
			Size:           size,
			Offset:         offset,
		}

		stats := ix.chainStats[string(genesis)]
		stats.TotalSize += size
		stats.TxCount++
		ix.chainStats[string(genesis)] = stats

		ix.blooms[subset].Add(current.Digest())
	}
}

// =============================================================================

// Add records a freshly appended transaction: it appends the subset index
// record to disk, then updates the bloom filter, the transaction index and
// the chain statistics. The write is flushed before the tables are touched
// so a crash can only lose the in-memory view, which recovery rebuilds.
func (ix *Index) Add(txAddress address.Address, genesisAddress address.Address, size uint32) error {
	if err := txAddress.Validate(); err != nil {
		return fmt.Errorf("tx address: %w", err)
	}
	if err := genesisAddress.Validate(); err != nil {
		return fmt.Errorf("genesis address: %w", err)
	}

	subset := txAddress.Subset()

	ix.mu.RLock()
	offset := ix.chainStats[string(genesisAddress)].TotalSize
	ix.mu.RUnlock()

	record := encodeSubsetRecord(txAddress, genesisAddress, size, offset)

	ix.subsetMu[subset].Lock()
	err := ix.appendFile(ix.subsetPath(subset), record)
	ix.subsetMu[subset].Unlock()
	if err != nil {
		return fmt.Errorf("appending subset record: %w", err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.txIndex[string(txAddress)] = Entry{
		GenesisAddress: genesisAddress,
		Size:           size,
		Offset:         offset,
	}

	stats := ix.chainStats[string(genesisAddress)]
	stats.TotalSize += size
	stats.TxCount++
	ix.chainStats[string(genesisAddress)] = stats

	ix.blooms[subset].Add(txAddress.Digest())

	return nil
}

// Get returns the index entry of a transaction. A miss of the in-memory
// table falls back to the bloom filter and, on a positive, to a linear scan
// of the subset file, so a rebuilt node can serve entries it has not cached.
func (ix *Index) Get(txAddress address.Address) (Entry, error) {
	if err := txAddress.Validate(); err != nil {
		return Entry{}, err
	}

	ix.mu.RLock()
	entry, exists := ix.txIndex[string(txAddress)]
	positive := ix.blooms[txAddress.Subset()].Test(txAddress.Digest())
	ix.mu.RUnlock()

	if exists {
		return entry, nil
	}

	if !positive {
		return Entry{}, ErrNotFound
	}

	return ix.scanSubset(txAddress)
}

// scanSubset linearly walks the subset file looking for the address. Bloom
// false positives land here and resolve to ErrNotFound.
func (ix *Index) scanSubset(txAddress address.Address) (Entry, error) {
	f, err := os.Open(ix.subsetPath(txAddress.Subset()))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	defer f.Close()

	for {
		current, genesis, size, offset, err := readSubsetRecord(f)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Entry{}, ErrNotFound
			}
			return Entry{}, err
		}

		if current.Equal(txAddress) {
			return Entry{GenesisAddress: genesis, Size: size, Offset: offset}, nil
		}
	}
}

// Exists reports whether a transaction is known to the index. The bloom
// filter answer may be spuriously true; Get remains authoritative.
func (ix *Index) Exists(txAddress address.Address) bool {
	if txAddress.Validate() != nil {
		return false
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if _, exists := ix.txIndex[string(txAddress)]; exists {
		return true
	}

	return ix.blooms[txAddress.Subset()].Test(txAddress.Digest())
}

// ChainSize returns the number of transactions of the chain the address
// belongs to.
func (ix *Index) ChainSize(txAddress address.Address) uint32 {
	genesis := ix.resolveGenesis(txAddress)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	return ix.chainStats[string(genesis)].TxCount
}

// Stats returns the aggregated counters of the chain the address belongs to.
func (ix *Index) Stats(txAddress address.Address) ChainStats {
	genesis := ix.resolveGenesis(txAddress)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	return ix.chainStats[string(genesis)]
}

// resolveGenesis maps an address to its genesis: the genesis of its index
// entry when the address is a known transaction, the address itself
// otherwise.
func (ix *Index) resolveGenesis(txAddress address.Address) address.Address {
	entry, err := ix.Get(txAddress)
	if err != nil {
		return txAddress
	}
	return entry.GenesisAddress
}

// =============================================================================

// subsetPath forms the path of the subset index file: <HEX(subset)>-summary.
func (ix *Index) subsetPath(subset byte) string {
	return filepath.Join(ix.dbPath, fmt.Sprintf("%02X-summary", subset))
}

// appendFile appends data to the file, creating it when missing, honoring
// the configured durability.
func (ix *Index) appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return err
	}

	if ix.syncWrites {
		if err := f.Sync(); err != nil {
			return err
		}
	}

	return nil
}

// encodeSubsetRecord renders one subset index record:
// <current_address><genesis_address><size:u32><offset:u32>, big endian.
func encodeSubsetRecord(current address.Address, genesis address.Address, size uint32, offset uint32) []byte {
	record := make([]byte, 0, len(current)+len(genesis)+8)
	record = append(record, current...)
	record = append(record, genesis...)

	var stats [8]byte
	binary.BigEndian.PutUint32(stats[:4], size)
	binary.BigEndian.PutUint32(stats[4:], offset)

	return append(record, stats[:]...)
}

// readSubsetRecord reads one subset index record from the reader. Both
// addresses are self-describing. A short read surfaces as io.EOF or
// io.ErrUnexpectedEOF which callers treat as the end of valid data.
func readSubsetRecord(r io.Reader) (current address.Address, genesis address.Address, size uint32, offset uint32, err error) {
	current, err = readAddress(r)
	if err != nil {
		return nil, nil, 0, 0, err
	}

	genesis, err = readAddress(r)
	if err != nil {
		return nil, nil, 0, 0, err
	}

	var stats [8]byte
	if _, err = io.ReadFull(r, stats[:]); err != nil {
		return nil, nil, 0, 0, err
	}

	size = binary.BigEndian.Uint32(stats[:4])
	offset = binary.BigEndian.Uint32(stats[4:])

	return current, genesis, size, offset, nil
}

// readAddress reads one self-describing address from the reader.
func readAddress(r io.Reader) (address.Address, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size, err := address.HashSize(header[1])
	if err != nil {
		return nil, err
	}

	digest := make([]byte, size)
	if _, err := io.ReadFull(r, digest); err != nil {
		return nil, err
	}

	return address.New(header[0], header[1], digest), nil
}

// readPublicKey reads one self-describing public key from the reader.
func readPublicKey(r io.Reader) (address.PublicKey, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size, err := address.KeySize(header[0])
	if err != nil {
		return nil, err
	}

	key := make([]byte, size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}

	return address.NewPublicKey(header[0], header[1], key), nil
}
