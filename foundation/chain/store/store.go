// Package store implements the embedded chain storage: one append-only file
// per transaction chain, written through a fixed pool of writer goroutines
// partitioned by genesis address so appends to the same chain are totally
// ordered without file locks.
package store

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/index"
	"github.com/archethic/node/foundation/chain/transaction"
)

// defaultWriterCount is the size of the writer pool when the configuration
// does not specify one.
const defaultWriterCount = 20

// chainPageSize bounds how many transactions one ReadChain call returns.
const chainPageSize = 10

// ErrSummaryExists is returned when a beacon summary address is written a
// second time.
var ErrSummaryExists = errors.New("beacon summary already written")

// EventHandler defines a function that is called when events occur during
// storage operations.
type EventHandler func(v string, args ...any)

// Config holds the settings for constructing a Store.
type Config struct {
	DBPath      string
	WriterCount int
	SyncWrites  bool
	Index       *index.Index
	EvHandler   EventHandler
}

// Store provides access to the chain files and the beacon summary files.
type Store struct {
	dbPath     string
	syncWrites bool
	index      *index.Index
	evHandler  EventHandler

	writers []chan appendRequest
	wg      sync.WaitGroup
}

// appendRequest carries one transaction to the writer owning its partition.
type appendRequest struct {
	genesis address.Address
	tx      transaction.Transaction
	reply   chan error
}

// New constructs the store and starts the writer pool.
func New(cfg Config) (*Store, error) {
	if cfg.Index == nil {
		return nil, errors.New("index is required")
	}

	if err := os.MkdirAll(filepath.Join(cfg.DBPath, "chains"), 0755); err != nil {
		return nil, fmt.Errorf("creating chains path: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.DBPath, "beacon_summary"), 0755); err != nil {
		return nil, fmt.Errorf("creating beacon summary path: %w", err)
	}

	writerCount := cfg.WriterCount
	if writerCount <= 0 {
		writerCount = defaultWriterCount
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	s := Store{
		dbPath:     cfg.DBPath,
		syncWrites: cfg.SyncWrites,
		index:      cfg.Index,
		evHandler:  ev,
		writers:    make([]chan appendRequest, writerCount),
	}

	// One goroutine per partition. The per-partition queue is what
	// guarantees monotonic offsets for a chain without a file lock.
	s.wg.Add(writerCount)
	for i := range s.writers {
		s.writers[i] = make(chan appendRequest)
		go func(queue chan appendRequest) {
			defer s.wg.Done()
			for req := range queue {
				req.reply <- s.write(req.genesis, req.tx)
			}
		}(s.writers[i])
	}

	return &s, nil
}

// Close drains the writer pool. Pending appends complete first.
func (s *Store) Close() {
	for _, queue := range s.writers {
		close(queue)
	}
	s.wg.Wait()
}

// =============================================================================

// Append routes the transaction to the writer owning the chain partition and
// waits for the write to complete. Appends to the same genesis are totally
// ordered; different chains progress in parallel across partitions.
func (s *Store) Append(genesisAddress address.Address, tx transaction.Transaction) error {
	if err := genesisAddress.Validate(); err != nil {
		return fmt.Errorf("genesis address: %w", err)
	}
	if err := tx.Address.Validate(); err != nil {
		return fmt.Errorf("tx address: %w", err)
	}

	req := appendRequest{
		genesis: genesisAddress,
		tx:      tx,
		reply:   make(chan error, 1),
	}

	s.writers[s.partition(genesisAddress)] <- req
	return <-req.reply
}

// partition maps a genesis address to the writer owning it.
func (s *Store) partition(genesisAddress address.Address) int {
	h := fnv.New32a()
	h.Write(genesisAddress)
	return int(h.Sum32() % uint32(len(s.writers)))
}

// write performs the actual append: encode, write the chain file at the
// offset the index accounts for, then record the transaction in the index.
// Only the owning writer goroutine ever calls this for a given chain.
func (s *Store) write(genesisAddress address.Address, tx transaction.Transaction) error {
	data := transaction.Encode(tx)
	offset := s.index.Stats(genesisAddress).TotalSize

	f, err := os.OpenFile(s.chainPath(genesisAddress), os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening chain file: %w", err)
	}
	defer f.Close()

	// Drop any orphaned tail bytes left behind by a crash between the chain
	// file write and the index record write.
	if err := f.Truncate(int64(offset)); err != nil {
		return fmt.Errorf("truncating chain file: %w", err)
	}

	if _, err := f.WriteAt(data, int64(offset)); err != nil {
		return fmt.Errorf("writing chain file: %w", err)
	}

	if s.syncWrites {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("syncing chain file: %w", err)
		}
	}

	if err := s.index.Add(tx.Address, genesisAddress, uint32(len(data))); err != nil {
		return fmt.Errorf("indexing transaction: %w", err)
	}

	if err := s.index.AddType(tx.Type, tx.Address); err != nil {
		return fmt.Errorf("indexing transaction type: %w", err)
	}

	s.evHandler("store: write: tx[%s] chain[%s] size[%d] offset[%d]", tx.Address, genesisAddress, len(data), offset)

	return nil
}

// =============================================================================

// ReadTransaction returns the stored transaction with the specified address.
func (s *Store) ReadTransaction(txAddress address.Address) (transaction.Transaction, error) {
	entry, err := s.index.Get(txAddress)
	if err != nil {
		return transaction.Transaction{}, err
	}

	f, err := os.Open(s.chainPath(entry.GenesisAddress))
	if err != nil {
		return transaction.Transaction{}, fmt.Errorf("opening chain file: %w", err)
	}
	defer f.Close()

	section := io.NewSectionReader(f, int64(entry.Offset), int64(entry.Size))

	tx, err := transaction.Decode(section)
	if err != nil {
		return transaction.Transaction{}, fmt.Errorf("decoding transaction: %w", err)
	}

	return tx, nil
}

// ReadChain replays the chain the address belongs to starting at the byte
// offset, returning at most one page of transactions along with the offset
// to continue from. A false more flag means the chain is exhausted.
func (s *Store) ReadChain(txAddress address.Address, fromOffset uint32) (txs []transaction.Transaction, nextOffset uint32, more bool, err error) {
	genesis, err := s.index.FirstChainAddress(txAddress)
	if err != nil {
		return nil, 0, false, err
	}

	stats := s.index.Stats(genesis)

	f, err := os.Open(s.chainPath(genesis))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, false, nil
		}
		return nil, 0, false, fmt.Errorf("opening chain file: %w", err)
	}
	defer f.Close()

	section := io.NewSectionReader(f, int64(fromOffset), int64(stats.TotalSize)-int64(fromOffset))
	offset := fromOffset

	for len(txs) < chainPageSize && offset < stats.TotalSize {
		tx, err := transaction.Decode(section)
		if err != nil {
			return nil, 0, false, fmt.Errorf("decoding chain at offset %d: %w", offset, err)
		}

		txs = append(txs, tx)

		pos, err := section.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, 0, false, err
		}
		offset = fromOffset + uint32(pos)
	}

	return txs, offset, offset < stats.TotalSize, nil
}

// Exists reports whether the transaction is stored locally. The answer can
// be spuriously true within the bloom filter error bounds.
func (s *Store) Exists(txAddress address.Address) bool {
	return s.index.Exists(txAddress)
}

// =============================================================================

// WriteBeaconSummary stores the serialized summary of a beacon slot. The
// file is created exclusively: a summary address is written once per
// summary time and subset, rewriting it is an error.
func (s *Store) WriteBeaconSummary(summaryAddress address.Address, data []byte) error {
	if err := summaryAddress.Validate(); err != nil {
		return fmt.Errorf("summary address: %w", err)
	}

	path := filepath.Join(s.dbPath, "beacon_summary", summaryAddress.String())

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrSummaryExists, summaryAddress)
		}
		return fmt.Errorf("creating beacon summary file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing beacon summary: %w", err)
	}

	if s.syncWrites {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("syncing beacon summary: %w", err)
		}
	}

	return nil
}

// ReadBeaconSummary returns the stored summary for the address.
func (s *Store) ReadBeaconSummary(summaryAddress address.Address) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dbPath, "beacon_summary", summaryAddress.String()))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, index.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// chainPath forms the path of the chain file of a genesis address.
func (s *Store) chainPath(genesisAddress address.Address) string {
	return filepath.Join(s.dbPath, "chains", genesisAddress.String())
}

// Index exposes the chain index backing the store.
func (s *Store) Index() *index.Index {
	return s.index
}
