package index

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/transaction"
)

// The per-type index files hold the bare addresses of every transaction of
// that type, in append order.

// AddType records a transaction address under its type index file.
func (ix *Index) AddType(txType byte, txAddress address.Address) error {
	name, err := transaction.TypeName(txType)
	if err != nil {
		return err
	}

	if err := ix.appendFile(filepath.Join(ix.dbPath, name), txAddress); err != nil {
		return fmt.Errorf("appending type record: %w", err)
	}

	ix.mu.Lock()
	ix.typeStats[name]++
	ix.mu.Unlock()

	return nil
}

// CountByType returns the number of transactions recorded for the type.
func (ix *Index) CountByType(txType byte) int {
	name, err := transaction.TypeName(txType)
	if err != nil {
		return 0
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	return ix.typeStats[name]
}

// recoverTypes rebuilds the per-type counters by counting the records of
// every type file present on disk.
func (ix *Index) recoverTypes() error {
	for _, name := range transaction.TypeNames() {
		f, err := os.Open(filepath.Join(ix.dbPath, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}

		count := 0
		for {
			if _, err := readAddress(f); err != nil {
				break
			}
			count++
		}
		f.Close()

		ix.typeStats[name] = count
	}

	return nil
}

// =============================================================================

// AddressIterator walks a sequence of addresses stored on disk without
// loading them all in memory. This implements the lazy listing operations.
type AddressIterator struct {
	next func() (address.Address, error)
	eos  bool
}

// Next returns the next address of the sequence.
func (it *AddressIterator) Next() (address.Address, error) {
	if it.eos {
		return nil, io.EOF
	}

	addr, err := it.next()
	if err != nil {
		it.eos = true
		return nil, err
	}

	return addr, nil
}

// Done reports whether the sequence is exhausted.
func (it *AddressIterator) Done() bool {
	return it.eos
}

// AddressesByType returns a lazy iterator over the addresses recorded for
// the type, in append order.
func (ix *Index) AddressesByType(txType byte) (*AddressIterator, error) {
	name, err := transaction.TypeName(txType)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(ix.dbPath, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &AddressIterator{eos: true}, nil
		}
		return nil, err
	}

	it := AddressIterator{
		next: func() (address.Address, error) {
			addr, err := readAddress(f)
			if err != nil {
				f.Close()
				return nil, io.EOF
			}
			return addr, nil
		},
	}

	return &it, nil
}

// AllAddresses returns a lazy iterator over every chain head recorded in the
// chain addresses files, genesis by genesis.
func (ix *Index) AllAddresses() (*AddressIterator, error) {
	paths, err := filepath.Glob(filepath.Join(ix.dbPath, "*-addresses"))
	if err != nil {
		return nil, err
	}

	var f *os.File
	pos := 0

	it := AddressIterator{
		next: func() (address.Address, error) {
			for {
				if f == nil {
					if pos >= len(paths) {
						return nil, io.EOF
					}
					file, err := os.Open(paths[pos])
					pos++
					if err != nil {
						continue
					}
					f = file
				}

				var tsb [4]byte
				if _, err := io.ReadFull(f, tsb[:]); err != nil {
					f.Close()
					f = nil
					continue
				}

				addr, err := readAddress(f)
				if err != nil {
					f.Close()
					f = nil
					continue
				}

				return addr, nil
			}
		},
	}

	return &it, nil
}

// Genesis addresses can be recovered from the addresses file names, which
// are the hex rendering of the address.

// AllGenesisAddresses returns the genesis address of every chain known to
// the store.
func (ix *Index) AllGenesisAddresses() ([]address.Address, error) {
	paths, err := filepath.Glob(filepath.Join(ix.dbPath, "*-addresses"))
	if err != nil {
		return nil, err
	}

	var genesis []address.Address
	for _, p := range paths {
		name := strings.TrimSuffix(filepath.Base(p), "-addresses")
		addr, err := address.FromString(name)
		if err != nil {
			continue
		}
		genesis = append(genesis, addr)
	}

	return genesis, nil
}
