package worker

import (
	"sync"

	"github.com/archethic/node/foundation/chain/address"
)

// Registry maps the address of a transaction under validation to its mining
// worker so incoming messages can be routed to the right mailbox.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

// NewRegistry constructs a registry for use.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]*Worker),
	}
}

// Register adds a worker under its transaction address. Registering an
// address twice reports false and keeps the original worker.
func (r *Registry) Register(txAddress address.Address, w *Worker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[string(txAddress)]; exists {
		return false
	}

	r.workers[string(txAddress)] = w
	return true
}

// Get returns the worker mining the transaction address.
func (r *Registry) Get(txAddress address.Address) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, exists := r.workers[string(txAddress)]
	return w, exists
}

// Unregister removes the worker of the transaction address.
func (r *Registry) Unregister(txAddress address.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.workers, string(txAddress))
}

// Count returns the number of workflows currently running.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.workers)
}
