// Package malicious records the evidence of a failed atomic commitment so
// the divergent validators can be investigated. The workflow terminates
// without replication; this collaborator only preserves what happened.
package malicious

import (
	"github.com/archethic/node/foundation/chain/transaction"
	mcontext "github.com/archethic/node/foundation/mining/context"
)

// EventHandler defines a function that is called when events occur during
// the detection.
type EventHandler func(v string, args ...any)

// Detector records consensus failures.
type Detector struct {
	evHandler EventHandler
}

// New constructs a Detector for use.
func New(evHandler EventHandler) *Detector {
	ev := func(v string, args ...any) {
		if evHandler != nil {
			evHandler(v, args...)
		}
	}
	return &Detector{evHandler: ev}
}

// Report logs the divergent cross validation stamps of a workflow that did
// not reach atomic commitment, keyed by the reporting node.
func (d *Detector) Report(mctx mcontext.Context) {
	d.evHandler("malicious: consensus failure: tx[%s] stamps[%d]", mctx.Transaction.Address, len(mctx.CrossValidationStamps))

	for _, s := range mctx.CrossValidationStamps {
		names := make([]string, 0, len(s.Inconsistencies))
		for _, inc := range s.Inconsistencies {
			names = append(names, transaction.InconsistencyName(inc))
		}
		d.evHandler("malicious: stamp: node[%s] inconsistencies%v", s.NodePublicKey, names)
	}
}
