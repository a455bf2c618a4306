package malicious_test

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/transaction"
	mcontext "github.com/archethic/node/foundation/mining/context"
	"github.com/archethic/node/foundation/mining/malicious"
	"github.com/archethic/node/foundation/peer"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

func TestReport(t *testing.T) {
	t.Log("Given the need to preserve the evidence of a consensus failure.")
	{
		t.Logf("\tTest 0:\tWhen two stamps diverge on the proof of work.")
		{
			var lines []string
			detector := malicious.New(func(v string, args ...any) {
				lines = append(lines, fmt.Sprintf(v, args...))
			})

			key := func(fill byte) address.PublicKey {
				return address.NewPublicKey(address.CurveED25519, 0, bytes.Repeat([]byte{fill}, 32))
			}

			tx := transaction.Transaction{
				Address: address.New(address.CurveED25519, address.HashSHA256, bytes.Repeat([]byte{0x11}, 32)),
			}
			node := peer.Node{FirstPublicKey: key(0x01), LastPublicKey: key(0x01)}

			ctx := mcontext.New(tx, node, []peer.Node{node}, nil, nil, nil)
			ctx = ctx.AddCrossValidationStamp(transaction.CrossValidationStamp{
				NodePublicKey: key(0x02),
				Signature:     bytes.Repeat([]byte{0x02}, 64),
			})
			ctx = ctx.AddCrossValidationStamp(transaction.CrossValidationStamp{
				NodePublicKey:   key(0x03),
				Signature:       bytes.Repeat([]byte{0x03}, 64),
				Inconsistencies: []byte{transaction.InconsistencyProofOfWork},
			})

			detector.Report(ctx)

			if len(lines) != 3 {
				t.Fatalf("\t%s\tTest 0:\tShould log the failure and one line per stamp, got %d lines", failed, len(lines))
			}
			t.Logf("\t%s\tTest 0:\tShould log the failure and one line per stamp.", success)

			if !strings.Contains(lines[0], tx.Address.String()) {
				t.Fatalf("\t%s\tTest 0:\tShould name the transaction address.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould name the transaction address.", success)

			if !strings.Contains(lines[2], "proof_of_work") {
				t.Fatalf("\t%s\tTest 0:\tShould name the reported inconsistency, got %q", failed, lines[2])
			}
			t.Logf("\t%s\tTest 0:\tShould name the reported inconsistency.", success)
		}

		t.Logf("\tTest 1:\tWhen constructed without an event handler.")
		{
			detector := malicious.New(nil)

			tx := transaction.Transaction{
				Address: address.New(address.CurveED25519, address.HashSHA256, bytes.Repeat([]byte{0x22}, 32)),
			}
			ctx := mcontext.New(tx, peer.Node{}, nil, nil, nil, nil)

			// Reporting must be safe with no sink attached.
			detector.Report(ctx)
			t.Logf("\t%s\tTest 1:\tShould report without a sink attached.", success)
		}
	}
}
