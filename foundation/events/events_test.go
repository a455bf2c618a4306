package events_test

import (
	"testing"
	"time"

	"github.com/archethic/node/foundation/events"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

func TestFeed(t *testing.T) {
	t.Log("Given the need to stream structured workflow events.")
	{
		t.Logf("\tTest 0:\tWhen publishing a subsystem narration line.")
		{
			feed := events.NewFeed()
			defer feed.Shutdown()

			ch := feed.Subscribe("dashboard")
			feed.Publish("worker: transition: tx[AA] idle -> coordinator")

			select {
			case event := <-ch:
				if event.Source != "worker" {
					t.Fatalf("\t%s\tTest 0:\tShould split the source prefix, got %q", failed, event.Source)
				}
				t.Logf("\t%s\tTest 0:\tShould split the source prefix.", success)

				if event.Message != "transition: tx[AA] idle -> coordinator" {
					t.Fatalf("\t%s\tTest 0:\tShould keep the remainder as the message, got %q", failed, event.Message)
				}
				t.Logf("\t%s\tTest 0:\tShould keep the remainder as the message.", success)

				if event.At.IsZero() {
					t.Fatalf("\t%s\tTest 0:\tShould stamp the event.", failed)
				}
				t.Logf("\t%s\tTest 0:\tShould stamp the event.", success)

			case <-time.After(time.Second):
				t.Fatalf("\t%s\tTest 0:\tShould deliver the event to the subscriber.", failed)
			}
		}

		t.Logf("\tTest 1:\tWhen publishing a line with no subsystem prefix.")
		{
			feed := events.NewFeed()
			defer feed.Shutdown()

			ch := feed.Subscribe("dashboard")
			feed.Publish("a bare line of narration")

			select {
			case event := <-ch:
				if event.Source != "" || event.Message != "a bare line of narration" {
					t.Fatalf("\t%s\tTest 1:\tShould keep the whole line as the message.", failed)
				}
				t.Logf("\t%s\tTest 1:\tShould keep the whole line as the message.", success)

			case <-time.After(time.Second):
				t.Fatalf("\t%s\tTest 1:\tShould deliver the event to the subscriber.", failed)
			}
		}

		t.Logf("\tTest 2:\tWhen unsubscribing.")
		{
			feed := events.NewFeed()
			defer feed.Shutdown()

			ch := feed.Subscribe("dashboard")

			if err := feed.Unsubscribe("dashboard"); err != nil {
				t.Fatalf("\t%s\tTest 2:\tShould be able to unsubscribe: %v", failed, err)
			}
			t.Logf("\t%s\tTest 2:\tShould be able to unsubscribe.", success)

			if _, open := <-ch; open {
				t.Fatalf("\t%s\tTest 2:\tShould close the subscriber channel.", failed)
			}
			t.Logf("\t%s\tTest 2:\tShould close the subscriber channel.", success)

			if err := feed.Unsubscribe("dashboard"); err == nil {
				t.Fatalf("\t%s\tTest 2:\tShould reject an unknown subscriber id.", failed)
			}
			t.Logf("\t%s\tTest 2:\tShould reject an unknown subscriber id.", success)
		}
	}
}
