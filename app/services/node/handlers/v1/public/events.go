package public

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Events upgrades the connection to a websocket and streams the node's
// workflow events as JSON until the client disconnects.
func (h Handlers) Events(w http.ResponseWriter, r *http.Request) {
	var upgrader websocket.Upgrader

	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Errorw("events", "ERROR", err)
		return
	}
	defer c.Close()

	id := uuid.NewString()
	ch := h.Evts.Subscribe(id)
	defer h.Evts.Unsubscribe(id)

	// Starting a goroutine to detect the client closing the connection.
	// The read unblocks with an error on close, which releases this
	// handler through the done channel.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, open := <-ch:
			if !open {
				return
			}
			if err := c.WriteJSON(event); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
