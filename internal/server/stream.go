package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"pilot/internal/store"
)

// handleRunStream upgrades to a websocket and pushes runner events for one
// run until the run reaches a terminal state or the client goes away.
func (s *Server) handleRunStream(c *gin.Context) {
	runID := c.Param("id")
	run, err := s.deps.Runs.Get(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			fail(c, http.StatusNotFound, err)
			return
		}
		fail(c, http.StatusInternalServerError, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "run_id", runID, "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.deps.Broadcaster.Subscribe(runID)
	defer cancel()

	// Snapshot first so late subscribers see where the run stands.
	if err := conn.WriteJSON(viewOf(run)); err != nil {
		return
	}
	if run.Status.Terminal() {
		return
	}

	// Reader goroutine notices client disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case e := <-events:
			if err := conn.WriteJSON(e); err != nil {
				return
			}
			if e.Kind == "run_finished" {
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
