package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleStatsStream pushes a stats snapshot immediately and then every
// StatsInterval until the client goes away.
func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("stats stream upgrade failed", "correlationId", correlationID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	// Client messages are ignored; the returned context ends when it leaves.
	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := wsjson.Write(writeCtx, conn, s.pipeline.Stats(ctx))
		cancel()
		if err != nil {
			if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
				s.logger.Debug("stats stream closed", "correlationId", correlationID, "error", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}
