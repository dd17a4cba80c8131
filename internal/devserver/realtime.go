package devserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 10 * time.Second

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, acct *account) {
	// Subscribe before the handshake completes so no event published after
	// the client sees the upgrade is missed.
	sub := s.hub.subscribe(acct.user.UID)
	defer s.hub.unsubscribe(sub)
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	log := s.logger.With().Str("user_id", acct.user.UID).Str("transport", "websocket").Logger()
	log.Debug().Msg("realtime channel opened")

	// CloseRead keeps answering pings while this side only writes.
	ctx := conn.CloseRead(r.Context())
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("realtime channel closed by client")
			return
		case <-s.ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-sub.kicked:
			log.Info().Msg("closing realtime channel from server")
			_ = conn.Close(websocket.StatusNormalClosure, "io server disconnect")
			return
		case f := <-sub.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, f)
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("event", f.Event).Msg("realtime write failed")
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-heartbeat.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("realtime heartbeat failed")
				_ = conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (s *Server) handlePollOpen(w http.ResponseWriter, r *http.Request, acct *account) {
	sid, cursor := s.hub.openPoll(acct.user.UID)
	s.logger.Debug().Str("user_id", acct.user.UID).Str("transport", "polling").Msg("realtime channel opened")
	writeJSON(w, http.StatusOK, map[string]string{"sid": sid, "cursor": cursor})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request, acct *account) {
	query := r.URL.Query()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	events, next, err := s.hub.poll(ctx, acct.user.UID, query.Get("sid"), query.Get("cursor"), s.cfg.PollWindow)
	switch {
	case errors.Is(err, errPollSessionGone):
		writeError(w, http.StatusGone, "gone", "io server disconnect", getCorrelationID(r))
		return
	case err != nil:
		return
	}
	if events == nil {
		events = []frame{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "nextCursor": next})
}
