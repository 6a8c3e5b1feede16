package api

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/recon-orchestrator/internal/engine"
	"github.com/hochfrequenz/recon-orchestrator/internal/observer"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// tailSocketHandler streams a log over a websocket: the last n lines
// first, then everything appended until the client disconnects.
func (s *Server) tailSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := r.PathValue("target")
		task := r.URL.Query().Get("task")
		n, err := intParam(r, "n", engine.DefaultTailLines)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		path, err := s.engine.LogPath(target, task)
		if err != nil {
			writeEngineError(w, err)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.WithError(err).Warn("Websocket upgrade failed")
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Reads only detect the client going away.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		var offset int64
		if fi, err := os.Stat(path); err == nil {
			offset = fi.Size()
		}
		lines, err := observer.LastLines(path, n)
		if err != nil {
			s.log.WithError(err).Warn("Reading log failed")
		}
		if len(lines) > 0 {
			if err := s.writeText(conn, []byte(strings.Join(lines, "\n")+"\n")); err != nil {
				return
			}
		}

		go func() {
			ticker := time.NewTicker(wsPingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		err = observer.Follow(ctx, path, offset, func(chunk []byte) error {
			return s.writeText(conn, chunk)
		})
		if err != nil && ctx.Err() == nil {
			s.log.WithError(err).WithField("path", path).Warn("Live tail ended")
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}
}

func (s *Server) writeText(conn *websocket.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
