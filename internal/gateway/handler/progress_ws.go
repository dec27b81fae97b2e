package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"xrayscope/internal/gateway/service/progress"
	"xrayscope/internal/provision"
)

const (
	progressWSWriteWait = 10 * time.Second
	progressWSPongWait  = 60 * time.Second
	progressWSPingEvery = (progressWSPongWait * 9) / 10
)

var progressWSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// ProgressHandler streams provisioning notifications over a websocket.
type ProgressHandler struct {
	progress *progress.Broadcaster
	log      *zap.Logger
}

func NewProgressHandler(b *progress.Broadcaster, log *zap.Logger) *ProgressHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ProgressHandler{progress: b, log: log}
}

// HandleWS sends the retained history (unless ?replay=0) and then live
// events until the client goes away.
func (h *ProgressHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := progressWSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(progressWSPongWait)); err != nil {
		h.log.Warn("progress ws set read deadline failed", zap.Error(err))
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(progressWSPongWait))
	})

	history, events := h.progress.Subscribe(ctx)
	if r.URL.Query().Get("replay") == "0" {
		history = nil
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// unblocks the read loop below
		defer conn.Close()
		defer cancel()
		ticker := time.NewTicker(progressWSPingEvery)
		defer ticker.Stop()

		for _, e := range history {
			if err := writeEvent(conn, e); err != nil {
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if err := writeEvent(conn, e); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(progressWSWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// The client never sends data; reading drives pong handling and notices
	// the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			cancel()
			break
		}
	}
	<-writerDone
}

func writeEvent(conn *websocket.Conn, e provision.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(progressWSWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(e)
}
