package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"example.com/magnifisica/internal/auth"
	"example.com/magnifisica/internal/domain"
	"example.com/magnifisica/internal/feed"
	"example.com/magnifisica/internal/subcache"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxInboundSize = 512
)

// Frame is one message pushed on a stream.
type Frame struct {
	Type   string `json:"type"`
	Kind   string `json:"kind"`
	Data   any    `json:"data,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Frame types.
const (
	FrameSnapshot = "snapshot"
	FrameError    = "error"
)

type outgoing struct {
	data  []byte
	final bool
}

// streamClient is one websocket subscriber. Only the latest undelivered frame is kept:
// every frame is a full snapshot, so older ones are worthless once a newer one exists.
type streamClient struct {
	conn *websocket.Conn
	send chan outgoing
	done chan struct{}
}

func (c *streamClient) offer(msg outgoing) {
	for {
		select {
		case c.send <- msg:
			return
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}

func (c *streamClient) readPump() {
	defer close(c.done)
	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				return
			}
			if msg.final {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "upstream failed"))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	kind, ok := subcache.ParseKind(r.PathValue("kind"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
		return
	}
	if !h.authorize(w, r, userID, auth.ScopeProfilesRead) {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		h.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := h.logger.WithField("user_id", userID).WithField("kind", string(kind))
	logger.Debug("stream opened")

	client := &streamClient{conn: conn, send: make(chan outgoing, 1), done: make(chan struct{})}
	cancel := h.subscribe(kind, userID, client)
	defer cancel()

	go client.readPump()
	client.writePump()
	logger.Debug("stream closed")
}

func (h *Handler) subscribe(kind subcache.Kind, userID string, client *streamClient) feed.Cancel {
	push := func(frame Frame) {
		data, err := json.Marshal(frame)
		if err != nil {
			h.logger.WithError(err).Error("encode stream frame")
			return
		}
		client.offer(outgoing{data: data, final: frame.Type == FrameError})
	}
	onError := func(err error) {
		push(Frame{Type: FrameError, Kind: string(kind), Detail: err.Error()})
	}

	switch kind {
	case subcache.KindWeekly:
		return h.cache.SubscribeWeekly(userID, func(v domain.WeeklyHistogram) {
			push(Frame{Type: FrameSnapshot, Kind: string(kind), Data: toWeeklyView(v)})
		}, onError)
	case subcache.KindChallenges:
		return h.cache.SubscribeChallenges(userID, func(v []domain.ChallengeProgress) {
			push(Frame{Type: FrameSnapshot, Kind: string(kind), Data: toChallengeViews(v)})
		}, onError)
	default:
		return h.cache.SubscribeProfile(userID, func(v domain.ProfileSnapshot) {
			push(Frame{Type: FrameSnapshot, Kind: string(kind), Data: toProfileView(v)})
		}, onError)
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(h.origins) == 0 || origin == "" {
		return true
	}
	if slices.Contains(h.origins, origin) {
		return true
	}
	parsed, err := url.Parse(origin)
	return err == nil && parsed.Host == r.Host
}
