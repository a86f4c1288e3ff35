package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/fieldsync/internal/fieldsync"
	"github.com/agentworkforce/fieldsync/internal/logging"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	streamBufferSize   = 16
	streamWriteTimeout = 5 * time.Second
)

// StreamEvent is pushed to connected clients. "changes" means another client
// changed the listed tables and a pull is worthwhile.
type StreamEvent struct {
	Type          string    `json:"type"`
	Tables        []string  `json:"tables,omitempty"`
	SyncTimestamp time.Time `json:"syncTimestamp"`
}

// StreamHub fans coordinator change notices out to websocket subscribers. It
// implements fieldsync.Notifier and never blocks the caller: a subscriber whose
// buffer is full misses the nudge and catches up on its next pull.
type StreamHub struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
	done        chan struct{}
	logger      logrus.FieldLogger
}

type subscriber struct {
	clientID string
	events   chan StreamEvent
}

func NewStreamHub(logger logrus.FieldLogger) *StreamHub {
	if logger == nil {
		logger = logging.Discard()
	}
	return &StreamHub{
		subscribers: map[*subscriber]struct{}{},
		done:        make(chan struct{}),
		logger:      logger.WithField("component", "stream_hub"),
	}
}

var _ fieldsync.Notifier = (*StreamHub)(nil)

func (h *StreamHub) NotifyChanges(notice fieldsync.ChangeNotice) {
	event := StreamEvent{Type: "changes", Tables: notice.Entities, SyncTimestamp: notice.SyncTimestamp}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		if sub.clientID == notice.OriginClientID {
			continue
		}
		select {
		case sub.events <- event:
		default:
			h.logger.WithField("client_id", sub.clientID).Debug("stream subscriber lagging; dropped notice")
		}
	}
}

func (h *StreamHub) subscribe(clientID string) (*subscriber, func(), bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, func() {}, false
	}
	sub := &subscriber{clientID: clientID, events: make(chan StreamEvent, streamBufferSize)}
	h.subscribers[sub] = struct{}{}
	return sub, func() {
		h.mu.Lock()
		delete(h.subscribers, sub)
		h.mu.Unlock()
	}, true
}

// Subscribers reports the number of connected streams.
func (h *StreamHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close disconnects every stream; later subscriptions are refused.
func (h *StreamHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, clientID, correlationID string) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "client id is required", correlationID)
		return
	}
	if !s.allow(w, clientID, correlationID) {
		return
	}
	sub, unsubscribe, ok := s.hub.subscribe(clientID)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down", correlationID)
		return
	}
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.StreamOriginPatterns})
	if err != nil {
		s.logger.WithError(err).WithField("client_id", clientID).Warn("stream upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	log := s.logger.WithFields(logrus.Fields{"client_id": clientID, "correlation_id": correlationID})
	log.Info("stream connected")
	defer log.Info("stream disconnected")

	// Clients never send data frames; reading only serves control frames.
	ctx := conn.CloseRead(r.Context())
	if err := writeStreamEvent(ctx, conn, StreamEvent{Type: "hello", SyncTimestamp: time.Now().UTC()}); err != nil {
		return
	}

	ticker := time.NewTicker(s.cfg.StreamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.hub.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case event := <-sub.events:
			if err := writeStreamEvent(ctx, conn, event); err != nil {
				log.WithError(err).Debug("stream write failed")
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				log.WithError(err).Debug("stream ping failed")
				return
			}
		}
	}
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, event StreamEvent) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}
