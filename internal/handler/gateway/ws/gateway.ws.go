package ws

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/krobus00/stream-gateway/internal/config"
	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/krobus00/stream-gateway/internal/service/subscription"
	"github.com/sirupsen/logrus"
)

const (
	helloTimeout  = 10 * time.Second
	writeTimeout  = 10 * time.Second
	pongWait      = 60 * time.Second
	pingInterval  = 25 * time.Second
	maxFrameBytes = 64 << 10
)

var errAPIKeyInvalid = errors.New("invalid api key")

type Handler struct {
	registry *subscription.Registry
	upgrader websocket.Upgrader
}

func NewGatewayWSHandler(registry *subscription.Registry) *Handler {
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/gateway/v1/stream", h.Stream)
}

// Stream upgrades the connection and runs the session: a hello frame
// identifies the client, then subscribe/unsubscribe requests mutate the
// registry while ticks and recovery frames flow back over the same socket.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if err := validateAPIKey(resolveAPIKey(r)); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("websocket upgrade failed")
		return
	}

	session, err := h.handshake(conn)
	if err != nil {
		logrus.WithError(err).Warn("websocket handshake failed")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeTimeout),
		)
		_ = conn.Close()
		return
	}

	h.runSession(session)
}

// session serializes writes so broadcast fan-out and recovery batches never
// interleave frames on the shared connection.
type session struct {
	conn       *websocket.Conn
	mu         sync.Mutex
	clientID   string
	provider   string
	capability string
}

func (s *session) deliver(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Handler) handshake(conn *websocket.Conn) (*session, error) {
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))

	_, frame, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var hello entity.ClientHello
	if err := json.Unmarshal(frame, &hello); err != nil {
		return nil, errors.New("invalid hello frame")
	}
	if strings.TrimSpace(hello.ClientID) == "" {
		return nil, errors.New("client_id is required")
	}
	if strings.TrimSpace(hello.Provider) == "" {
		return nil, errors.New("provider is required")
	}

	return &session{
		conn:       conn,
		clientID:   hello.ClientID,
		provider:   hello.Provider,
		capability: hello.Capability,
	}, nil
}

func (h *Handler) runSession(s *session) {
	logger := logrus.WithFields(logrus.Fields{
		"client_id": s.clientID,
		"provider":  s.provider,
	})
	logger.Info("websocket session started")

	defer func() {
		h.registry.Unsubscribe(s.clientID, nil)
		_ = s.conn.Close()
		logger.Info("websocket session closed")
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		h.registry.Touch(s.clientID)
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
				s.mu.Unlock()
				if err != nil {
					return
				}
			case <-stopPing:
				return
			}
		}
	}()

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Warn("websocket read failed")
			}
			return
		}

		var req entity.ClientRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			logger.Warn("dropping undecodable client frame")
			continue
		}

		h.registry.Touch(s.clientID)

		switch req.Action {
		case "subscribe":
			h.registry.Subscribe(s.clientID, req.Symbols, s.capability, s.provider, s.deliver)
		case "unsubscribe":
			h.registry.Unsubscribe(s.clientID, req.Symbols)
		case "ping":
			// liveness only, Touch already applied
		default:
			logger.WithField("action", req.Action).Warn("unknown client action")
		}
	}
}

func resolveAPIKey(r *http.Request) string {
	if headerKey := strings.TrimSpace(r.Header.Get("X-API-Key")); headerKey != "" {
		return headerKey
	}

	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}

func validateAPIKey(apiKey string) error {
	if apiKey == "" || config.Env == nil {
		return errAPIKeyInvalid
	}

	for _, candidate := range config.Env.APIKeys {
		storedKey := strings.TrimSpace(candidate.Key)
		if storedKey == "" || !candidate.Active {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(storedKey)) == 1 {
			return nil
		}
	}

	return errAPIKeyInvalid
}
