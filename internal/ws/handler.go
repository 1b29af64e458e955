package ws

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kiosklabs/voice-gateway/internal/audio"
	"github.com/kiosklabs/voice-gateway/internal/event"
	"github.com/kiosklabs/voice-gateway/internal/order"
	"github.com/kiosklabs/voice-gateway/internal/orchestrator"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the shared orchestrator and admission limit for all
// client sessions.
type HandlerConfig struct {
	Orchestrator  *orchestrator.Orchestrator
	MaxConcurrent int
}

// Handler manages client WebSocket sessions with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

// NewHandler creates a WebSocket handler with a concurrency limit.
func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
	}
}

// sessionMetadata is the first text frame sent by the client.
type sessionMetadata struct {
	CustomerID string `json:"customer_id"`
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
}

// controlMessage is any text frame after the metadata frame.
type controlMessage struct {
	Type string `json:"type"`

	// text input
	Text string `json:"text,omitempty"`

	// order mutations
	Name           string `json:"name,omitempty"`
	Quantity       int    `json:"quantity,omitempty"`
	UnitPriceCents int64  `json:"unit_price_cents,omitempty"`
	Customization  string `json:"customization,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// ServeHTTP upgrades the connection and runs the client session.
// Returns 503 if at max concurrent session capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.runSession(r, conn)
}

func (h *Handler) runSession(r *http.Request, conn *websocket.Conn) {
	meta, err := readMetadata(conn)
	if err != nil {
		slog.Error("read session metadata", "error", err)
		return
	}
	if meta.CustomerID == "" {
		slog.Warn("session rejected, missing customer id")
		return
	}

	codec := audio.Codec(meta.Codec)
	if codec == "" {
		codec = audio.CodecPCM
	}
	sampleRate := meta.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	orc := h.cfg.Orchestrator
	sessionID := orc.Register(r.Context(), meta.CustomerID, newEventSender(conn))
	defer orc.Unregister(sessionID)

	slog.Info("session started",
		"session_id", sessionID, "customer_id", meta.CustomerID,
		"codec", codec, "sample_rate", sampleRate)

	h.processMessages(r, conn, sessionID, meta.CustomerID, codec, sampleRate)

	slog.Info("session ended", "session_id", sessionID)
}

// processMessages reads frames in a loop. The first text frame was already
// consumed as sessionMetadata; binary frames are audio chunks and text
// frames are control messages.
func (h *Handler) processMessages(r *http.Request, conn *websocket.Conn, sessionID, customerID string, codec audio.Codec, sampleRate int) {
	orc := h.cfg.Orchestrator
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("connection closed", "session_id", sessionID, "error", err)
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			err = orc.HandleAudio(sessionID, customerID, data, codec, sampleRate)
		case websocket.TextMessage:
			err = h.handleControl(r, sessionID, customerID, data)
		default:
			continue
		}
		if err != nil {
			slog.Warn("client input rejected", "session_id", sessionID, "error", err)
		}
	}
}

func (h *Handler) handleControl(r *http.Request, sessionID, customerID string, data []byte) error {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	orc := h.cfg.Orchestrator
	ctx := r.Context()
	switch msg.Type {
	case "text":
		return orc.HandleText(ctx, sessionID, customerID, msg.Text)
	case "response":
		return orc.RequestResponse(sessionID, customerID)
	case "order.add":
		return orc.AddItem(ctx, sessionID, order.Item{
			Name:           msg.Name,
			Quantity:       msg.Quantity,
			UnitPriceCents: msg.UnitPriceCents,
			Notes:          msg.Notes,
		})
	case "order.remove":
		return orc.RemoveItem(sessionID, msg.Name)
	case "order.quantity":
		return orc.UpdateQuantity(sessionID, msg.Name, msg.Quantity)
	case "order.customize":
		return orc.AddCustomization(sessionID, msg.Name, msg.Customization)
	case "order.finalize":
		_, err := orc.Finalize(ctx, sessionID, customerID)
		return err
	default:
		slog.Info("unrecognized control message ignored", "session_id", sessionID, "type", msg.Type)
		return nil
	}
}

// newEventSender serializes writes to one client. Audio deltas go out as
// binary frames followed by the JSON event without the payload; everything
// else is a single JSON frame.
func newEventSender(conn *websocket.Conn) func(event.ClientEvent) error {
	var mu sync.Mutex
	return func(ev event.ClientEvent) error {
		mu.Lock()
		defer mu.Unlock()

		if ev.Topic == event.TopicAudio && ev.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(ev.Audio)
			if err == nil {
				if err = conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
					return err
				}
			}
			ev.Audio = ""
		}

		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}
}

func readMetadata(conn *websocket.Conn) (*sessionMetadata, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var meta sessionMetadata
	if err = json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
