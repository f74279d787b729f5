package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"jarvis/internal/bus"
	"jarvis/internal/domain"
	"jarvis/internal/orchestrator"
	"jarvis/internal/store"
	"jarvis/internal/voice"
)

// Web serves the browser frontend over WebSocket: inbound frames drive the
// orchestrator and store, outbound frames mirror the event bus plus full
// state snapshots.
type Web struct {
	host   string
	port   int
	orch   *orchestrator.Orchestrator
	store  *store.Store
	voice  *voice.Input
	bus    *bus.Bus
	logger *slog.Logger
	server *http.Server

	mu      sync.RWMutex
	clients map[string]*wsClient
}

type WebConfig struct {
	Host   string
	Port   int
	Orch   *orchestrator.Orchestrator
	Store  *store.Store
	Voice  *voice.Input
	Bus    *bus.Bus
	Logger *slog.Logger
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// inboundFrame is the client-to-server protocol.
type inboundFrame struct {
	Type           string              `json:"type"` // send|stop|regenerate|edit|new|select|delete|rename|immersive|record
	Text           string              `json:"text,omitempty"`
	MessageID      string              `json:"messageId,omitempty"`
	ConversationID string              `json:"conversationId,omitempty"`
	Image          *domain.InlineImage `json:"image,omitempty"`
	On             bool                `json:"on,omitempty"`
}

// snapshotFrame carries the full conversation state to a client.
type snapshotFrame struct {
	Type          string                `json:"type"` // "snapshot"
	Conversations []domain.Conversation `json:"conversations"`
	ActiveID      string                `json:"activeId"`
	Immersive     bool                  `json:"immersive"`
	Loading       bool                  `json:"loading"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewWeb(cfg WebConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	return &Web{
		host:    cfg.Host,
		port:    cfg.Port,
		orch:    cfg.Orch,
		store:   cfg.Store,
		voice:   cfg.Voice,
		bus:     cfg.Bus,
		logger:  cfg.Logger,
		clients: make(map[string]*wsClient),
	}
}

func (w *Web) Name() string { return "web" }

// Start runs the server until ctx is cancelled.
func (w *Web) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.handleUpgrade)
	mux.HandleFunc("/status", w.handleStatus)

	w.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", w.host, w.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	w.logger.Info("web channel starting", "addr", w.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (w *Web) handleStatus(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]any{
		"status":        "ok",
		"conversations": len(w.store.List()),
		"busy":          w.orch.Busy(),
		"immersive":     w.orch.Immersive(),
	})
}

func (w *Web) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	clientID := fmt.Sprintf("ws-%p", conn)
	client := &wsClient{conn: conn}

	w.mu.Lock()
	w.clients[clientID] = client
	w.mu.Unlock()

	events := w.bus.Subscribe(clientID)
	w.logger.Info("web client connected", "client", clientID)

	// Writer: pump bus events to the socket; state events trigger a fresh
	// snapshot so the client never has to reconcile partial updates.
	go func() {
		for ev := range events {
			client.sendJSON(ev)
			if ev.Type == bus.EventState {
				client.sendJSON(w.snapshot())
			}
		}
	}()

	client.sendJSON(w.snapshot())

	defer func() {
		w.bus.Unsubscribe(clientID)
		w.mu.Lock()
		delete(w.clients, clientID)
		w.mu.Unlock()
		conn.Close()
		w.logger.Info("web client disconnected", "client", clientID)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			w.logger.Warn("invalid frame", "err", err)
			continue
		}
		if err := w.dispatch(frame); err != nil {
			client.sendJSON(bus.Event{Type: bus.EventError, Text: err.Error()})
		}
	}
}

// dispatch routes one inbound frame. Mutating operations broadcast a fresh
// snapshot through the bus state event. Turn contexts are detached from the
// socket: a disconnecting client must not cancel an in-flight stream.
func (w *Web) dispatch(f inboundFrame) error {
	switch f.Type {
	case "send":
		return w.orch.Send(context.Background(), f.Text, f.Image)

	case "stop":
		w.orch.Stop()
		return nil

	case "regenerate":
		return w.orch.Regenerate(context.Background())

	case "edit":
		return w.orch.Edit(context.Background(), f.MessageID, f.Text)

	case "new":
		if _, err := w.store.New(); err != nil {
			return err
		}
		w.bus.Publish(bus.Event{Type: bus.EventState})
		return nil

	case "select":
		if err := w.store.SetActive(f.ConversationID); err != nil {
			return err
		}
		w.bus.Publish(bus.Event{Type: bus.EventState})
		return nil

	case "delete":
		if _, err := w.store.Delete(f.ConversationID); err != nil {
			return err
		}
		w.bus.Publish(bus.Event{Type: bus.EventState})
		return nil

	case "rename":
		if err := w.store.Rename(f.ConversationID, f.Text); err != nil {
			return err
		}
		w.bus.Publish(bus.Event{Type: bus.EventState})
		return nil

	case "immersive":
		w.orch.SetImmersive(f.On)
		if !f.On && w.voice != nil {
			w.voice.Abort()
		}
		return nil

	case "record":
		if w.voice == nil {
			return fmt.Errorf("voice input not configured")
		}
		if f.On {
			return w.voice.Start()
		}
		// Transcription and the resulting send can take a while; don't
		// stall the read loop.
		go func() {
			if err := w.voice.Stop(context.Background()); err != nil {
				w.logger.Warn("voice capture failed", "err", err)
			}
		}()
		return nil

	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
}

func (w *Web) snapshot() snapshotFrame {
	return snapshotFrame{
		Type:          "snapshot",
		Conversations: w.store.List(),
		ActiveID:      w.store.ActiveID(),
		Immersive:     w.orch.Immersive(),
		Loading:       w.orch.Busy(),
	}
}

func (c *wsClient) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *Web) closeAllClients() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, client := range w.clients {
		client.conn.Close()
		delete(w.clients, id)
	}
}
