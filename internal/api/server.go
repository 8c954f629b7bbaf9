// Package api exposes the keeper's command and event surfaces as JSON over
// websocket.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ConsumrBuzzy/phantom-keeper/internal/events"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/keeper"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server serves one websocket endpoint: commands in, events out.
type Server struct {
	sup *keeper.Supervisor
	bus *events.Bus

	httpServer *http.Server
}

func New(addr string, sup *keeper.Supervisor, bus *events.Bus) *Server {
	s := &Server{sup: sup, bus: bus}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("🌐 Command surface listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// conn wraps a websocket connection with a write lock, since command
// responses and pushed events share it.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer ws.Close()

	c := &conn{ws: ws}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Event push.
	stream, unsub := s.bus.SubscribeAll(events.All, 100)
	defer unsub()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				if err := c.writeJSON(env); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Command consume.
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var cmd keeper.Command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			_ = c.writeJSON(keeper.Response{
				OK: false, Code: keeper.CodeInvalidRequest, Message: "malformed JSON",
			})
			continue
		}
		if cmd.ID == "" {
			cmd.ID = uuid.NewString()
		}

		// The 5 s response contract lives here; late confirmations arrive
		// as COMMAND_RESULT events.
		cmdCtx, cmdCancel := context.WithTimeout(ctx, 5*time.Second)
		resp := s.sup.Submit(cmdCtx, cmd)
		cmdCancel()

		if err := c.writeJSON(resp); err != nil {
			return
		}
	}
}
