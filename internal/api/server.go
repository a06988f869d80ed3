// Package api exposes the WebSocket control channel the GUI shell
// attaches to: recording control, device and history queries, config
// access, and pushed pipeline events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"sonicinput/audio"
	"sonicinput/history"
	"sonicinput/internal/bus"
	"sonicinput/internal/config"
	xlog "sonicinput/internal/log"
)

var upgrader = websocket.Upgrader{
	// Local control channel only; the listener binds loopback.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// PipelineControl is the slice of the orchestrator the API drives.
type PipelineControl interface {
	StartRecording() error
	ProcessUtterance()
	Recording() bool
}

// HistoryAccess is the slice of history.Store the API serves.
type HistoryAccess interface {
	Get(ctx context.Context, id string) (*history.Record, error)
	List(ctx context.Context, limit, offset int, orderBy string) ([]*history.Record, error)
	Search(ctx context.Context, f history.Filter) ([]*history.Record, error)
	DeleteMany(ctx context.Context, ids []string) error
	Reprocess(ctx context.Context, opts history.ReprocessOptions, fn history.ReprocessFunc) (*history.ReprocessReport, error)
	ExportMP3(ctx context.Context, id, outPath string) error
}

// DeviceLister enumerates capture devices.
type DeviceLister interface {
	Devices() ([]audio.Device, error)
}

// Options wires the server. ForwardEvents lists bus events pushed to
// every connected client verbatim (level updates, pipeline errors).
type Options struct {
	Addr          string // default 127.0.0.1:8970
	Config        *config.Store
	Bus           *bus.Bus
	Pipeline      PipelineControl
	History       HistoryAccess
	Devices       DeviceLister
	Reprocess     history.ReprocessFunc // transcription backend for batch reruns
	ForwardEvents []string
}

// Server owns the HTTP listener and the connected client set. One read
// goroutine per connection; all writes go through a per-connection lock.
type Server struct {
	opts   Options
	logger zerolog.Logger

	httpSrv *http.Server
	ln      net.Listener

	mu        sync.Mutex
	clients   map[*client]struct{}
	busTokens map[string]int
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

func NewServer(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:8970"
	}
	return &Server{
		opts:      opts,
		logger:    xlog.WithComponent("api"),
		clients:   make(map[*client]struct{}),
		busTokens: make(map[string]int),
	}
}

// Start binds the listener and serves until Stop. Bus events named in
// ForwardEvents are fanned out to the clients for as long as the server
// runs.
func (s *Server) Start() error {
	for _, event := range s.opts.ForwardEvents {
		ev := event
		s.busTokens[ev] = s.opts.Bus.On(ev, func(payload any) {
			s.broadcast(Message{Type: ev, Payload: payload})
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/history", s.handleHistoryList)

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.httpSrv = &http.Server{Handler: mux}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("control API listening")
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("control API serve failed")
		}
	}()
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.opts.Addr
	}
	return s.ln.Addr().String()
}

// Stop unsubscribes from the bus, disconnects clients and shuts the
// listener down with a bounded wait.
func (s *Server) Stop() {
	for event, token := range s.busTokens {
		s.opts.Bus.Off(event, token)
	}
	s.busTokens = map[string]int{}

	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("control API shutdown timed out")
		}
	}
}

func (s *Server) broadcast(msg Message) {
	s.mu.Lock()
	list := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		list = append(list, c)
	}
	s.mu.Unlock()

	for _, c := range list {
		if err := c.send(msg); err != nil {
			s.logger.Debug().Err(err).Msg("dropping client after write error")
			c.conn.Close()
			s.mu.Lock()
			delete(s.clients, c)
			s.mu.Unlock()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("client read ended")
			}
			return
		}
		s.processMessage(r.Context(), c, msg)
	}
}

func (s *Server) processMessage(ctx context.Context, c *client, msg Message) {
	switch msg.Type {
	case "start_recording":
		if err := s.opts.Pipeline.StartRecording(); err != nil {
			s.reply(c, Message{Type: "error", Error: err.Error()})
			return
		}
		s.reply(c, Message{Type: "recording_state", Recording: true})

	case "stop_recording":
		s.opts.Pipeline.ProcessUtterance()
		s.reply(c, Message{Type: "recording_state", Recording: false})

	case "get_status":
		s.reply(c, Message{Type: "recording_state", Recording: s.opts.Pipeline.Recording()})

	case "get_devices":
		devices, err := s.opts.Devices.Devices()
		if err != nil {
			s.reply(c, Message{Type: "error", Error: err.Error()})
			return
		}
		s.reply(c, Message{Type: "devices", Devices: devices})

	case "get_config":
		s.reply(c, Message{Type: "config", Config: maskSecrets(s.opts.Config.Snapshot())})

	case "set_config":
		if msg.Key == "" {
			s.reply(c, Message{Type: "error", Error: "key is required"})
			return
		}
		if err := s.opts.Config.Set(msg.Key, msg.Value); err != nil {
			s.reply(c, Message{Type: "error", Error: err.Error()})
			return
		}
		s.reply(c, Message{Type: "config_updated", Key: msg.Key})

	case "history_list":
		records, err := s.opts.History.List(ctx, msg.Limit, msg.Offset, msg.Sort)
		if err != nil {
			s.reply(c, Message{Type: "error", Error: err.Error()})
			return
		}
		s.reply(c, Message{Type: "history", Records: viewRecords(records)})

	case "history_search":
		records, err := s.opts.History.Search(ctx, history.Filter{
			Text:        msg.Query,
			TransStatus: msg.Status,
			Limit:       msg.Limit,
			Offset:      msg.Offset,
		})
		if err != nil {
			s.reply(c, Message{Type: "error", Error: err.Error()})
			return
		}
		s.reply(c, Message{Type: "history", Records: viewRecords(records)})

	case "history_get":
		rec, err := s.opts.History.Get(ctx, msg.ID)
		if err != nil {
			s.reply(c, Message{Type: "error", Error: err.Error()})
			return
		}
		s.reply(c, Message{Type: "history_record", Record: viewRecord(rec)})

	case "history_delete":
		ids := msg.IDs
		if msg.ID != "" {
			ids = append(ids, msg.ID)
		}
		if len(ids) == 0 {
			s.reply(c, Message{Type: "error", Error: "ids are required"})
			return
		}
		if err := s.opts.History.DeleteMany(ctx, ids); err != nil {
			s.reply(c, Message{Type: "error", Error: err.Error()})
			return
		}
		s.reply(c, Message{Type: "history_deleted", IDs: ids})

	case "export_mp3":
		if msg.ID == "" || msg.Data == "" {
			s.reply(c, Message{Type: "error", Error: "id and data (output path) are required"})
			return
		}
		if err := s.opts.History.ExportMP3(ctx, msg.ID, msg.Data); err != nil {
			s.reply(c, Message{Type: "error", Error: err.Error()})
			return
		}
		s.reply(c, Message{Type: "export_completed", ID: msg.ID, Data: msg.Data})

	case "reprocess":
		if s.opts.Reprocess == nil {
			s.reply(c, Message{Type: "error", Error: "reprocessing backend not available"})
			return
		}
		s.reply(c, Message{Type: "reprocess_started"})
		filter := history.Filter{Text: msg.Query, TransStatus: msg.Status}
		go func() {
			report, err := s.opts.History.Reprocess(context.Background(),
				history.ReprocessOptions{Filter: filter}, s.opts.Reprocess)
			if err != nil {
				s.broadcast(Message{Type: "reprocess_error", Error: err.Error()})
				return
			}
			s.broadcast(Message{Type: "reprocess_completed", Report: viewReport(report)})
		}()

	default:
		s.reply(c, Message{Type: "error", Error: "unknown message type: " + msg.Type})
	}
}

func (s *Server) reply(c *client, msg Message) {
	if err := c.send(msg); err != nil {
		s.logger.Debug().Err(err).Msg("reply write failed")
	}
}

// handleHistoryList is a plain GET for tooling that does not speak
// WebSocket (curl, the packaging smoke test).
func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	records, err := s.opts.History.List(r.Context(), 0, 0, r.URL.Query().Get("sort"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(viewRecords(records)); err != nil {
		s.logger.Debug().Err(err).Msg("history list encode failed")
	}
}

// maskSecrets replaces key-like leaves so API keys never cross the
// control channel in clear.
func maskSecrets(doc map[string]any) map[string]any {
	for k, v := range doc {
		switch val := v.(type) {
		case map[string]any:
			doc[k] = maskSecrets(val)
		case string:
			if config.IsSecretPath(k) && val != "" {
				doc[k] = xlog.MaskKey(val)
			}
		}
	}
	return doc
}
