package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/serialscope/internal/channel"
	"github.com/shaunagostinho/serialscope/internal/convert"
	"github.com/shaunagostinho/serialscope/internal/ingest"
	"github.com/shaunagostinho/serialscope/internal/logger"
	"github.com/shaunagostinho/serialscope/internal/metrics"
	"github.com/shaunagostinho/serialscope/internal/protocol"
	"github.com/shaunagostinho/serialscope/internal/serialport"
)

// terminalLimit caps the raw bytes held between broadcasts; older bytes are
// dropped first.
const terminalLimit = 4096

// Server exposes the channel store over HTTP and WebSocket and applies
// config changes to the running ingest session.
type Server struct {
	cfg     *Config
	store   *channel.Store
	session *ingest.Session
	metrics *metrics.Metrics
	webFS   fs.FS
	logger  *logger.Logger
	traffic *logger.Traffic

	srcMu  sync.RWMutex
	source serialport.Source

	termMu sync.Mutex
	term   []byte

	sendMu   sync.Mutex
	auto     autoSend
	history  []string
	autoKick chan struct{}
	txBytes  atomic.Uint64

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Message is the JSON structure sent to WebSocket clients.
type Message struct {
	Type     string           `json:"type"` // "config" or "data"
	Protocol string           `json:"protocol,omitempty"`
	Display  *DisplayConfig   `json:"display,omitempty"`
	Channels []channel.Config `json:"channels,omitempty"`
	Series   []channel.Series `json:"series,omitempty"`
	Stats    *ingest.Stats    `json:"stats,omitempty"`
	Terminal string           `json:"terminal,omitempty"`
	TxBytes  uint64           `json:"txBytes,omitempty"`
	Stamp    int64            `json:"stamp"` // Unix ms
}

// New creates a new Server and subscribes it to session output.
func New(cfg *Config, store *channel.Store, session *ingest.Session, m *metrics.Metrics, webFS fs.FS) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		session:  session,
		metrics:  m,
		webFS:    webFS,
		logger:   logger.New(cfg.LoggingConfig()),
		traffic:  logger.NewTraffic(),
		autoKick: make(chan struct{}, 1),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.applyChannels()
	if path := cfg.LoggingConfig().TrafficPath; path != "" {
		if err := s.traffic.Start(path); err != nil {
			log.Printf("[server] %v", err)
		}
	}

	session.OnFrame(s.logger.Record)
	session.OnRaw(s.onRaw)
	return s
}

// SetSource sets the transport used by /api/send. It may be nil while the
// device is disconnected.
func (s *Server) SetSource(src serialport.Source) {
	s.srcMu.Lock()
	s.source = src
	s.srcMu.Unlock()
}

func (s *Server) currentSource() serialport.Source {
	s.srcMu.RLock()
	defer s.srcMu.RUnlock()
	return s.source
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/clear", s.handleClear)
	mux.HandleFunc("/api/send", s.handleSend)
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/stats", s.handleStats)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Run serves HTTP and broadcasts plot data until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr(),
		Handler: s.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.broadcastLoop(gctx)
		return nil
	})
	g.Go(func() error {
		s.autoSendLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutCtx)
		s.logger.Close()
		s.traffic.Stop()
		return err
	})
	g.Go(func() error {
		log.Printf("[server] listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

func (s *Server) onRaw(b []byte) {
	s.traffic.Received(b)

	s.termMu.Lock()
	s.term = append(s.term, b...)
	if over := len(s.term) - terminalLimit; over > 0 {
		s.term = append(s.term[:0], s.term[over:]...)
	}
	s.termMu.Unlock()
}

func (s *Server) takeTerminal(hex bool) string {
	s.termMu.Lock()
	b := s.term
	s.term = nil
	s.termMu.Unlock()
	if len(b) == 0 {
		return ""
	}
	if hex {
		return convert.BytesToHex(b, true) + " "
	}
	return convert.BytesToASCII(b, false)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	if data, err := json.Marshal(s.configMessage()); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; clients do not send commands)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) configMessage() Message {
	display := s.cfg.DisplaySettings()
	channels := make([]channel.Config, channel.MaxChannels)
	for ch := range channels {
		channels[ch] = s.store.Config(ch)
	}
	return Message{
		Type:     "config",
		Protocol: s.session.Protocol(),
		Display:  &display,
		Channels: channels,
		Stamp:    time.Now().UnixMilli(),
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		before := s.cfg.ProtocolSettings()
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		s.applyConfig(before)
		s.broadcast(s.configMessage())
		writeJSON(w, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// applyConfig pushes the current config into the running components. The
// decoder is only rebuilt when protocol settings changed, so an unrelated
// edit does not drop a partially received frame.
func (s *Server) applyConfig(before ProtocolConfig) {
	after := s.cfg.ProtocolSettings()
	if !reflect.DeepEqual(before, after) {
		s.session.SetDecoder(protocol.New(s.cfg.DecoderOptions()))
	}
	s.session.SetPolicy(s.cfg.IngestOptions().Policy)
	s.applyChannels()
	s.logger.SetEnabled(s.cfg.LoggingConfig().Enabled)
}

func (s *Server) applyChannels() {
	for ch, c := range s.cfg.ChannelConfigs() {
		s.store.SetConfig(ch, c)
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if v := r.URL.Query().Get("channel"); v != "" {
		ch, err := strconv.Atoi(v)
		if err != nil || ch < 0 || ch >= channel.MaxChannels {
			http.Error(w, "invalid channel", http.StatusBadRequest)
			return
		}
		s.store.ClearChannel(ch)
	} else {
		s.store.ClearAll()
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ports, err := serialport.ListPorts()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"ports":     ports,
		"baudRates": serialport.BaudRates,
	})
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Protocol string          `json:"protocol"`
	Policy   string          `json:"policy"`
	Source   string          `json:"source"`
	Ingest   ingest.Stats    `json:"ingest"`
	TxBytes  uint64          `json:"txBytes"`
	Channels []channel.Stats `json:"channels"`
	LogFile  string          `json:"logFile,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := StatsResponse{
		Protocol: s.session.Protocol(),
		Policy:   s.session.Policy().String(),
		Ingest:   s.session.Stats(),
		TxBytes:  s.txBytes.Load(),
		Channels: make([]channel.Stats, channel.MaxChannels),
		LogFile:  s.logger.CurrentFile(),
	}
	if src := s.currentSource(); src != nil {
		resp.Source = src.Name()
	}
	for ch := range resp.Channels {
		resp.Channels[ch] = s.store.Stats(ch)
	}
	writeJSON(w, resp)
}

// broadcastLoop sends plot data at the configured refresh rate.
func (s *Server) broadcastLoop(ctx context.Context) {
	hz := s.cfg.DisplaySettings().RefreshHz
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			display := s.cfg.DisplaySettings()
			if display.RefreshHz != hz {
				hz = display.RefreshHz
				ticker.Reset(time.Second / time.Duration(hz))
			}
			s.broadcast(s.dataMessage(display))
		}
	}
}

func (s *Server) dataMessage(display DisplayConfig) Message {
	series := s.store.Snapshot(display.MaxPoints)
	for i := range series {
		scaleSeries(&series[i])
	}
	stats := s.session.Stats()
	return Message{
		Type:     "data",
		Protocol: s.session.Protocol(),
		Series:   series,
		Stats:    &stats,
		Terminal: s.takeTerminal(display.HexTerminal),
		TxBytes:  s.txBytes.Load(),
		Stamp:    time.Now().UnixMilli(),
	}
}

// scaleSeries maps raw values and statistics into display units.
func scaleSeries(sr *channel.Series) {
	c := sr.Config
	for i, v := range sr.Values {
		sr.Values[i] = c.Apply(v)
	}
	if sr.Stats.Count == 0 {
		return
	}
	lo, hi := c.Apply(sr.Stats.Min), c.Apply(sr.Stats.Max)
	if lo > hi {
		lo, hi = hi, lo
	}
	sr.Stats.Min, sr.Stats.Max = lo, hi
	sr.Stats.Avg = c.Apply(sr.Stats.Avg)
	sr.Stats.Last = c.Apply(sr.Stats.Last)
}

func (s *Server) broadcast(msg Message) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if len(s.clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[ws] marshal %s message: %v", msg.Type, err)
		return
	}
	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}
