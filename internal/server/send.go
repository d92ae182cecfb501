package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/shaunagostinho/serialscope/internal/convert"
)

const (
	minAutoSendInterval     = 100 * time.Millisecond
	maxAutoSendInterval     = 60 * time.Second
	defaultAutoSendInterval = time.Second
	sendHistoryLimit        = 20
)

var errNotConnected = errors.New("server: not connected")

// SendRequest is the body of POST /api/send.
type SendRequest struct {
	Data       string `json:"data"`
	Hex        bool   `json:"hex"`        // Data is hex text such as "AA 01"
	Newline    bool   `json:"newline"`    // append \r\n in text mode
	AutoSend   bool   `json:"autoSend"`   // repeat until DELETE /api/send
	IntervalMs int    `json:"intervalMs"` // auto-send period, clamped to [100, 60000]
}

// SendStatus is the body of GET and DELETE /api/send.
type SendStatus struct {
	TxBytes    uint64   `json:"txBytes"`
	AutoSend   bool     `json:"autoSend"`
	IntervalMs int      `json:"intervalMs,omitempty"`
	History    []string `json:"history"`
}

type autoSend struct {
	payload  []byte
	interval time.Duration
}

func (r SendRequest) payload() ([]byte, error) {
	if r.Hex {
		return convert.HexToBytes(r.Data)
	}
	p := []byte(r.Data)
	if r.Newline {
		p = append(p, '\r', '\n')
	}
	return p, nil
}

// autoSendInterval clamps a requested period in milliseconds. Zero selects
// the one second default.
func autoSendInterval(ms int) time.Duration {
	if ms == 0 {
		return defaultAutoSendInterval
	}
	d := time.Duration(ms) * time.Millisecond
	return min(max(d, minAutoSendInterval), maxAutoSendInterval)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.sendStatus())
		return
	case http.MethodDelete:
		s.setAutoSend(autoSend{})
		log.Printf("[send] auto-send stopped")
		writeJSON(w, s.sendStatus())
		return
	case http.MethodPost:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	payload, err := req.payload()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(payload) == 0 {
		http.Error(w, "empty payload", http.StatusBadRequest)
		return
	}
	s.remember(req.Data)

	if req.AutoSend {
		interval := autoSendInterval(req.IntervalMs)
		s.setAutoSend(autoSend{payload: payload, interval: interval})
		log.Printf("[send] auto-send %d bytes every %v", len(payload), interval)
		writeJSON(w, s.sendStatus())
		return
	}

	n, err := s.write(payload)
	switch {
	case errors.Is(err, errNotConnected):
		http.Error(w, "not connected", http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]int{"sent": n})
}

// write sends p to the current source and accounts the bytes written.
func (s *Server) write(p []byte) (int, error) {
	src := s.currentSource()
	if src == nil {
		return 0, errNotConnected
	}
	n, err := src.Write(p)
	if n > 0 {
		s.traffic.Sent(p[:n])
		s.txBytes.Add(uint64(n))
		s.metrics.ObserveSent(n)
	}
	if err != nil {
		return n, err
	}
	log.Printf("[send] %d bytes to %s\n%s", n, src.Name(), convert.HexDump(p[:n]))
	return n, nil
}

// remember keeps recent payload texts, newest last, skipping an immediate
// repeat.
func (s *Server) remember(data string) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if n := len(s.history); n > 0 && s.history[n-1] == data {
		return
	}
	s.history = append(s.history, data)
	if over := len(s.history) - sendHistoryLimit; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

func (s *Server) setAutoSend(a autoSend) {
	s.sendMu.Lock()
	s.auto = a
	s.sendMu.Unlock()
	select {
	case s.autoKick <- struct{}{}:
	default:
	}
}

func (s *Server) currentAutoSend() autoSend {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.auto
}

func (s *Server) sendStatus() SendStatus {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	st := SendStatus{
		TxBytes:  s.txBytes.Load(),
		AutoSend: s.auto.interval > 0,
		History:  append([]string{}, s.history...),
	}
	if st.AutoSend {
		st.IntervalMs = int(s.auto.interval / time.Millisecond)
	}
	return st
}

// autoSendLoop repeats the configured payload until ctx is cancelled. Ticks
// while disconnected are skipped.
func (s *Server) autoSendLoop(ctx context.Context) {
	var ticker *time.Ticker
	var tick <-chan time.Time
	stop := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.autoKick:
			stop()
			if a := s.currentAutoSend(); a.interval > 0 {
				ticker = time.NewTicker(a.interval)
				tick = ticker.C
			}
		case <-tick:
			a := s.currentAutoSend()
			if len(a.payload) == 0 {
				continue
			}
			if _, err := s.write(a.payload); err != nil && !errors.Is(err, errNotConnected) {
				log.Printf("[send] auto-send failed: %v", err)
			}
		}
	}
}
