package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/serialscope/internal/channel"
	"github.com/shaunagostinho/serialscope/internal/ingest"
	"github.com/shaunagostinho/serialscope/internal/metrics"
	"github.com/shaunagostinho/serialscope/internal/protocol"
)

type fakeSource struct {
	mu      sync.Mutex
	written []byte
	err     error
}

func (f *fakeSource) Name() string   { return "fake" }
func (f *fakeSource) Connect() error { return nil }
func (f *fakeSource) Close() error   { return nil }
func (f *fakeSource) Run(ctx context.Context, _ func([]byte)) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeSource) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSource) bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.written...)
}

type fixture struct {
	srv     *Server
	cfg     *Config
	store   *channel.Store
	session *ingest.Session
	http    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	cfg.Logging.Path = t.TempDir()

	m := metrics.New()
	store := channel.NewStore(channel.WithMetrics(m))
	session := ingest.NewSession(protocol.New(cfg.DecoderOptions()), store, ingest.Options{Metrics: m})
	web := fstest.MapFS{"index.html": &fstest.MapFile{Data: []byte("<html>scope</html>")}}

	srv := New(cfg, store, session, m, web)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &fixture{srv: srv, cfg: cfg, store: store, session: session, http: hs}
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestNewAppliesChannelConfig(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []int{0, 1, 2, 3}, f.store.EnabledChannels())
	assert.Equal(t, "CH1", f.store.Config(0).Name)
}

func TestIndexServed(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/")
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "scope")
}

func TestGetConfig(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/api/config")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Contains(t, got, "protocol")
	assert.Contains(t, got, "channels")
}

func TestPostConfigSwitchesProtocol(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/api/config", `{"protocol":{"name":"CSV"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CSV", f.session.Protocol())

	f.session.Process([]byte("1,2\n"))
	smp, ok := f.store.Latest(1)
	require.True(t, ok)
	assert.Equal(t, float32(2), smp.Value)
}

func TestPostConfigKeepsDecoderForUnrelatedChange(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.post(t, "/api/config", `{"protocol":{"name":"JustFloat","channels":1}}`).StatusCode)

	frame := protocol.EncodeJustFloat(nil, 42)
	f.session.Process(frame[:2])

	resp := f.post(t, "/api/config", `{"display":{"maxPoints":50}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 1, f.session.Process(frame[2:]))
	smp, _ := f.store.Latest(0)
	assert.Equal(t, float32(42), smp.Value)
}

func TestPostConfigAppliesChannelsAndPolicy(t *testing.T) {
	f := newFixture(t)
	body := `{"protocol":{"drainChunks":true},"channels":[{"name":"temp","enabled":true,"color":"#123456","dataType":"float","scale":2}]}`
	require.Equal(t, http.StatusOK, f.post(t, "/api/config", body).StatusCode)

	assert.Equal(t, ingest.PolicyDrain, f.session.Policy())
	assert.Equal(t, "temp", f.store.Config(0).Name)
	assert.Equal(t, float32(2), f.store.Config(0).Scale)
	assert.Equal(t, []int{0}, f.store.EnabledChannels())
}

func TestPostConfigInvalid(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/api/config", `{"protocol":{"name":"Morse"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "FireWater", f.session.Protocol())
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	f.store.PushMulti([]float32{1, 2})

	require.Equal(t, http.StatusOK, f.post(t, "/api/clear?channel=1", "").StatusCode)
	assert.Equal(t, 1, f.store.Len(0))
	assert.Zero(t, f.store.Len(1))

	require.Equal(t, http.StatusOK, f.post(t, "/api/clear", "").StatusCode)
	assert.Zero(t, f.store.Len(0))

	assert.Equal(t, http.StatusBadRequest, f.post(t, "/api/clear?channel=16", "").StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, f.get(t, "/api/clear").StatusCode)
}

func TestSend(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusServiceUnavailable, f.post(t, "/api/send", `{"data":"hi"}`).StatusCode)

	src := &fakeSource{}
	f.srv.SetSource(src)

	resp := f.post(t, "/api/send", `{"data":"AA 01","hex":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 2, got["sent"])

	require.Equal(t, http.StatusOK, f.post(t, "/api/send", `{"data":"go","newline":true}`).StatusCode)
	assert.Equal(t, []byte{0xAA, 0x01, 'g', 'o', '\r', '\n'}, src.bytes())

	assert.Equal(t, http.StatusBadRequest, f.post(t, "/api/send", `{"data":"ZZ","hex":true}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.post(t, "/api/send", `{"data":""}`).StatusCode)

	src.fail(errors.New("unplugged"))
	assert.Equal(t, http.StatusBadGateway, f.post(t, "/api/send", `{"data":"x"}`).StatusCode)
}

func TestAutoSend(t *testing.T) {
	f := newFixture(t)
	src := &fakeSource{}
	f.srv.SetSource(src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.srv.autoSendLoop(ctx)

	resp := f.post(t, "/api/send", `{"data":"AA","hex":true,"autoSend":true,"intervalMs":10}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st SendStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.AutoSend)
	assert.Equal(t, 100, st.IntervalMs)

	require.Eventually(t, func() bool { return len(src.bytes()) >= 3 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, []byte{0xAA, 0xAA, 0xAA}, src.bytes()[:3])

	req, err := http.NewRequest(http.MethodDelete, f.http.URL+"/api/send", nil)
	require.NoError(t, err)
	dresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(dresp.Body).Decode(&st))
	dresp.Body.Close()
	assert.False(t, st.AutoSend)

	time.Sleep(50 * time.Millisecond)
	sent := len(src.bytes())
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, sent, len(src.bytes()))

	var stats StatsResponse
	require.NoError(t, json.NewDecoder(f.get(t, "/api/stats").Body).Decode(&stats))
	assert.Equal(t, uint64(sent), stats.TxBytes)

	body, err := io.ReadAll(f.get(t, "/metrics").Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "serialscope_transport_bytes_sent_total")
}

func TestAutoSendSkipsWhileDisconnected(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.srv.autoSendLoop(ctx)

	require.Equal(t, http.StatusOK, f.post(t, "/api/send", `{"data":"x","autoSend":true,"intervalMs":100}`).StatusCode)
	time.Sleep(250 * time.Millisecond)
	assert.Zero(t, f.srv.txBytes.Load())

	src := &fakeSource{}
	f.srv.SetSource(src)
	require.Eventually(t, func() bool { return len(src.bytes()) > 0 }, 2*time.Second, 20*time.Millisecond)
}

func TestAutoSendInterval(t *testing.T) {
	for _, tt := range []struct {
		ms   int
		want time.Duration
	}{
		{0, time.Second},
		{-5, 100 * time.Millisecond},
		{50, 100 * time.Millisecond},
		{250, 250 * time.Millisecond},
		{60000, time.Minute},
		{90000, time.Minute},
	} {
		assert.Equal(t, tt.want, autoSendInterval(tt.ms), tt.ms)
	}
}

func TestSendHistory(t *testing.T) {
	f := newFixture(t)
	f.srv.SetSource(&fakeSource{})
	for _, d := range []string{"a", "b", "b", "c"} {
		require.Equal(t, http.StatusOK, f.post(t, "/api/send", `{"data":"`+d+`"}`).StatusCode)
	}
	for i := 0; i < sendHistoryLimit; i++ {
		f.srv.remember(strings.Repeat("z", i+1))
	}

	var st SendStatus
	require.NoError(t, json.NewDecoder(f.get(t, "/api/send").Body).Decode(&st))
	require.Len(t, st.History, sendHistoryLimit)
	assert.Equal(t, "z", st.History[0])
	assert.Equal(t, uint64(4), st.TxBytes)
	assert.False(t, st.AutoSend)

	f.srv.history = nil
	for _, d := range []string{"a", "b", "b", "c"} {
		f.srv.remember(d)
	}
	assert.Equal(t, []string{"a", "b", "c"}, f.srv.sendStatus().History)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.session.Process(protocol.EncodeFireWater(nil, 1, 2, 3, 4))

	resp := f.get(t, "/api/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got StatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "FireWater", got.Protocol)
	assert.Equal(t, "single", got.Policy)
	assert.Equal(t, uint64(1), got.Ingest.Frames)
	require.Len(t, got.Channels, 16)
	assert.Equal(t, float32(3), got.Channels[2].Last)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.session.Process(protocol.EncodeFireWater(nil, 1, 2, 3, 4))

	body, err := io.ReadAll(f.get(t, "/metrics").Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `serialscope_decoder_frames_decoded_total{protocol="FireWater"} 1`)
	assert.Contains(t, string(body), "serialscope_store_samples_pushed_total 4")
}

func TestWebSocketConfigThenData(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "config", msg.Type)
	assert.Equal(t, "FireWater", msg.Protocol)
	assert.Len(t, msg.Channels, 16)

	f.session.Process(protocol.EncodeFireWater(nil, 1, 2, 3, 4))
	f.srv.broadcast(f.srv.dataMessage(f.cfg.DisplaySettings()))

	msg = Message{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "data", msg.Type)
	require.Len(t, msg.Series, 4)
	assert.Equal(t, []float32{4}, msg.Series[3].Values)
	require.NotNil(t, msg.Stats)
	assert.Equal(t, uint64(1), msg.Stats.Frames)
	assert.NotEmpty(t, msg.Terminal)
}

func TestWebSocketSurvivesNonFiniteSamples(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.post(t, "/api/config", `{"protocol":{"name":"CSV"}}`).StatusCode)

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "config", msg.Type)

	f.session.Process([]byte("1,nan,3,inf\n"))
	for i := 0; i < 5; i++ {
		f.session.Process([]byte("1,2,3,4\n"))
	}
	f.srv.broadcast(f.srv.dataMessage(f.cfg.DisplaySettings()))

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"v":[null,2,2,2,2,2]`)

	msg = Message{}
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "data", msg.Type)
	require.Len(t, msg.Series, 4)
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1}, msg.Series[0].Values)
	assert.Len(t, msg.Series[1].Values, 6)
	assert.Equal(t, float32(2), msg.Series[1].Stats.Last)
	assert.Equal(t, float32(4), msg.Series[3].Stats.Min)
}

func TestScaleSeries(t *testing.T) {
	sr := channel.Series{
		Config: channel.Config{Scale: -2, Offset: 1},
		Stats:  channel.Stats{Min: 1, Max: 3, Avg: 2, Last: 3, Count: 2},
		Values: []float32{1, 3},
	}
	scaleSeries(&sr)
	assert.Equal(t, []float32{-1, -5}, sr.Values)
	assert.Equal(t, float32(-5), sr.Stats.Min)
	assert.Equal(t, float32(-1), sr.Stats.Max)
	assert.Equal(t, float32(-3), sr.Stats.Avg)
	assert.Equal(t, float32(-5), sr.Stats.Last)
}

func TestTerminalBuffer(t *testing.T) {
	f := newFixture(t)
	f.srv.onRaw(bytes.Repeat([]byte{'a'}, terminalLimit))
	f.srv.onRaw([]byte("xyz"))

	out := f.srv.takeTerminal(false)
	assert.Len(t, out, terminalLimit)
	assert.True(t, strings.HasSuffix(out, "axyz"))
	assert.Empty(t, f.srv.takeTerminal(false))

	f.srv.onRaw([]byte{0xAA, 0x01})
	assert.Equal(t, "AA 01 ", f.srv.takeTerminal(true))
}

func TestRunShutsDown(t *testing.T) {
	f := newFixture(t)
	f.cfg.Server.ListenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
