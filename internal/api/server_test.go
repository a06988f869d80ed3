package api

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonicinput/audio"
	"sonicinput/history"
	"sonicinput/internal/bus"
	"sonicinput/internal/config"
)

type stubPipeline struct {
	mu        sync.Mutex
	recording bool
	stops     int
}

func (p *stubPipeline) StartRecording() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recording = true
	return nil
}
func (p *stubPipeline) ProcessUtterance() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recording = false
	p.stops++
}
func (p *stubPipeline) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recording
}

type stubDevices struct{}

func (stubDevices) Devices() ([]audio.Device, error) {
	return []audio.Device{
		{Index: 0, Name: "Built-in Microphone", IsDefault: true},
		{Index: 1, Name: "USB Headset"},
	}, nil
}

type stubHistory struct {
	records []*history.Record
	deleted []string
}

func (h *stubHistory) Get(_ context.Context, id string) (*history.Record, error) {
	for _, r := range h.records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, history.ErrNotFound
}
func (h *stubHistory) List(context.Context, int, int, string) ([]*history.Record, error) {
	return h.records, nil
}
func (h *stubHistory) Search(context.Context, history.Filter) ([]*history.Record, error) {
	return h.records, nil
}
func (h *stubHistory) DeleteMany(_ context.Context, ids []string) error {
	h.deleted = append(h.deleted, ids...)
	return nil
}
func (h *stubHistory) Reprocess(context.Context, history.ReprocessOptions, history.ReprocessFunc) (*history.ReprocessReport, error) {
	return &history.ReprocessReport{Total: 2, Success: 2}, nil
}
func (h *stubHistory) ExportMP3(context.Context, string, string) error { return nil }

type testClient struct {
	conn *websocket.Conn
}

func dialServer(t *testing.T, s *Server) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn}
}

func (c *testClient) roundTrip(t *testing.T, req Message) Message {
	t.Helper()
	require.NoError(t, c.conn.WriteJSON(req))
	return c.read(t)
}

func (c *testClient) read(t *testing.T) Message {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp Message
	require.NoError(t, c.conn.ReadJSON(&resp))
	return resp
}

func newTestServer(t *testing.T, pipe *stubPipeline, hist *stubHistory) (*Server, *bus.Bus) {
	t.Helper()
	b := bus.New()
	cfg, err := config.NewStore(config.Options{Path: filepath.Join(t.TempDir(), "config.json")})
	require.NoError(t, err)
	t.Cleanup(func() { cfg.Close() })

	s := NewServer(Options{
		Addr:          "127.0.0.1:0",
		Config:        cfg,
		Bus:           b,
		Pipeline:      pipe,
		History:       hist,
		Devices:       stubDevices{},
		ForwardEvents: []string{audio.EventLevel},
	})
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s, b
}

func TestRecordingControlRoundTrip(t *testing.T) {
	pipe := &stubPipeline{}
	s, _ := newTestServer(t, pipe, &stubHistory{})
	c := dialServer(t, s)

	resp := c.roundTrip(t, Message{Type: "start_recording"})
	assert.Equal(t, "recording_state", resp.Type)
	assert.True(t, resp.Recording)
	assert.True(t, pipe.Recording())

	resp = c.roundTrip(t, Message{Type: "stop_recording"})
	assert.Equal(t, "recording_state", resp.Type)
	assert.False(t, resp.Recording)
	assert.Equal(t, 1, pipe.stops)
}

func TestGetDevices(t *testing.T) {
	s, _ := newTestServer(t, &stubPipeline{}, &stubHistory{})
	c := dialServer(t, s)

	resp := c.roundTrip(t, Message{Type: "get_devices"})
	assert.Equal(t, "devices", resp.Type)
	require.Len(t, resp.Devices, 2)
	assert.True(t, resp.Devices[0].IsDefault)
}

func TestHistoryListAndDelete(t *testing.T) {
	rec := history.NewRecord()
	rec.FinalText = "hello"
	rec.TranscriptionStatus = history.StatusSuccess
	rec.AIStatus = history.StatusSkipped
	hist := &stubHistory{records: []*history.Record{rec}}
	s, _ := newTestServer(t, &stubPipeline{}, hist)
	c := dialServer(t, s)

	resp := c.roundTrip(t, Message{Type: "history_list"})
	assert.Equal(t, "history", resp.Type)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "hello", resp.Records[0].FinalText)

	resp = c.roundTrip(t, Message{Type: "history_delete", ID: rec.ID})
	assert.Equal(t, "history_deleted", resp.Type)
	assert.Equal(t, []string{rec.ID}, hist.deleted)
}

func TestConfigMasksSecrets(t *testing.T) {
	s, _ := newTestServer(t, &stubPipeline{}, &stubHistory{})
	require.NoError(t, s.opts.Config.Set("transcription.api_key", "sk-verysecretvalue12345"))
	c := dialServer(t, s)

	resp := c.roundTrip(t, Message{Type: "get_config"})
	require.Equal(t, "config", resp.Type)
	section, ok := resp.Config["transcription"].(map[string]any)
	require.True(t, ok)
	masked, _ := section["api_key"].(string)
	assert.NotContains(t, masked, "verysecretvalue")
	assert.NotEmpty(t, masked)
}

func TestSetConfigValidationErrorsSurface(t *testing.T) {
	s, _ := newTestServer(t, &stubPipeline{}, &stubHistory{})
	c := dialServer(t, s)

	resp := c.roundTrip(t, Message{Type: "set_config", Key: "hotkeys.mode", Value: "bogus"})
	assert.Equal(t, "error", resp.Type)
	assert.NotEmpty(t, resp.Error)

	resp = c.roundTrip(t, Message{Type: "set_config", Key: "hotkeys.mode", Value: "toggle"})
	assert.Equal(t, "config_updated", resp.Type)
	assert.Equal(t, "toggle", s.opts.Config.GetString("hotkeys.mode", ""))
}

func TestBusEventsForwardedToClients(t *testing.T) {
	s, b := newTestServer(t, &stubPipeline{}, &stubHistory{})
	c := dialServer(t, s)

	// The subscription races with the dial; a ping settles the handshake.
	resp := c.roundTrip(t, Message{Type: "get_status"})
	require.Equal(t, "recording_state", resp.Type)

	b.Emit(audio.EventLevel, map[string]any{"level": 0.42})

	resp = c.read(t)
	assert.Equal(t, audio.EventLevel, resp.Type)
	payload, ok := resp.Payload.(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 0.42, payload["level"], 1e-9)
}

func TestUnknownMessageType(t *testing.T) {
	s, _ := newTestServer(t, &stubPipeline{}, &stubHistory{})
	c := dialServer(t, s)

	resp := c.roundTrip(t, Message{Type: "fly_to_the_moon"})
	assert.Equal(t, "error", resp.Type)
	assert.Contains(t, resp.Error, "unknown message type")
}

func TestHistoryHTTPEndpoint(t *testing.T) {
	rec := history.NewRecord()
	rec.FinalText = "served over http"
	hist := &stubHistory{records: []*history.Record{rec}}
	s, _ := newTestServer(t, &stubPipeline{}, hist)

	resp, err := http.Get("http://" + s.Addr() + "/api/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var records []*HistoryRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.Equal(t, "served over http", records[0].FinalText)
}
