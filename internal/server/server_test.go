package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/shrinkray/internal/apiroutes"
	"github.com/mantonx/shrinkray/internal/compressor"
	"github.com/mantonx/shrinkray/internal/config"
	"github.com/mantonx/shrinkray/internal/database"
	"github.com/mantonx/shrinkray/internal/events"
	"github.com/mantonx/shrinkray/internal/scanner"
)

type fakeScanner struct {
	mu       sync.Mutex
	scanned  int
	scanning bool
}

func (f *fakeScanner) Scan(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanned++
	return nil
}

func (f *fakeScanner) Status() scanner.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return scanner.Status{Scanning: f.scanning, FilesScanned: 42}
}

func (f *fakeScanner) scanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanned
}

type fakeCompressor struct {
	mu          sync.Mutex
	paused      bool
	stopped     bool
	resumed     bool
	sessions    int
	prioritized string
	priority    int
}

func (f *fakeCompressor) ProcessQueue(ctx context.Context, limit int, force bool) (*compressor.SessionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	return &compressor.SessionResult{Status: "completed"}, nil
}

func (f *fakeCompressor) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

func (f *fakeCompressor) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = true
	return nil
}

func (f *fakeCompressor) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeCompressor) Prioritize(path string, priority int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prioritized = path
	f.priority = priority
	return nil
}

func (f *fakeCompressor) Status() compressor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return compressor.Status{Paused: f.paused}
}

type fakeReloader struct{ err error }

func (f *fakeReloader) Reload() error { return f.err }

type serverFixture struct {
	server     *Server
	store      *database.Store
	bus        *events.Bus
	scanner    *fakeScanner
	compressor *fakeCompressor
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	apiroutes.ClearForTesting()

	dir := t.TempDir()
	store, err := database.Open(config.DatabaseConfig{
		Type:       "sqlite",
		Path:       filepath.Join(dir, "catalog.db"),
		BackupPath: filepath.Join(dir, "catalog_backup.db"),
	}, true, hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	bus := events.NewBus(store, hclog.NewNullLogger())
	sc := &fakeScanner{}
	cp := &fakeCompressor{}
	srv := New(cfg, store, bus, sc, cp, &fakeReloader{}, hclog.NewNullLogger())

	return &serverFixture{server: srv, store: store, bus: bus, scanner: sc, compressor: cp}
}

func (f *serverFixture) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func TestStatsEndpoint(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var payload map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Contains(t, payload, "database")
	assert.Contains(t, payload, "scanner")
	assert.Contains(t, payload, "compressor")
	assert.Contains(t, payload, "timestamp")

	var scannerStatus scanner.Status
	require.NoError(t, json.Unmarshal(payload["scanner"], &scannerStatus))
	assert.Equal(t, int64(42), scannerStatus.FilesScanned)
}

func TestBasicAuthGuardsAPI(t *testing.T) {
	f := newServerFixture(t)
	f.server.cfg.Web.Secure = true
	f.server.cfg.Web.Username = "operator"
	f.server.cfg.Web.Password = "hunter2"

	w := f.request(t, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.SetBasicAuth("operator", "hunter2")
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestControlVerbs(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodPost, "/api/control/pause", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Compression paused")
	assert.True(t, f.compressor.paused)

	w = f.request(t, http.MethodPost, "/api/control/resume", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.compressor.resumed)

	w = f.request(t, http.MethodPost, "/api/control/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.compressor.stopped)

	w = f.request(t, http.MethodPost, "/api/control/reload_config", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Configuration reloaded")
}

func TestControlStartVerbsRunInBackground(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodPost, "/api/control/start_scan", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Eventually(t, func() bool { return f.scanner.scanCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	w = f.request(t, http.MethodPost, "/api/control/start_compression", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Eventually(t, func() bool {
		f.compressor.mu.Lock()
		defer f.compressor.mu.Unlock()
		return f.compressor.sessions == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestControlUnknownCommand(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodPost, "/api/control/selfdestruct", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Unknown command")
}

func TestControlPrioritize(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodPost, "/api/control/prioritize",
		`{"path": "/media/Movie.mkv", "priority": 5}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/media/Movie.mkv", f.compressor.prioritized)
	assert.Equal(t, 5, f.compressor.priority)

	w = f.request(t, http.MethodPost, "/api/control/prioritize", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReloadUnavailableWithoutDaemon(t *testing.T) {
	f := newServerFixture(t)
	f.server.reloader = nil

	w := f.request(t, http.MethodPost, "/api/control/reload_config", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestEventsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.store.LogEvent("scan_completed", "scan finished", "info"))
	require.NoError(t, f.store.LogEvent("compression_error", "encode failed", "error"))

	w := f.request(t, http.MethodGet, "/api/events", "")
	require.Equal(t, http.StatusOK, w.Code)

	var payload struct {
		Events []database.EventRecord `json:"events"`
		Count  int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.Equal(t, 2, payload.Count)
	assert.Equal(t, "compression_error", payload.Events[0].EventType, "newest first")

	w = f.request(t, http.MethodGet, "/api/events?limit=nope", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouteRegistryListed(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodGet, "/api", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/stats")
	assert.Contains(t, w.Body.String(), "/api/control/:command")
}

func TestRouterRebuildDoesNotDuplicateListing(t *testing.T) {
	f := newServerFixture(t)

	// Every request helper call builds a fresh router; the listing must
	// stay one entry per endpoint regardless.
	f.request(t, http.MethodGet, "/api", "")
	w := f.request(t, http.MethodGet, "/api", "")
	require.Equal(t, http.StatusOK, w.Code)

	var payload struct {
		Routes []apiroutes.APIRoute `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))

	seen := make(map[string]int)
	for _, route := range payload.Routes {
		seen[route.Method+" "+route.Path]++
	}
	for key, count := range seen {
		assert.Equal(t, 1, count, key)
	}
	assert.Equal(t, 1, seen["GET /api/stats"])
}

func TestEventStreamWebsocket(t *testing.T) {
	f := newServerFixture(t)

	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	// Give the handler time to subscribe before publishing.
	require.Eventually(t, func() bool {
		f.bus.Publish(events.TypeScanCompleted, "scan finished", database.SeverityInfo)
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var event events.Event
		return conn.ReadJSON(&event) == nil && event.Type == events.TypeScanCompleted
	}, 5*time.Second, 100*time.Millisecond)
}
