package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazz-dev/pingboard/internal/cache"
	"github.com/hazz-dev/pingboard/internal/coordinator"
	"github.com/hazz-dev/pingboard/internal/server"
	"github.com/hazz-dev/pingboard/internal/status"
	"github.com/hazz-dev/pingboard/internal/storage"
	"github.com/hazz-dev/pingboard/internal/target"
)

// mockStore implements server.HistoryStore for testing.
type mockStore struct {
	history   map[string][]storage.Observation
	totalHist map[string]int
	uptime    map[string]float64
	err       error

	lastLimit, lastOffset int
}

func (m *mockStore) History(_ context.Context, id string, limit, offset int) ([]storage.Observation, int, error) {
	if m.err != nil {
		return nil, 0, m.err
	}
	m.lastLimit, m.lastOffset = limit, offset
	return m.history[id], m.totalHist[id], nil
}

func (m *mockStore) UptimePercent(_ context.Context, id string, last int) (float64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.uptime[id], nil
}

// mockRefresher counts refresh requests.
type mockRefresher struct{ calls int32 }

func (m *mockRefresher) RequestRefresh() bool {
	atomic.AddInt32(&m.calls, 1)
	return true
}

func makeRegistry(t *testing.T) *target.Registry {
	t.Helper()
	r, err := target.NewRegistry([]target.Spec{
		{Name: "Google", Address: "google.com", IconURL: "https://www.google.com/favicon.ico"},
		{Name: "Stack Overflow", Address: "stackoverflow.com", IconURL: "https://cdn.sstatic.net/favicon.ico"},
		{Name: "Unprobed", Address: "unprobed.example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func makeRecord(reg *target.Registry, id string, st status.Status, ms float64, cycle uint64) status.Record {
	tg, _ := reg.Get(id)
	rec := status.Record{
		TargetID:  tg.ID,
		Name:      tg.Name,
		Address:   tg.Address,
		IconURL:   tg.IconURL,
		Status:    st,
		Timestamp: time.Unix(1_700_000_000+int64(cycle), 0),
		Cycle:     cycle,
	}
	if st != status.Down {
		rec.LatencyMs = &ms
	}
	return rec
}

// seededCache holds one committed cycle: Google Good, Stack Overflow Down.
func seededCache(reg *target.Registry) *cache.Cache {
	c := cache.New()
	c.Commit(1, []status.Record{
		makeRecord(reg, "google", status.Good, 42.5, 1),
		makeRecord(reg, "stack-overflow", status.Down, 0, 1),
	})
	return c
}

func doRequest(t *testing.T, router http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decoding JSON response: %v", err)
	}
}

type statusBody map[string]struct {
	Status    string   `json:"status"`
	LatencyMs *float64 `json:"latencyMs"`
	IconURL   string   `json:"iconUrl"`
}

func TestHealth(t *testing.T) {
	reg := makeRegistry(t)
	s := server.New(reg, cache.New(), &mockStore{}, nil, nil)
	w := doRequest(t, s.Router(), "GET", "/api/health")

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var resp map[string]string
	decodeJSON(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
}

func TestStatus_ServesCache(t *testing.T) {
	reg := makeRegistry(t)
	s := server.New(reg, seededCache(reg), &mockStore{}, nil, nil)
	w := doRequest(t, s.Router(), "GET", "/status")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}

	var resp statusBody
	decodeJSON(t, w, &resp)
	if len(resp) != 2 {
		t.Fatalf("expected 2 entries (unprobed omitted), got %d: %v", len(resp), resp)
	}
	g := resp["Google"]
	if g.Status != "Good" || g.LatencyMs == nil || *g.LatencyMs != 42.5 {
		t.Errorf("unexpected Google entry: %+v", g)
	}
	if g.IconURL != "https://www.google.com/favicon.ico" {
		t.Errorf("unexpected icon url: %q", g.IconURL)
	}
	so := resp["Stack Overflow"]
	if so.Status != "Down" || so.LatencyMs != nil {
		t.Errorf("expected Down with null latency, got %+v", so)
	}
	if _, ok := resp["Unprobed"]; ok {
		t.Error("targets without a record must be omitted")
	}
}

func TestStatus_NullLatencyOnTheWire(t *testing.T) {
	reg := makeRegistry(t)
	s := server.New(reg, seededCache(reg), nil, nil, nil)
	w := doRequest(t, s.Router(), "GET", "/status")

	if !strings.Contains(w.Body.String(), `"latencyMs":null`) {
		t.Errorf("expected explicit null latency, got %s", w.Body.String())
	}
}

func TestStatus_EmptyBeforeFirstCycle(t *testing.T) {
	reg := makeRegistry(t)
	s := server.New(reg, cache.New(), nil, nil, nil)
	w := doRequest(t, s.Router(), "GET", "/status")

	if strings.TrimSpace(w.Body.String()) != "{}" {
		t.Errorf("expected empty object, got %s", w.Body.String())
	}
}

func TestStatus_RefreshIsAsync(t *testing.T) {
	reg := makeRegistry(t)
	ref := &mockRefresher{}
	s := server.New(reg, seededCache(reg), nil, ref, nil)

	doRequest(t, s.Router(), "GET", "/status")
	if atomic.LoadInt32(&ref.calls) != 0 {
		t.Error("plain /status must not request a refresh")
	}

	w := doRequest(t, s.Router(), "GET", "/status?refresh=1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if atomic.LoadInt32(&ref.calls) != 1 {
		t.Errorf("expected 1 refresh request, got %d", ref.calls)
	}
	var resp statusBody
	decodeJSON(t, w, &resp)
	if resp["Google"].Status != "Good" {
		t.Errorf("expected cached response, got %+v", resp)
	}
}

func TestSnapshot(t *testing.T) {
	reg := makeRegistry(t)
	s := server.New(reg, seededCache(reg), nil, nil, nil)
	w := doRequest(t, s.Router(), "GET", "/api/snapshot")

	var resp struct {
		Data struct {
			Cycle       uint64     `json:"cycle"`
			CommittedAt *time.Time `json:"committed_at"`
			Records     []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"records"`
		} `json:"data"`
	}
	decodeJSON(t, w, &resp)
	if resp.Data.Cycle != 1 || resp.Data.CommittedAt == nil {
		t.Errorf("expected cycle 1 with commit time, got %+v", resp.Data)
	}
	if len(resp.Data.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(resp.Data.Records))
	}
	if resp.Data.Records[0].ID != "google" || resp.Data.Records[1].ID != "stack-overflow" {
		t.Errorf("expected registry order, got %+v", resp.Data.Records)
	}
}

func TestListTargets(t *testing.T) {
	reg := makeRegistry(t)
	store := &mockStore{uptime: map[string]float64{"google": 99.5}}
	s := server.New(reg, seededCache(reg), store, nil, nil)
	w := doRequest(t, s.Router(), "GET", "/api/targets")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Data []map[string]interface{} `json:"data"`
	}
	decodeJSON(t, w, &resp)
	if len(resp.Data) != 3 {
		t.Fatalf("expected 3 targets, got %d", len(resp.Data))
	}
	if resp.Data[0]["id"] != "google" || resp.Data[0]["status"] != "Good" {
		t.Errorf("unexpected first target: %v", resp.Data[0])
	}
	if resp.Data[0]["uptime_percent"] != 99.5 {
		t.Errorf("expected uptime 99.5, got %v", resp.Data[0]["uptime_percent"])
	}
	if resp.Data[2]["status"] != "unknown" || resp.Data[2]["last_checked"] != nil {
		t.Errorf("expected unprobed target unknown, got %v", resp.Data[2])
	}
}

func TestListTargets_StoreErrorStillServes(t *testing.T) {
	reg := makeRegistry(t)
	s := server.New(reg, seededCache(reg), &mockStore{err: errors.New("db locked")}, nil, nil)
	w := doRequest(t, s.Router(), "GET", "/api/targets")

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 without uptime, got %d", w.Code)
	}
}

func TestTargetHistory_Pagination(t *testing.T) {
	reg := makeRegistry(t)
	obs := make([]storage.Observation, 5)
	for i := range obs {
		obs[i] = storage.Observation{ID: int64(i + 1), Record: makeRecord(reg, "google", status.Good, 10, uint64(i+1))}
	}
	store := &mockStore{
		history:   map[string][]storage.Observation{"google": obs},
		totalHist: map[string]int{"google": 50},
	}
	s := server.New(reg, cache.New(), store, nil, nil)
	w := doRequest(t, s.Router(), "GET", "/api/targets/google/history?limit=5&offset=10")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data struct {
			Records []interface{} `json:"records"`
			Total   int           `json:"total"`
		} `json:"data"`
	}
	decodeJSON(t, w, &resp)
	if resp.Data.Total != 50 {
		t.Errorf("expected total 50, got %d", resp.Data.Total)
	}
	if len(resp.Data.Records) != 5 {
		t.Errorf("expected 5 records, got %d", len(resp.Data.Records))
	}
	if store.lastLimit != 5 || store.lastOffset != 10 {
		t.Errorf("expected limit 5 offset 10, got %d/%d", store.lastLimit, store.lastOffset)
	}
}

func TestTargetHistory_LimitCapped(t *testing.T) {
	reg := makeRegistry(t)
	store := &mockStore{}
	s := server.New(reg, cache.New(), store, nil, nil)
	doRequest(t, s.Router(), "GET", "/api/targets/google/history?limit=999999")

	if store.lastLimit != 1000 {
		t.Errorf("expected limit capped at 1000, got %d", store.lastLimit)
	}
}

func TestTargetHistory_NotFound(t *testing.T) {
	reg := makeRegistry(t)
	s := server.New(reg, cache.New(), &mockStore{}, nil, nil)
	w := doRequest(t, s.Router(), "GET", "/api/targets/nonexistent/history")

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestTargetHistory_InvalidParams(t *testing.T) {
	reg := makeRegistry(t)
	s := server.New(reg, cache.New(), &mockStore{}, nil, nil)

	for _, path := range []string{
		"/api/targets/google/history?limit=bad",
		"/api/targets/google/history?limit=-1",
		"/api/targets/google/history?offset=notanumber",
	} {
		w := doRequest(t, s.Router(), "GET", path)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, w.Code)
		}
	}
}

func TestTargetHistory_StoreError(t *testing.T) {
	reg := makeRegistry(t)
	s := server.New(reg, cache.New(), &mockStore{err: errors.New("boom")}, nil, nil)
	w := doRequest(t, s.Router(), "GET", "/api/targets/google/history")

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

func TestTargetHistory_NoStore(t *testing.T) {
	reg := makeRegistry(t)
	s := server.New(reg, cache.New(), nil, nil, nil)
	w := doRequest(t, s.Router(), "GET", "/api/targets/google/history")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestMount_FallsThroughToHandler(t *testing.T) {
	reg := makeRegistry(t)
	s := server.New(reg, cache.New(), nil, nil, nil)
	s.Mount(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("dashboard"))
	}))

	w := doRequest(t, s.Router(), "GET", "/")
	if w.Body.String() != "dashboard" {
		t.Errorf("expected mounted handler at /, got %q", w.Body.String())
	}
	w = doRequest(t, s.Router(), "GET", "/api/health")
	if !strings.Contains(w.Body.String(), "ok") {
		t.Errorf("API routes must take precedence, got %q", w.Body.String())
	}
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readStatus(t *testing.T, conn *websocket.Conn) statusBody {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var body statusBody
	if err := conn.ReadJSON(&body); err != nil {
		t.Fatalf("reading websocket payload: %v", err)
	}
	return body
}

func TestWebSocket_PushesOnConnectAndCommit(t *testing.T) {
	reg := makeRegistry(t)
	c := seededCache(reg)
	s := server.New(reg, c, nil, nil, nil)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()
	defer s.Close()

	conn := dialWS(t, ts)

	first := readStatus(t, conn)
	if first["Google"].Status != "Good" {
		t.Errorf("expected initial payload from cache, got %+v", first)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	c.Commit(2, []status.Record{makeRecord(reg, "google", status.Low, 180, 2)})
	s.Publish(coordinator.Delta{Cycle: 2})

	second := readStatus(t, conn)
	g := second["Google"]
	if g.Status != "Low" || g.LatencyMs == nil || *g.LatencyMs != 180 {
		t.Errorf("expected pushed Low 180ms, got %+v", g)
	}
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	reg := makeRegistry(t)
	s := server.New(reg, cache.New(), nil, nil, nil)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected foreign origin to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
}

func TestWebSocket_CloseDisconnectsSubscribers(t *testing.T) {
	reg := makeRegistry(t)
	s := server.New(reg, cache.New(), nil, nil, nil)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	conn := dialWS(t, ts)
	readStatus(t, conn)

	s.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close, got %v", err)
	}
}
