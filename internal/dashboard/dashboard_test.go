package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/taskdav/internal/caldav"
	"github.com/mschirtzinger/taskdav/internal/daemon"
	tasksync "github.com/mschirtzinger/taskdav/internal/sync"
)

var quiet = log.New(io.Discard, "", 0)

// memState is an in-memory daemon.StateStore.
type memState struct {
	mu   sync.Mutex
	last *time.Time
	err  string
}

func (m *memState) RecordSuccess(_ context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last, m.err = &at, ""
	return nil
}

func (m *memState) RecordError(_ context.Context, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = message
	return nil
}

func (m *memState) LastSync(context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, nil
}

func (m *memState) LastError(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err, nil
}

type staticSettings struct{}

func (staticSettings) CalDAV() (caldav.Config, bool) {
	return caldav.Config{URL: "https://dav.example.com/tasks/", Username: "alice"}, true
}
func (staticSettings) SyncInterval() time.Duration { return time.Hour }
func (staticSettings) SkipMalformed() bool         { return false }

type runnerFunc func(ctx context.Context) (*tasksync.Summary, error)

func (f runnerFunc) Run(ctx context.Context) (*tasksync.Summary, error) { return f(ctx) }

// setupManager returns a manager whose passes push one record.
func setupManager(t *testing.T) *daemon.Manager {
	t.Helper()
	m, err := daemon.NewManager(staticSettings{}, nil, &daemon.ManagerConfig{
		NewRunner: func(caldav.Config, tasksync.Options) (daemon.Runner, error) {
			return runnerFunc(func(context.Context) (*tasksync.Summary, error) {
				return &tasksync.Summary{Pushed: 1, SyncedAt: time.Now().UTC()}, nil
			}), nil
		},
		Logger: quiet,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func startServer(t *testing.T, backend Backend) *Server {
	t.Helper()
	server := NewServer(&Config{Port: 0, Backend: backend, Logger: quiet})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

// dial connects a client and consumes the hello message.
func dial(t *testing.T, ctx context.Context, server *Server) (*websocket.Conn, Message) {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	hello := readMessage(t, ctx, conn)
	if hello.Type != MessageTypeHello {
		t.Fatalf("Expected %s first, got %s", MessageTypeHello, hello.Type)
	}
	return conn, hello
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: quiet})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.GetAddr(); addr == "" {
		t.Fatal("Server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: quiet})
	if err := server.Stop(); err != nil {
		t.Fatalf("Stop without Start failed: %v", err)
	}
}

func TestMultipleClients(t *testing.T) {
	server := startServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	numClients := 3
	for i := 0; i < numClients; i++ {
		dial(t, ctx, server)
	}

	if count := server.ClientCount(); count != numClients {
		t.Errorf("Expected %d clients, got %d", numClients, count)
	}
}

func TestHelloCarriesLastEvent(t *testing.T) {
	m := setupManager(t)
	m.SyncNow(context.Background(), tasksync.ReasonStartup)
	server := startServer(t, NewManagerBackend(m, &memState{}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, hello := dial(t, ctx, server)
	var last tasksync.Event
	if err := json.Unmarshal(hello.Data, &last); err != nil {
		t.Fatalf("Failed to unmarshal hello data: %v", err)
	}
	if last.Reason != tasksync.ReasonStartup || last.Outcome.Pushed != 1 {
		t.Errorf("hello data = %+v", last)
	}
}

func TestSyncEventBroadcast(t *testing.T) {
	server := startServer(t, nil)
	handler := NewHandler(server, quiet)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _ := dial(t, ctx, server)

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	handler.OnSyncEvent(tasksync.Event{
		Reason:  tasksync.ReasonScheduled,
		Outcome: tasksync.Outcome{Status: tasksync.StatusSuccess, Created: 2, Pushed: 1, SyncedAt: &at},
		At:      at,
	})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncEvent {
		t.Fatalf("Expected %s, got %s", MessageTypeSyncEvent, msg.Type)
	}
	var ev tasksync.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}
	if ev.Reason != tasksync.ReasonScheduled || ev.Outcome.Created != 2 {
		t.Errorf("event = %+v", ev)
	}

	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("Expected %s, got %s", MessageTypeStats, msg.Type)
	}
	var stats StatsData
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatalf("Failed to unmarshal stats: %v", err)
	}
	if stats.Attempts != 1 || stats.Successes != 1 || stats.Created != 2 || stats.Pushed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHandlerCountsOutcomes(t *testing.T) {
	handler := NewHandler(NewServer(&Config{Port: 0, Logger: quiet}), quiet)

	handler.OnSyncEvent(tasksync.Event{Outcome: tasksync.Skipped(tasksync.SkipAlreadyRunning)})
	handler.OnSyncEvent(tasksync.Event{Outcome: tasksync.Outcome{Status: tasksync.StatusError, Message: "boom"}})
	handler.OnSyncEvent(tasksync.Event{Outcome: tasksync.Outcome{Status: tasksync.StatusSuccess, Deleted: 3}})

	got := handler.GetStats()
	want := StatsData{Attempts: 3, Successes: 1, Skips: 1, Errors: 1, Deleted: 3}
	if got != want {
		t.Errorf("stats = %+v, want %+v", got, want)
	}
}

func TestPostSyncBroadcastsOutcome(t *testing.T) {
	m := setupManager(t)
	state := &memState{}
	m.Subscribe(daemon.StatusRecorder(state, quiet))
	server := startServer(t, NewManagerBackend(m, state))
	m.Subscribe(NewHandler(server, quiet).Observer())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _ := dial(t, ctx, server)

	resp, err := http.Post("http://"+server.GetAddr()+"/sync", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /sync failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /sync status = %d", resp.StatusCode)
	}
	var out tasksync.Outcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode outcome: %v", err)
	}
	if out.Status != tasksync.StatusSuccess || out.Pushed != 1 {
		t.Errorf("outcome = %+v", out)
	}

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncEvent {
		t.Fatalf("Expected %s, got %s", MessageTypeSyncEvent, msg.Type)
	}
	var ev tasksync.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}
	if ev.Reason != tasksync.ReasonManual {
		t.Errorf("event reason = %s, want manual", ev.Reason)
	}

	statusResp, err := http.Get("http://" + server.GetAddr() + "/status")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer statusResp.Body.Close()
	var st StatusResponse
	if err := json.NewDecoder(statusResp.Body).Decode(&st); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if st.Status == nil || !st.Status.Configured || st.Status.LastSyncAt == nil {
		t.Errorf("status = %+v", st.Status)
	}
	if st.Last == nil || st.Last.Reason != tasksync.ReasonManual {
		t.Errorf("last = %+v", st.Last)
	}
}

func TestEndpointsRejectWrongMethod(t *testing.T) {
	server := startServer(t, NewManagerBackend(setupManager(t), &memState{}))

	resp, err := http.Get("http://" + server.GetAddr() + "/sync")
	if err != nil {
		t.Fatalf("GET /sync failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /sync status = %d, want 405", resp.StatusCode)
	}
}

func TestEndpointsWithoutBackend(t *testing.T) {
	server := startServer(t, nil)

	resp, err := http.Get("http://" + server.GetAddr() + "/status")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("GET /status status = %d, want 503", resp.StatusCode)
	}

	health, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer health.Body.Close()
	var body map[string]interface{}
	if err := json.NewDecoder(health.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("health = %+v", body)
	}
}
