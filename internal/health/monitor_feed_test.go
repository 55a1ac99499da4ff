package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/truvis/pricestream/internal/connection"
	"github.com/truvis/pricestream/internal/model"
)

// switchableApprovals issues approval keys until err is set.
type switchableApprovals struct {
	mu  sync.Mutex
	err error
}

func (a *switchableApprovals) IssueApprovalKey(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	return "approval-key", nil
}

func (a *switchableApprovals) fail(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

// droppableFeed accepts feed connections and closes them all on drop.
func droppableFeed(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	drop := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-drop
	}))

	var once sync.Once
	dropAll := func() { once.Do(func() { close(drop) }) }
	t.Cleanup(func() {
		dropAll()
		server.Close()
	})
	return server, dropAll
}

func TestMonitor_FeedDropThenThreeFailedCycles(t *testing.T) {
	server, drop := droppableFeed(t)

	cfg := connection.DefaultManagerConfig()
	cfg.Client.URL = "ws" + strings.TrimPrefix(server.URL, "http")
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.MinCallInterval = 0

	approvals := &switchableApprovals{}
	mgr := connection.NewManager(cfg, approvals, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		mgr.Close(ctx)
	})

	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	approvals.fail(errors.New("auth down"))
	drop()

	deadline := time.Now().Add(2 * time.Second)
	for mgr.Stats().ReconnectFailures < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := mgr.Stats().ReconnectFailures; got != 1 {
		t.Fatalf("automatic reconnect failures = %d, want 1", got)
	}
	// Let the automatic attempt release the reconnect slot.
	time.Sleep(50 * time.Millisecond)

	ref := &fakeRefresher{}
	mon := NewMonitor(mgr, ref, nil)

	for cycle := 1; cycle <= 3; cycle++ {
		got := mon.Check(context.Background())
		if got.Healthy || !got.Refreshed {
			t.Errorf("cycle %d: Check() = %+v, want unhealthy with refresh", cycle, got)
		}
		if n := ref.calls.Load(); n != int32(cycle) {
			t.Errorf("cycle %d: refreshes = %d, want %d", cycle, n, cycle)
		}

		want := model.StateDisconnected
		if cycle == 3 {
			want = model.StateDegraded
		}
		if state := mgr.State(); state != want {
			t.Errorf("after cycle %d State = %v, want %v", cycle, state, want)
		}
	}
}
