package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/skobkin/procview/internal/longview"
)

type fakeSource struct {
	mu           sync.Mutex
	lastUpdated  int64
	lastErr      error
	procs        longview.Processes
	procErr      error
	processCalls int
}

func (f *fakeSource) LastUpdated(ctx context.Context, apiKey string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUpdated, f.lastErr
}

func (f *fakeSource) Processes(ctx context.Context, apiKey string) (longview.Processes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processCalls++
	return f.procs, f.procErr
}

func (f *fakeSource) set(fn func(*fakeSource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processCalls
}

func nginxProcesses() longview.Processes {
	return longview.Processes{Processes: map[string]longview.Process{
		"nginx": {Users: map[string]longview.UserStats{
			"root": {CPU: longview.Series{{X: 0, Y: 10}}},
		}},
	}}
}

func newTestManager(t *testing.T, clients ...Client) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := NewManager(10*time.Millisecond, clients, logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return manager
}

func TestManagerInitialSnapshot(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	manager := newTestManager(t, Client{ID: "web1", APIKey: "key", Source: src})

	snap, ok := manager.Latest("web1")
	if !ok {
		t.Fatalf("expected initial snapshot")
	}
	if snap.LastUpdated != 0 || snap.DataVersion != 0 || snap.Loading {
		t.Fatalf("unexpected initial snapshot %+v", snap)
	}
	if snap.Data.Processes == nil || len(snap.Data.Processes) != 0 {
		t.Fatalf("initial data should be an empty process map")
	}
	if manager.Ready() {
		t.Fatalf("manager should not be ready before the first poll")
	}
}

func TestManagerFetchKeyedOnLastUpdated(t *testing.T) {
	t.Parallel()

	src := &fakeSource{lastUpdated: 100, procs: nginxProcesses()}
	manager := newTestManager(t, Client{ID: "web1", APIKey: "key", Source: src})
	manager.now = func() time.Time { return time.UnixMilli(5000) }
	ctx := context.Background()

	client := manager.index["web1"]
	manager.poll(ctx, client)

	snap, _ := manager.Latest("web1")
	if snap.DataVersion != 1 || snap.LastUpdated != 5000 || snap.SourceUpdated != 100 {
		t.Fatalf("unexpected snapshot after first fetch %+v", snap)
	}
	if _, ok := snap.Data.Processes["nginx"]; !ok {
		t.Fatalf("expected nginx in data")
	}
	if !manager.Ready() {
		t.Fatalf("expected ready after first poll")
	}

	// Same key: no refetch.
	manager.poll(ctx, client)
	if src.calls() != 1 {
		t.Fatalf("expected a single fetch, got %d", src.calls())
	}

	// Client reports new data: refetch.
	src.set(func(f *fakeSource) { f.lastUpdated = 200 })
	manager.poll(ctx, client)
	if src.calls() != 2 {
		t.Fatalf("expected refetch on new last updated, got %d calls", src.calls())
	}
	snap, _ = manager.Latest("web1")
	if snap.DataVersion != 2 {
		t.Fatalf("expected data version 2, got %d", snap.DataVersion)
	}

	stats := manager.Stats("web1")
	if stats.Polls != 3 || stats.Fetches != 2 || stats.FetchErrors != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestManagerDisabledWithoutKeyOrTimestamp(t *testing.T) {
	t.Parallel()

	noTimestamp := &fakeSource{lastUpdated: 0, procs: nginxProcesses()}
	noKey := &fakeSource{lastUpdated: 50, procs: nginxProcesses()}
	manager := newTestManager(t,
		Client{ID: "pending", APIKey: "key", Source: noTimestamp},
		Client{ID: "nokey", APIKey: "", Source: noKey},
	)

	for _, id := range []string{"pending", "nokey"} {
		manager.poll(context.Background(), manager.index[id])
		snap, _ := manager.Latest(id)
		if snap.LastUpdated != 0 || snap.Loading {
			t.Fatalf("%s: unexpected snapshot %+v", id, snap)
		}
	}
	if noTimestamp.calls() != 0 || noKey.calls() != 0 {
		t.Fatalf("disabled sources must not be fetched")
	}
	if !manager.Ready() {
		t.Fatalf("disabled clients still count as polled")
	}
}

func TestManagerFetchErrorKeepsData(t *testing.T) {
	t.Parallel()

	src := &fakeSource{lastUpdated: 1, procs: nginxProcesses()}
	manager := newTestManager(t, Client{ID: "web1", APIKey: "key", Source: src})
	client := manager.index["web1"]
	manager.poll(context.Background(), client)

	src.set(func(f *fakeSource) {
		f.lastUpdated = 2
		f.procErr = longview.APIErrors{{Reason: "Authentication failed"}}
	})
	manager.poll(context.Background(), client)

	snap, _ := manager.Latest("web1")
	if snap.Loading {
		t.Fatalf("loading must be cleared after failure")
	}
	if len(snap.Errors) != 1 || snap.Errors[0].Reason != "Authentication failed" {
		t.Fatalf("api errors not forwarded verbatim: %+v", snap.Errors)
	}
	if snap.DataVersion != 1 || len(snap.Data.Processes) != 1 {
		t.Fatalf("previous data should be kept: %+v", snap)
	}

	// The failed key is not fetched again while the client reports the same data.
	src.set(func(f *fakeSource) { f.procErr = nil })
	manager.poll(context.Background(), client)
	if src.calls() != 2 {
		t.Fatalf("failed key must not be refetched, got %d calls", src.calls())
	}
	snap, _ = manager.Latest("web1")
	if len(snap.Errors) != 1 || snap.DataVersion != 1 {
		t.Fatalf("errors should persist until the next fetch, got %+v", snap)
	}

	// Newer data from the client triggers a fetch that clears the error.
	src.set(func(f *fakeSource) { f.lastUpdated = 3 })
	manager.poll(context.Background(), client)
	snap, _ = manager.Latest("web1")
	if src.calls() != 3 || snap.Errors != nil || snap.DataVersion != 2 {
		t.Fatalf("expected recovery, got %+v after %d calls", snap, src.calls())
	}
}

func TestManagerLastUpdatedErrorWrapped(t *testing.T) {
	t.Parallel()

	src := &fakeSource{lastErr: errors.New("dial tcp: refused")}
	manager := newTestManager(t, Client{ID: "web1", APIKey: "key", Source: src})
	manager.poll(context.Background(), manager.index["web1"])

	snap, _ := manager.Latest("web1")
	if len(snap.LastUpdatedErrors) != 1 || snap.LastUpdatedErrors[0].Reason != "dial tcp: refused" {
		t.Fatalf("unexpected last updated errors %+v", snap.LastUpdatedErrors)
	}
	if manager.Stats("web1").PollErrors != 1 {
		t.Fatalf("expected poll error counted")
	}
}

func TestManagerSubscribeReceivesUpdates(t *testing.T) {
	t.Parallel()

	src := &fakeSource{lastUpdated: 10, procs: nginxProcesses()}
	manager := newTestManager(t, Client{ID: "web1", APIKey: "key", Source: src})

	ch, unsubscribe, err := manager.Subscribe("web1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	initial := awaitSnapshot(t, ch)
	if initial.DataVersion != 0 {
		t.Fatalf("expected initial snapshot first, got %+v", initial)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = manager.Run(ctx) }()

	deadline := time.After(time.Second)
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				t.Fatalf("subscription closed unexpectedly")
			}
			if snap.DataVersion == 1 && !snap.Loading {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for fetched snapshot")
		}
	}
}

func TestManagerRejectsBadClients(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	testCases := []struct {
		name    string
		clients []Client
	}{
		{"EmptyID", []Client{{ID: "", Source: src}}},
		{"NoSource", []Client{{ID: "a"}}},
		{"Duplicate", []Client{{ID: "a", Source: src}, {ID: "a", Source: src}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewManager(time.Second, tc.clients, nil); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	if _, err := NewManager(0, nil, nil); err == nil {
		t.Fatalf("expected error for zero interval")
	}

	manager := newTestManager(t, Client{ID: "a", Source: src})
	if _, _, err := manager.Subscribe("missing"); err == nil {
		t.Fatalf("expected error for unknown client")
	}
}

func awaitSnapshot(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed unexpectedly")
		}
		return snap
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func TestManagerQuietWhenNothingChanged(t *testing.T) {
	t.Parallel()

	src := &fakeSource{lastUpdated: 10, procs: nginxProcesses()}
	manager := newTestManager(t, Client{ID: "web1", APIKey: "key", Source: src})
	client := manager.index["web1"]
	manager.poll(context.Background(), client)

	ch, unsubscribe, err := manager.Subscribe("web1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()
	awaitSnapshot(t, ch)

	manager.poll(context.Background(), client)
	select {
	case snap := <-ch:
		t.Fatalf("unexpected broadcast for unchanged client: %+v", snap)
	default:
	}
}
