package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skobkin/procview/internal/longview"
)

// Manager polls every configured client, caches the latest snapshot,
// and fans updates out to subscribers.
type Manager struct {
	interval time.Duration
	clients  []Client
	index    map[string]Client
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.RWMutex
	latest      map[string]Snapshot
	keys        map[string]fetchKey
	polled      map[string]bool
	stats       map[string]FetchStats
	subscribers map[string]map[*subscriber]struct{}
}

// fetchKey mirrors the request dependencies: a new fetch is issued only when
// the client identifier or the client's last update changes.
type fetchKey struct {
	apiKey      string
	lastUpdated int64
}

func (k fetchKey) enabled() bool {
	return k.apiKey != "" && k.lastUpdated != 0
}

// NewManager builds a Manager for the given clients.
func NewManager(interval time.Duration, clients []Client, logger *slog.Logger) (*Manager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	m := &Manager{
		interval:    interval,
		clients:     make([]Client, 0, len(clients)),
		index:       make(map[string]Client, len(clients)),
		logger:      logger.With("component", "poller_manager"),
		now:         time.Now,
		latest:      make(map[string]Snapshot, len(clients)),
		keys:        make(map[string]fetchKey, len(clients)),
		polled:      make(map[string]bool, len(clients)),
		stats:       make(map[string]FetchStats, len(clients)),
		subscribers: make(map[string]map[*subscriber]struct{}),
	}

	for _, client := range clients {
		if client.ID == "" {
			return nil, fmt.Errorf("client id must not be empty")
		}
		if client.Source == nil {
			return nil, fmt.Errorf("client %q has no source", client.ID)
		}
		if _, dup := m.index[client.ID]; dup {
			return nil, fmt.Errorf("duplicate client id %q", client.ID)
		}
		m.clients = append(m.clients, client)
		m.index[client.ID] = client
		m.latest[client.ID] = Snapshot{ClientID: client.ID, Data: longview.Empty()}
	}

	return m, nil
}

// Run polls all clients until the context is canceled.
func (m *Manager) Run(ctx context.Context) error {
	if len(m.clients) == 0 {
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, client := range m.clients {
		g.Go(func() error {
			logger := m.logger.With("client_id", client.ID)
			logger.Info("poller started", "interval", m.interval)

			m.poll(gctx, client)

			ticker := time.NewTicker(m.interval)
			defer ticker.Stop()

			for {
				select {
				case <-gctx.Done():
					logger.Info("poller stopping", "reason", gctx.Err())
					return nil
				case <-ticker.C:
					m.poll(gctx, client)
				}
			}
		})
	}

	return g.Wait()
}

// poll performs one tick for a client: resolve the fetch key and, when it
// changed, fetch processes.
func (m *Manager) poll(ctx context.Context, client Client) {
	logger := m.logger.With("client_id", client.ID)

	lastUpdated, err := client.Source.LastUpdated(ctx, client.APIKey)
	m.countStat(client.ID, func(s *FetchStats) {
		s.Polls++
		if err != nil {
			s.PollErrors++
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn("last updated request failed", "err", err)
		m.update(client.ID, func(s *Snapshot) {
			s.LastUpdatedErrors = asAPIErrors(err)
		})
		m.markPolled(client.ID)
		return
	}

	key := fetchKey{apiKey: client.APIKey, lastUpdated: lastUpdated}
	m.mu.RLock()
	current := m.latest[client.ID]
	m.mu.RUnlock()
	if current.LastUpdatedErrors != nil || current.SourceUpdated != lastUpdated {
		m.update(client.ID, func(s *Snapshot) {
			s.LastUpdatedErrors = nil
			s.SourceUpdated = lastUpdated
		})
	}

	if !key.enabled() {
		m.markPolled(client.ID)
		return
	}

	m.mu.RLock()
	prev := m.keys[client.ID]
	m.mu.RUnlock()
	if prev == key {
		m.markPolled(client.ID)
		return
	}

	m.update(client.ID, func(s *Snapshot) {
		s.Loading = true
	})

	data, err := client.Source.Processes(ctx, client.APIKey)
	m.countStat(client.ID, func(s *FetchStats) {
		s.Fetches++
		if err != nil {
			s.FetchErrors++
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			m.update(client.ID, func(s *Snapshot) { s.Loading = false })
			return
		}
		logger.Warn("processes request failed", "err", err)
		// A failed key is not retried until the client reports newer data.
		m.mu.Lock()
		m.keys[client.ID] = key
		m.mu.Unlock()
		m.update(client.ID, func(s *Snapshot) {
			s.Loading = false
			s.Errors = asAPIErrors(err)
		})
		m.markPolled(client.ID)
		return
	}

	completed := m.now().UnixMilli()
	m.mu.Lock()
	m.keys[client.ID] = key
	m.mu.Unlock()

	m.update(client.ID, func(s *Snapshot) {
		s.Data = data
		s.DataVersion++
		s.Loading = false
		s.Errors = nil
		s.LastUpdated = completed
	})
	m.markPolled(client.ID)
	logger.Debug("processes updated", "processes", len(data.Processes), "source_updated", lastUpdated)
}

// Latest returns the current snapshot for a client.
func (m *Manager) Latest(clientID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.latest[clientID]
	return snapshot, ok
}

// Subscribe registers a listener for snapshot changes of a client. The
// current snapshot is delivered immediately.
func (m *Manager) Subscribe(clientID string) (<-chan Snapshot, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.index[clientID]; !ok {
		return nil, nil, fmt.Errorf("unknown client %q", clientID)
	}

	sub := newSubscriber()
	if _, ok := m.subscribers[clientID]; !ok {
		m.subscribers[clientID] = make(map[*subscriber]struct{})
	}
	m.subscribers[clientID][sub] = struct{}{}
	sub.send(m.latest[clientID])

	unsubscribe := func() {
		m.removeSubscriber(clientID, sub)
	}
	return sub.channel(), unsubscribe, nil
}

// Clients describes the configured clients in configuration order.
func (m *Manager) Clients() []ClientInfo {
	out := make([]ClientInfo, 0, len(m.clients))
	for _, client := range m.clients {
		out = append(out, ClientInfo{ID: client.ID, Label: client.Label, Kind: client.Kind})
	}
	return out
}

// Known reports whether clientID is configured.
func (m *Manager) Known(clientID string) bool {
	_, ok := m.index[clientID]
	return ok
}

// Ready reports whether every client has completed at least one poll.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, client := range m.clients {
		if !m.polled[client.ID] {
			return false
		}
	}
	return true
}

// Stats returns request counters for a client.
func (m *Manager) Stats(clientID string) FetchStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats[clientID]
}

func (m *Manager) update(clientID string, mutate func(*Snapshot)) {
	m.mu.Lock()
	snapshot := m.latest[clientID]
	mutate(&snapshot)
	m.latest[clientID] = snapshot

	targets := make([]*subscriber, 0, len(m.subscribers[clientID]))
	for sub := range m.subscribers[clientID] {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	for _, sub := range targets {
		sub.send(snapshot)
	}
}

func (m *Manager) markPolled(clientID string) {
	m.mu.Lock()
	m.polled[clientID] = true
	m.mu.Unlock()
}

func (m *Manager) countStat(clientID string, mutate func(*FetchStats)) {
	m.mu.Lock()
	stats := m.stats[clientID]
	mutate(&stats)
	m.stats[clientID] = stats
	m.mu.Unlock()
}

func (m *Manager) removeSubscriber(clientID string, sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subs, ok := m.subscribers[clientID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(m.subscribers, clientID)
		}
	}
	sub.close()
}

func asAPIErrors(err error) longview.APIErrors {
	var apiErrs longview.APIErrors
	if errors.As(err, &apiErrs) {
		return apiErrs
	}
	return longview.NewAPIErrors(err.Error())
}

type subscriber struct {
	ch     chan Snapshot
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan Snapshot, 1),
	}
}

func (s *subscriber) channel() <-chan Snapshot {
	return s.ch
}

func (s *subscriber) send(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snapshot:
		return
	default:
		// Drop oldest to make room for the new snapshot.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- snapshot:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
