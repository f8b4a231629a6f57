// Package panel holds the per-viewer state of the processes panel and
// decides when raw data is re-aggregated and when it is only re-filtered.
package panel

import (
	"sync"

	"github.com/skobkin/procview/internal/longview"
	"github.com/skobkin/procview/internal/poller"
	"github.com/skobkin/procview/internal/processes"
)

// Source supplies snapshots for a client.
type Source interface {
	Subscribe(clientID string) (<-chan poller.Snapshot, func(), error)
	Latest(clientID string) (poller.Snapshot, bool)
}

// View is what the table and chart collaborators render.
type View struct {
	ClientID          string                  `json:"client_id"`
	Records           []processes.Record      `json:"records"`
	Total             int                     `json:"total"`
	Loading           bool                    `json:"loading"`
	Errors            longview.APIErrors      `json:"errors,omitempty"`
	LastUpdatedErrors longview.APIErrors      `json:"last_updated_errors,omitempty"`
	LastUpdated       int64                   `json:"last_updated"`
	Filter            string                  `json:"filter"`
	FilterOptions     processes.FilterOptions `json:"filter_options"`
	SelectedID        string                  `json:"selected_id,omitempty"`
	SelectedKey       *processes.Key          `json:"selected_key,omitempty"`
	Selected          *processes.SeriesSet    `json:"selected,omitempty"`
}

// Option customises a Panel.
type Option func(*Panel)

// WithExtender replaces the aggregation step.
func WithExtender(fn func(*longview.Processes) []processes.Record) Option {
	return func(p *Panel) { p.extend = fn }
}

// WithFilter replaces the filtering step.
func WithFilter(fn func([]processes.Record, string, processes.FilterOptions) []processes.Record) Option {
	return func(p *Panel) { p.filter = fn }
}

// Panel keeps the filter text and selection for one viewer and memoizes the
// two derivation stages: Extend runs only when the snapshot data version
// changes; Filter runs only when the extended records or the filter change.
type Panel struct {
	extend func(*longview.Processes) []processes.Record
	filter func([]processes.Record, string, processes.FilterOptions) []processes.Record

	mu         sync.Mutex
	snapshot   poller.Snapshot
	hasData    bool
	filterText string
	filterOpts processes.FilterOptions
	selectedID  string
	selectedKey *processes.Key

	extendedValid   bool
	extendedVersion uint64
	extended        []processes.Record
	extendedGen     uint64

	filtered     []processes.Record
	filteredGen  uint64
	filteredText string
	filteredOpts processes.FilterOptions
	filterValid  bool
}

// New constructs a Panel with the default aggregation and filtering.
func New(opts ...Option) *Panel {
	p := &Panel{
		extend: processes.Extend,
		filter: processes.Filter,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Update records a new snapshot and returns the resulting view.
func (p *Panel) Update(snapshot poller.Snapshot) View {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasData && snapshot.ClientID != p.snapshot.ClientID {
		p.extendedValid = false
	}
	p.snapshot = snapshot
	p.hasData = true
	return p.viewLocked()
}

// SetFilter changes the filter text and options.
func (p *Panel) SetFilter(text string, opts processes.FilterOptions) View {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filterText = text
	p.filterOpts = opts
	return p.viewLocked()
}

// Select changes the highlighted record. An empty id clears the selection.
// When several records share the id, the first in sort order is resolved.
func (p *Panel) Select(id string) View {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selectedID = id
	p.selectedKey = nil
	return p.viewLocked()
}

// SelectKey highlights the record for exactly one (process, user) pair.
func (p *Panel) SelectKey(key processes.Key) View {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selectedID = processes.RecordID(key.Name, key.User)
	p.selectedKey = &key
	return p.viewLocked()
}

// View returns the current view without changing state.
func (p *Panel) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewLocked()
}

// Reset drops the cached snapshot, e.g. when switching clients. The filter
// and selection are kept.
func (p *Panel) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot = poller.Snapshot{}
	p.hasData = false
	p.extended = nil
	p.extendedValid = false
	p.extendedVersion = 0
	p.extendedGen++
	p.filterValid = false
}

func (p *Panel) viewLocked() View {
	records := p.recordsLocked()

	view := View{
		ClientID:          p.snapshot.ClientID,
		Records:           records,
		Total:             len(p.extended),
		Loading:           p.snapshot.Loading || p.snapshot.LastUpdated == 0,
		Errors:            p.snapshot.Errors,
		LastUpdatedErrors: p.snapshot.LastUpdatedErrors,
		LastUpdated:       p.snapshot.LastUpdated,
		Filter:            p.filterText,
		FilterOptions:     p.filterOpts,
		SelectedID:        p.selectedID,
	}
	if p.selectedKey != nil {
		key := *p.selectedKey
		view.SelectedKey = &key
	}

	if p.selectedID != "" {
		for _, record := range p.extended {
			if !p.matchesSelectionLocked(record) {
				continue
			}
			if set, ok := processes.Lookup(&p.snapshot.Data, record.Key); ok {
				view.Selected = &set
			}
			break
		}
	}

	return view
}

func (p *Panel) matchesSelectionLocked(record processes.Record) bool {
	if p.selectedKey != nil {
		return record.Key == *p.selectedKey
	}
	return record.ID == p.selectedID
}

func (p *Panel) recordsLocked() []processes.Record {
	if !p.hasData {
		return []processes.Record{}
	}

	if !p.extendedValid || p.extendedVersion != p.snapshot.DataVersion {
		p.extended = p.extend(&p.snapshot.Data)
		p.extendedVersion = p.snapshot.DataVersion
		p.extendedValid = true
		p.extendedGen++
	}

	if !p.filterValid || p.filteredGen != p.extendedGen || p.filteredText != p.filterText || p.filteredOpts != p.filterOpts {
		p.filtered = p.filter(p.extended, p.filterText, p.filterOpts)
		p.filteredGen = p.extendedGen
		p.filteredText = p.filterText
		p.filteredOpts = p.filterOpts
		p.filterValid = true
	}

	return p.filtered
}
