package poller

import (
	"context"

	"github.com/skobkin/procview/internal/longview"
)

// Snapshot is the state of one client's processes request as observed by the
// panel: the latest data plus loading and error flags.
type Snapshot struct {
	ClientID string             `json:"client_id"`
	Data     longview.Processes `json:"data"`
	// DataVersion increases every time Data is replaced by a successful fetch.
	DataVersion uint64             `json:"data_version"`
	Loading     bool               `json:"loading"`
	Errors      longview.APIErrors `json:"errors,omitempty"`
	// LastUpdated is the completion time of the last successful fetch in
	// milliseconds since the epoch, 0 until one has completed.
	LastUpdated int64 `json:"last_updated"`
	// SourceUpdated is the timestamp the client itself last reported.
	SourceUpdated     int64              `json:"source_updated"`
	LastUpdatedErrors longview.APIErrors `json:"last_updated_errors,omitempty"`
}

// Source provides statistics for a monitored client.
type Source interface {
	LastUpdated(ctx context.Context, apiKey string) (int64, error)
	Processes(ctx context.Context, apiKey string) (longview.Processes, error)
}

// Client is a monitored host and the source its statistics come from.
type Client struct {
	ID     string
	Label  string
	Kind   string
	APIKey string
	Source Source
}

// ClientInfo is the public description of a Client.
type ClientInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  string `json:"kind"`
}

// FetchStats counts requests issued for a client.
type FetchStats struct {
	Polls       uint64
	Fetches     uint64
	FetchErrors uint64
	PollErrors  uint64
}
