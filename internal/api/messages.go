package api

import (
	"github.com/skobkin/procview/internal/panel"
	"github.com/skobkin/procview/internal/poller"
	"github.com/skobkin/procview/internal/processes"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string              `json:"type"`
	IntervalMS int                 `json:"interval_ms"`
	Clients    []poller.ClientInfo `json:"clients"`
	Features   map[string]bool     `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, clients []poller.ClientInfo, features map[string]bool) HelloMessage {
	if clients == nil {
		clients = []poller.ClientInfo{}
	}
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		Clients:    clients,
		Features:   features,
	}
}

// ProcessesMessage wraps a panel view for transport.
type ProcessesMessage struct {
	Type string `json:"type"`
	panel.View
}

// NewProcessesMessage constructs a processes payload.
func NewProcessesMessage(view panel.View) ProcessesMessage {
	return ProcessesMessage{
		Type: "processes",
		View: view,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// SubscribeMessage switches the connection to another client's processes.
type SubscribeMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
}

// FilterMessage updates the connection's filter.
type FilterMessage struct {
	Type          string `json:"type"`
	Text          string `json:"text"`
	Mode          string `json:"mode"`
	CaseSensitive bool   `json:"case_sensitive"`
}

// Options converts the message into filter options. An empty mode selects
// regular expression matching.
func (m FilterMessage) Options() (processes.FilterOptions, error) {
	mode, err := processes.ParseMatchMode(m.Mode)
	if err != nil {
		return processes.FilterOptions{}, err
	}
	return processes.FilterOptions{Mode: mode, CaseSensitive: m.CaseSensitive}, nil
}

// SelectMessage highlights one record; an empty id clears the selection.
// Key, when present, takes priority over ID since IDs of different
// (process, user) pairs may collide.
type SelectMessage struct {
	Type string         `json:"type"`
	ID   string         `json:"id"`
	Key  *processes.Key `json:"key,omitempty"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
