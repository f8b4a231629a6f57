package longview

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// LongNameKey is the per-process key holding a display label instead of user stats.
const LongNameKey = "longname"

// Point is a single (timestamp, value) sample of a time-series.
type Point struct {
	X int64   `json:"x"`
	Y float64 `json:"y"`
}

// UnmarshalJSON accepts both {"x":..,"y":..} objects and [x, y] pairs.
func (p *Point) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var pair []json.Number
		if err := json.Unmarshal(trimmed, &pair); err != nil {
			return fmt.Errorf("decode sample pair: %w", err)
		}
		if len(pair) != 2 {
			return fmt.Errorf("sample pair has %d elements", len(pair))
		}
		x, err := sampleNumber(pair[0])
		if err != nil {
			return fmt.Errorf("sample timestamp: %w", err)
		}
		y, err := sampleNumber(pair[1])
		if err != nil {
			return fmt.Errorf("sample value: %w", err)
		}
		p.X = int64(x)
		p.Y = y
		return nil
	}

	type plain Point
	var out plain
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return fmt.Errorf("decode sample: %w", err)
	}
	*p = Point(out)
	return nil
}

// sampleNumber reads a pair element; null decodes to an empty number and counts as 0.
func sampleNumber(n json.Number) (float64, error) {
	if n == "" {
		return 0, nil
	}
	return n.Float64()
}

// Series is an ordered sequence of samples.
type Series []Point

// UserStats holds the time-series recorded for one process running as one user.
type UserStats struct {
	Count         Series `json:"count"`
	IOReadKBytes  Series `json:"ioreadkbytes"`
	IOWriteKBytes Series `json:"iowritekbytes"`
	CPU           Series `json:"cpu"`
	Mem           Series `json:"mem"`
}

// Process groups per-user statistics for a single process name. On the wire
// the users share an object with the "longname" label.
type Process struct {
	LongName string
	Users    map[string]UserStats
}

// UnmarshalJSON splits the "longname" entry from the user entries.
func (p *Process) UnmarshalJSON(data []byte) error {
	if isEmptyData(data) {
		*p = Process{Users: map[string]UserStats{}}
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode process entry: %w", err)
	}

	out := Process{Users: make(map[string]UserStats, len(raw))}
	for key, value := range raw {
		if key == LongNameKey {
			if err := json.Unmarshal(value, &out.LongName); err != nil {
				return fmt.Errorf("decode longname: %w", err)
			}
			continue
		}
		var stats UserStats
		if err := json.Unmarshal(value, &stats); err != nil {
			return fmt.Errorf("decode stats for user %q: %w", key, err)
		}
		out.Users[key] = stats
	}

	*p = out
	return nil
}

// MarshalJSON emits the wire shape with "longname" alongside the user entries.
func (p Process) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Users)+1)
	for user, stats := range p.Users {
		out[user] = stats
	}
	if p.LongName != "" {
		out[LongNameKey] = p.LongName
	}
	return json.Marshal(out)
}

// Processes is the payload of a "Processes.*" request. A nil map means the
// field was absent from the response.
type Processes struct {
	Processes map[string]Process `json:"Processes,omitempty"`
}

// UnmarshalJSON tolerates an empty array in place of an empty object.
func (p *Processes) UnmarshalJSON(data []byte) error {
	var raw struct {
		Processes json.RawMessage `json:"Processes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode processes: %w", err)
	}
	if isEmptyData(raw.Processes) {
		if raw.Processes != nil && string(bytes.TrimSpace(raw.Processes)) == "[]" {
			p.Processes = map[string]Process{}
		} else {
			p.Processes = nil
		}
		return nil
	}
	var procs map[string]Process
	if err := json.Unmarshal(raw.Processes, &procs); err != nil {
		return err
	}
	p.Processes = procs
	return nil
}

// Empty returns the initial value used before any fetch has completed.
func Empty() Processes {
	return Processes{Processes: map[string]Process{}}
}

// APIError describes a single failure reported by the stats API or the transport.
type APIError struct {
	Reason string `json:"reason"`
}

// APIErrors is the only error shape handed to display collaborators.
type APIErrors []APIError

func (e APIErrors) Error() string {
	switch len(e) {
	case 0:
		return "longview: unknown error"
	case 1:
		return "longview: " + e[0].Reason
	default:
		return fmt.Sprintf("longview: %s (and %d more)", e[0].Reason, len(e)-1)
	}
}

// NewAPIErrors wraps a single reason.
func NewAPIErrors(reason string) APIErrors {
	return APIErrors{{Reason: reason}}
}
