// Package processes reshapes raw per-process statistics into flat summary
// records and filters them by process or user name.
package processes

import (
	"sort"

	"github.com/skobkin/procview/internal/longview"
)

// Key identifies a record without the ambiguity of the hyphen-joined ID.
type Key struct {
	Name string `json:"name"`
	User string `json:"user"`
}

// Record summarises one process running as one user.
type Record struct {
	ID         string  `json:"id"`
	Key        Key     `json:"key"`
	Name       string  `json:"name"`
	User       string  `json:"user"`
	LongName   string  `json:"long_name,omitempty"`
	MaxCount   float64 `json:"max_count"`
	AverageIO  float64 `json:"average_io"`
	AverageCPU float64 `json:"average_cpu"`
	AverageMem float64 `json:"average_mem"`
}

// RecordID builds the display identifier for a process/user pair.
func RecordID(name, user string) string {
	return name + "-" + user
}

// Extend flattens raw statistics into one record per (process, user) pair,
// sorted by name then user. Absent input yields an empty slice.
func Extend(raw *longview.Processes) []Record {
	if raw == nil || raw.Processes == nil {
		return []Record{}
	}

	total := 0
	for _, proc := range raw.Processes {
		total += len(proc.Users)
	}

	records := make([]Record, 0, total)
	for name, proc := range raw.Processes {
		for user, stats := range proc.Users {
			records = append(records, Record{
				ID:         RecordID(name, user),
				Key:        Key{Name: name, User: user},
				Name:       name,
				User:       user,
				LongName:   proc.LongName,
				MaxCount:   Max(stats.Count),
				AverageIO:  Average(stats.IOReadKBytes) + Average(stats.IOWriteKBytes),
				AverageCPU: Average(stats.CPU),
				AverageMem: Average(stats.Mem),
			})
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Name == records[j].Name {
			return records[i].User < records[j].User
		}
		return records[i].Name < records[j].Name
	})

	return records
}

// Average returns the arithmetic mean of the sample values, or 0 for an empty series.
func Average(series longview.Series) float64 {
	if len(series) == 0 {
		return 0
	}
	var sum float64
	for _, point := range series {
		sum += point.Y
	}
	return sum / float64(len(series))
}

// Max returns the largest sample value, or 0 for an empty series.
func Max(series longview.Series) float64 {
	if len(series) == 0 {
		return 0
	}
	largest := series[0].Y
	for _, point := range series[1:] {
		if point.Y > largest {
			largest = point.Y
		}
	}
	return largest
}
