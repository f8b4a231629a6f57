package processes

import "github.com/skobkin/procview/internal/longview"

// SeriesSet carries the raw time-series behind a single record, for charts.
type SeriesSet struct {
	ID            string          `json:"id"`
	Key           Key             `json:"key"`
	LongName      string          `json:"long_name,omitempty"`
	Count         longview.Series `json:"count"`
	CPU           longview.Series `json:"cpu"`
	Mem           longview.Series `json:"mem"`
	IOReadKBytes  longview.Series `json:"ioreadkbytes"`
	IOWriteKBytes longview.Series `json:"iowritekbytes"`
}

// Lookup returns the series recorded for key.
func Lookup(raw *longview.Processes, key Key) (SeriesSet, bool) {
	if raw == nil || raw.Processes == nil {
		return SeriesSet{}, false
	}
	proc, ok := raw.Processes[key.Name]
	if !ok {
		return SeriesSet{}, false
	}
	stats, ok := proc.Users[key.User]
	if !ok {
		return SeriesSet{}, false
	}
	return SeriesSet{
		ID:            RecordID(key.Name, key.User),
		Key:           key,
		LongName:      proc.LongName,
		Count:         nonNil(stats.Count),
		CPU:           nonNil(stats.CPU),
		Mem:           nonNil(stats.Mem),
		IOReadKBytes:  nonNil(stats.IOReadKBytes),
		IOWriteKBytes: nonNil(stats.IOWriteKBytes),
	}, true
}

func nonNil(series longview.Series) longview.Series {
	if series == nil {
		return longview.Series{}
	}
	return series
}
