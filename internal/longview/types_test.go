package longview

import (
	"encoding/json"
	"testing"
)

func TestPointNullValueCountsAsZero(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		input string
		want  Point
	}{
		{"NullValue", `[5,null]`, Point{X: 5, Y: 0}},
		{"NullTimestamp", `[null,3]`, Point{X: 0, Y: 3}},
		{"ObjectNullValue", `{"x":7,"y":null}`, Point{X: 7, Y: 0}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var p Point
			if err := json.Unmarshal([]byte(tc.input), &p); err != nil {
				t.Fatalf("unmarshal %s: %v", tc.input, err)
			}
			if p != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, p)
			}
		})
	}
}

func TestProcessesKeepPayloadWithNullSample(t *testing.T) {
	t.Parallel()

	input := `{"Processes":{"nginx":{"longname":"x","root":{"cpu":[[0,null],[1,2]]}}}}`
	var procs Processes
	if err := json.Unmarshal([]byte(input), &procs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	cpu := procs.Processes["nginx"].Users["root"].CPU
	if len(cpu) != 2 || cpu[0].Y != 0 || cpu[1].Y != 2 {
		t.Fatalf("unexpected cpu series %+v", cpu)
	}
}
