package localstats

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// ListProcesses samples the host process table. Processes that exit or deny
// access mid-scan are skipped; missing optional counters are left zero.
func ListProcesses(ctx context.Context) ([]Sample, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	out := make([]Sample, 0, len(procs))
	for _, p := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}

		sample := Sample{
			PID:  p.Pid,
			Name: name,
			User: resolveUser(ctx, p),
		}

		if exe, err := p.ExeWithContext(ctx); err == nil {
			sample.Exe = exe
		}
		if times, err := p.TimesWithContext(ctx); err == nil && times != nil {
			sample.CPUSeconds = times.User + times.System
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			sample.RSSBytes = mem.RSS
		}
		if counters, err := p.IOCountersWithContext(ctx); err == nil && counters != nil {
			sample.ReadBytes = counters.ReadBytes
			sample.WriteBytes = counters.WriteBytes
			sample.HasIO = true
		}

		out = append(out, sample)
	}

	return out, nil
}

func resolveUser(ctx context.Context, p *process.Process) string {
	if name, err := p.UsernameWithContext(ctx); err == nil && name != "" {
		return name
	}
	if uids, err := p.UidsWithContext(ctx); err == nil && len(uids) > 0 {
		return fmt.Sprint(uids[0])
	}
	return "unknown"
}
