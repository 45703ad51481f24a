package transcode

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats is a resource snapshot of a running ffmpeg.
type ProcessStats struct {
	CPUPercent float64
	RSSBytes   uint64
}

// Stats samples CPU and memory usage of the ffmpeg process.
func (j *Job) Stats() (ProcessStats, error) {
	if j.Status().Kind != Running {
		return ProcessStats{}, fmt.Errorf("ffmpeg pid %d: %w", j.pid, ErrProcessExited)
	}

	proc, err := process.NewProcess(int32(j.pid))
	if err != nil {
		return ProcessStats{}, fmt.Errorf("ffmpeg pid %d: %w", j.pid, err)
	}

	cpu, err := proc.CPUPercent()
	if err != nil {
		return ProcessStats{}, fmt.Errorf("ffmpeg pid %d cpu: %w", j.pid, err)
	}

	mem, err := proc.MemoryInfo()
	if err != nil {
		return ProcessStats{}, fmt.Errorf("ffmpeg pid %d memory: %w", j.pid, err)
	}

	return ProcessStats{CPUPercent: cpu, RSSBytes: mem.RSS}, nil
}

func (j *Job) logStats(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			st, err := j.Stats()
			if err != nil {
				continue
			}
			j.logger.Debug().Str("Method", "logStats").Int("PID", j.pid).
				Float64("CPU", st.CPUPercent).Uint64("RSS", st.RSSBytes).Msg("ffmpeg usage")
		}
	}
}

// alive reports whether pid still refers to a live process.
func alive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}
