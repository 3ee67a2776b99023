package supervisor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	minFreeDisk = 1 << 30   // 1 GiB
	maxRSS      = 500 << 20 // 500 MB
)

// CheckResult is one health probe's outcome.
type CheckResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// HealthReport aggregates one round of probes.
type HealthReport struct {
	Time   time.Time     `json:"time"`
	OK     bool          `json:"ok"`
	Checks []CheckResult `json:"checks"`
}

func (r HealthReport) String() string {
	var b strings.Builder
	status := "healthy"
	if !r.OK {
		status = "UNHEALTHY"
	}
	fmt.Fprintf(&b, "health %s at %s", status, r.Time.Format("2006-01-02 15:04:05"))
	for _, c := range r.Checks {
		mark := "ok"
		if !c.OK {
			mark = "FAIL"
		}
		fmt.Fprintf(&b, "\n  %-9s %-4s %s", c.Name, mark, c.Detail)
	}
	return b.String()
}

// healthCheck runs every probe; the report names all failures at once.
func (s *Supervisor) healthCheck(ctx context.Context) HealthReport {
	report := HealthReport{Time: s.clk.Now(), OK: true}
	add := func(name string, ok bool, detail string) {
		report.Checks = append(report.Checks, CheckResult{Name: name, OK: ok, Detail: detail})
		if !ok {
			report.OK = false
		}
	}

	if _, err := s.client.Assets(ctx); err != nil {
		add("api", false, err.Error())
	} else {
		add("api", true, fmt.Sprintf("rate limit %d/s", s.client.RateLimit()))
	}

	if usage, err := disk.UsageWithContext(ctx, "."); err != nil {
		add("disk", false, err.Error())
	} else {
		add("disk", usage.Free >= minFreeDisk,
			fmt.Sprintf("%.1f GiB free", float64(usage.Free)/(1<<30)))
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err != nil {
		add("memory", false, err.Error())
	} else if mem, err := proc.MemoryInfoWithContext(ctx); err != nil {
		add("memory", false, err.Error())
	} else {
		add("memory", mem.RSS <= maxRSS,
			fmt.Sprintf("rss %.1f MB", float64(mem.RSS)/(1<<20)))
	}

	var missing []string
	for _, path := range s.requiredFiles {
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, path)
		}
	}
	if len(missing) > 0 {
		add("files", false, "missing "+strings.Join(missing, ", "))
	} else {
		add("files", true, fmt.Sprintf("%d present", len(s.requiredFiles)))
	}

	// The notifier doubles as its own probe: a failed send is a
	// notification-channel outage.
	if err := s.notifier.Send(report.String()); err != nil {
		add("notifier", false, err.Error())
		report.OK = false
	} else {
		add("notifier", true, "reachable")
	}

	s.mu.Lock()
	s.lastHealth = report
	s.mu.Unlock()
	return report
}
