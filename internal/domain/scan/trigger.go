// Package scan triggers the backend's batch evaluation of every medication
// and reports how many follow-ups it created.
package scan

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/medtrack/internal/domain/prescription"
	"github.com/ehr/medtrack/internal/platform/metrics"
	"github.com/ehr/medtrack/internal/platform/session"
)

var (
	// ErrNotPermitted is returned when the role may not trigger scans.
	ErrNotPermitted = errors.New("scan requires a caregiver or doctor session")
	// ErrRunning is returned while a scan is already in flight.
	ErrRunning = errors.New("scan already in progress")
)

// Runner is the slice of the prescription client a scan needs.
type Runner interface {
	ScanAndCreateFollowUps(ctx context.Context) (*prescription.ScanResult, error)
}

// Report is the outcome of one scan.
type Report struct {
	Created map[prescription.Reason]int `json:"created"`
	Total   int                         `json:"total"`
}

// Summary renders the report in reason display order, for example
// "Created 3 follow-ups: 1 high non-compliance risk, 2 refill needed.".
func (r *Report) Summary() string {
	if r.Total == 0 {
		return "No new follow-ups were needed."
	}
	var parts []string
	for _, reason := range orderedReasons(r.Created) {
		parts = append(parts, fmt.Sprintf("%d %s", r.Created[reason], strings.ToLower(reason.Label())))
	}
	noun := "follow-ups"
	if r.Total == 1 {
		noun = "follow-up"
	}
	return fmt.Sprintf("Created %d %s: %s.", r.Total, noun, strings.Join(parts, ", "))
}

// orderedReasons lists reasons with a non-zero count, known reasons first in
// display order and any others after.
func orderedReasons(created map[prescription.Reason]int) []prescription.Reason {
	var out []prescription.Reason
	seen := make(map[prescription.Reason]bool, len(prescription.Reasons))
	for _, reason := range prescription.Reasons {
		seen[reason] = true
		if created[reason] > 0 {
			out = append(out, reason)
		}
	}
	var extra []prescription.Reason
	for reason, n := range created {
		if !seen[reason] && n > 0 {
			extra = append(extra, reason)
		}
	}
	slices.Sort(extra)
	return append(out, extra...)
}

// Trigger runs scans for one session. It is safe for concurrent use; at most
// one scan is in flight at a time.
type Trigger struct {
	runner Runner
	role   session.Role
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	last    *Report
}

// NewTrigger returns a Trigger acting as role.
func NewTrigger(runner Runner, role session.Role, logger zerolog.Logger) *Trigger {
	return &Trigger{
		runner: runner,
		role:   role,
		logger: logger.With().Str("component", "scan").Logger(),
	}
}

// Available reports whether the scan action is offered to this role.
func (t *Trigger) Available() bool {
	return t.role.ManagesFollowUps()
}

// Running reports whether a scan is in flight.
func (t *Trigger) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Last returns the report of the most recent successful scan.
func (t *Trigger) Last() (*Report, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.last != nil
}

// Run issues a single scan request and reports the created follow-ups.
func (t *Trigger) Run(ctx context.Context) (*Report, error) {
	if !t.Available() {
		return nil, ErrNotPermitted
	}

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil, ErrRunning
	}
	t.running = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	res, err := t.runner.ScanAndCreateFollowUps(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("scan failed")
		return nil, fmt.Errorf("scan follow-ups: %w", err)
	}

	report := &Report{Created: make(map[prescription.Reason]int, len(res.Created))}
	for reason, n := range res.Created {
		report.Created[reason] = n
		report.Total += n
		metrics.RecordFollowUpCreated(string(reason), "scan", n)
	}

	t.mu.Lock()
	t.last = report
	t.mu.Unlock()

	t.logger.Info().Int("created", report.Total).Msg("scan completed")
	return report, nil
}
