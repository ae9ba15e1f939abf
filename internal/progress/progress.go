// Package progress renders live run progress on a terminal and prefixes
// streamed agent output with the task it belongs to.
package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Snapshot is the task tally the indicator draws
type Snapshot struct {
	Total     int
	Completed int
	Failed    int
	Cancelled int
	Running   int
	Pending   int
}

// Done is the number of tasks in a terminal state
func (s Snapshot) Done() int {
	return s.Completed + s.Failed + s.Cancelled
}

// Fraction is Done over Total
func (s Snapshot) Fraction() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Done()) / float64(s.Total)
}

// Source returns the current snapshot
type Source func() Snapshot

// Config configures an Indicator
type Config struct {
	Writer   io.Writer
	Interval time.Duration
	// IsCI prints one line per change instead of redrawing
	IsCI bool
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Indicator polls a Source and draws a progress line until stopped
type Indicator struct {
	writer   io.Writer
	source   Source
	interval time.Duration
	isCI     bool

	mu       sync.Mutex
	start    time.Time
	frame    int
	last     Snapshot
	drawn    bool
	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

// NewIndicator creates an indicator over source. CI is also detected from
// the environment.
func NewIndicator(source Source, cfg Config) *Indicator {
	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 200 * time.Millisecond
	}
	if !cfg.IsCI {
		cfg.IsCI = os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
	}
	return &Indicator{
		writer:   cfg.Writer,
		source:   source,
		interval: cfg.Interval,
		isCI:     cfg.IsCI,
		start:    time.Now(),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start draws until ctx is done or Stop is called
func (p *Indicator) Start(ctx context.Context) {
	go func() {
		defer close(p.stopped)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case <-ticker.C:
				p.Tick()
			}
		}
	}()
}

// Stop ends drawing and clears the progress line
func (p *Indicator) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		<-p.stopped
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.drawn && !p.isCI {
			fmt.Fprintf(p.writer, "\r%s\r", strings.Repeat(" ", 100))
		}
	})
}

// Tick draws once
func (p *Indicator) Tick() {
	snap := p.source()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isCI {
		if p.drawn && snap == p.last {
			return
		}
		fmt.Fprintln(p.writer, p.line(snap, ""))
	} else {
		fmt.Fprint(p.writer, "\r"+p.line(snap, spinnerFrames[p.frame]+" "))
		p.frame = (p.frame + 1) % len(spinnerFrames)
	}
	p.last = snap
	p.drawn = true
}

func (p *Indicator) line(s Snapshot, spinner string) string {
	const width = 30
	frac := s.Fraction()
	filled := int(float64(width) * frac)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	elapsed := time.Since(p.start)
	eta := ""
	if frac > 0 && frac < 1 {
		remaining := time.Duration(float64(elapsed)/frac) - elapsed
		eta = " | ETA " + FormatDuration(remaining)
	}
	return fmt.Sprintf("%s[%s] %3.0f%% | %d/%d | running %d | ✓ %d | ✗ %d | %s%s",
		spinner, bar, frac*100, s.Done(), s.Total, s.Running, s.Completed, s.Failed+s.Cancelled,
		FormatDuration(elapsed), eta)
}

// FormatDuration renders d as 1h2m3s, 2m3s or 3s
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
