package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter displays progress messages with elapsed or remaining time.
//
// Usage:
//
//	p := NewProgressPrinter(cmd.ErrOrStderr(), ...)
//	p.Start()
//	defer p.Stop()
//
// Stop must be called to terminate the internal goroutine. A ProgressPrinter
// is single-use.
type ProgressPrinter struct {
	w          io.Writer
	prefix     string
	phase      atomic.Value        // string
	stopPhases map[string]struct{} // phases that end the display
	countUp    bool
	duration   time.Duration // countdown length

	startTime time.Time
	started   atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// NewProgressPrinter creates a printer that shows elapsed time.
func NewProgressPrinter(w io.Writer, prefix, phase string, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(w, prefix, phase, true, 0, stopPhases)
}

// NewCountdownProgressPrinter creates a printer that counts down from duration.
func NewCountdownProgressPrinter(w io.Writer, prefix, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(w, prefix, phase, false, duration, stopPhases)
}

func newProgressPrinter(w io.Writer, prefix, phase string, countUp bool, duration time.Duration, stopPhases []string) *ProgressPrinter {
	stopSet := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		w:          w,
		prefix:     prefix,
		stopPhases: stopSet,
		countUp:    countUp,
		duration:   duration,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

// Start begins displaying progress updates in a background goroutine.
// Panics if called more than once.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	p.startTime = time.Now()
	fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, p.phase.Load().(string))

	go p.loop()
}

func (p *ProgressPrinter) loop() {
	defer close(p.done)

	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			phase := p.phase.Load().(string)
			if _, stop := p.stopPhases[phase]; stop {
				return
			}
			p.print(phase, p.seconds())
		}
	}
}

func (p *ProgressPrinter) seconds() int {
	elapsed := time.Since(p.startTime)
	if p.countUp {
		return int(elapsed.Seconds())
	}
	remaining := p.duration - elapsed
	if remaining <= 0 {
		return 0
	}
	// round to the nearest second
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) print(phase string, seconds int) {
	if seconds > 0 {
		fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, phase)
	}
}

// SetPhase updates the displayed phase. A stop phase ends the display.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
	if _, stop := p.stopPhases[phase]; stop {
		p.Stop()
	}
}

// Callback adapts SetPhase to a scan progress callback.
func (p *ProgressPrinter) Callback() func(phase string) {
	return p.SetPhase
}

// Stop ends the display and clears the line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.started.Load() {
			<-p.done
			fmt.Fprint(p.w, clearLineSequence)
		}
	})
}
