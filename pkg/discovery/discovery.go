// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package discovery

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Candidate is a process worth attaching capture to.
type Candidate struct {
	PID       int32
	Name      string
	Exe       string
	MatchedBy string   // the name pattern or library hint that matched
	Libraries []string // matched module paths, when the match came from a hint
	FirstSeen time.Time
}

// Discoverer scans the process table for capture candidates: processes
// whose name matches a configured pattern, or that have one of the
// vendor graphics libraries mapped.
type Discoverer struct {
	logger       *zap.Logger
	processNames []string
	libraryHints []string

	mu        sync.RWMutex
	seen      map[int32]Candidate
	callbacks []func(Candidate)

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewDiscoverer creates a process scanner. Name patterns and library
// hints are matched case-insensitively as substrings; empty patterns
// are dropped so a blank config entry cannot match every process.
func NewDiscoverer(processNames, libraryHints []string, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Discoverer{
		logger:       logger,
		processNames: normalize(processNames),
		libraryHints: normalize(libraryHints),
		seen:         make(map[int32]Candidate),
		stopCh:       make(chan struct{}),
	}
}

func normalize(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// OnCandidate registers a callback invoked once for each newly
// discovered candidate. Register before Start.
func (d *Discoverer) OnCandidate(fn func(Candidate)) {
	d.mu.Lock()
	d.callbacks = append(d.callbacks, fn)
	d.mu.Unlock()
}

func (d *Discoverer) emit(c Candidate) {
	d.mu.RLock()
	cbs := d.callbacks
	d.mu.RUnlock()
	for _, cb := range cbs {
		cb(c)
	}
}

// Start begins periodic scanning.
func (d *Discoverer) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Scan once immediately
		d.sweep()

		for {
			select {
			case <-ticker.C:
				d.sweep()
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	d.logger.Info("candidate scanner started",
		zap.Duration("interval", interval),
		zap.Int("name_patterns", len(d.processNames)),
		zap.Int("library_hints", len(d.libraryHints)))
	return nil
}

// Stop halts scanning.
func (d *Discoverer) Stop() error {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	return nil
}

func (d *Discoverer) sweep() {
	if removed := d.CleanDeadProcesses(); removed > 0 {
		d.logger.Debug("dropped exited candidates", zap.Int("count", removed))
	}
	for _, c := range d.Scan() {
		d.emit(c)
	}
}

// Scan walks the process table once and returns candidates not seen
// before. A live process is reported once; CleanDeadProcesses retires
// exited PIDs so reuse is reported fresh.
func (d *Discoverer) Scan() []Candidate {
	if len(d.processNames) == 0 && len(d.libraryHints) == 0 {
		return nil
	}

	procs, err := process.Processes()
	if err != nil {
		d.logger.Warn("process scan failed", zap.Error(err))
		return nil
	}

	self := int32(os.Getpid())
	var found []Candidate
	for _, proc := range procs {
		if proc.Pid == self {
			continue
		}

		d.mu.RLock()
		_, known := d.seen[proc.Pid]
		d.mu.RUnlock()
		if known {
			continue
		}

		cand := d.inspect(proc)
		if cand == nil {
			continue
		}

		d.mu.Lock()
		d.seen[proc.Pid] = *cand
		d.mu.Unlock()
		found = append(found, *cand)
	}

	return found
}

func (d *Discoverer) inspect(proc *process.Process) *Candidate {
	name, err := proc.Name()
	if err != nil {
		// Exited mid-scan or unreadable; not a candidate this pass.
		return nil
	}

	cand := &Candidate{
		PID:       proc.Pid,
		Name:      name,
		FirstSeen: time.Now(),
	}
	if exe, err := proc.Exe(); err == nil {
		cand.Exe = exe
	}

	if hit, ok := matchName(name, d.processNames); ok {
		cand.MatchedBy = hit
		return cand
	}

	if len(d.libraryHints) == 0 {
		return nil
	}
	hint, libs := matchLibraries(d.loadedModules(proc), d.libraryHints)
	if hint == "" {
		return nil
	}
	cand.MatchedBy = hint
	cand.Libraries = libs
	return cand
}

// matchName reports the first pattern the process name contains.
func matchName(name string, patterns []string) (string, bool) {
	lower := strings.ToLower(name)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}

// matchLibraries reports the first hint found among the module paths,
// plus every path any hint matched.
func matchLibraries(paths, hints []string) (string, []string) {
	var first string
	var matched []string
	for _, path := range paths {
		lower := strings.ToLower(path)
		for _, h := range hints {
			if strings.Contains(lower, h) {
				if first == "" {
					first = h
				}
				matched = append(matched, path)
				break
			}
		}
	}
	return first, matched
}

// loadedModules lists file-backed mappings for a process. On linux this
// reads /proc/<pid>/maps directly; elsewhere it falls back to gopsutil,
// which may need elevated rights. Unreadable processes yield nil and
// are simply not matched by hints.
func (d *Discoverer) loadedModules(proc *process.Process) []string {
	if runtime.GOOS == "linux" {
		return procMaps(proc.Pid)
	}

	stats, err := proc.MemoryMaps(false)
	if err != nil || stats == nil {
		return nil
	}
	paths := make([]string, 0, len(*stats))
	for _, m := range *stats {
		if m.Path != "" {
			paths = append(paths, m.Path)
		}
	}
	return dedupe(paths)
}

// procMaps extracts the distinct mapped file paths from
// /proc/<pid>/maps. Pathnames start at the first '/' on the line, which
// also handles paths containing spaces.
func procMaps(pid int32) []string {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(int(pid)) + "/maps")
	if err != nil {
		return nil
	}

	var paths []string
	for _, line := range strings.Split(string(data), "\n") {
		idx := strings.IndexByte(line, '/')
		if idx < 0 {
			continue
		}
		paths = append(paths, strings.TrimSuffix(line[idx:], " (deleted)"))
	}
	return dedupe(paths)
}

func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := paths[:0]
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Forget removes a PID from the seen set so a later scan reports it
// again.
func (d *Discoverer) Forget(pid int32) {
	d.mu.Lock()
	delete(d.seen, pid)
	d.mu.Unlock()
}

// Reset drops the whole seen set.
func (d *Discoverer) Reset() {
	d.mu.Lock()
	d.seen = make(map[int32]Candidate)
	d.mu.Unlock()
}

// CleanDeadProcesses removes seen entries for processes that no longer
// exist and returns how many were dropped.
func (d *Discoverer) CleanDeadProcesses() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for pid := range d.seen {
		if !processExists(pid) {
			delete(d.seen, pid)
			removed++
		}
	}
	return removed
}

func processExists(pid int32) bool {
	if runtime.GOOS == "linux" {
		_, err := os.Stat("/proc/" + strconv.Itoa(int(pid)))
		return err == nil
	}
	// Cross-platform fallback
	p, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	running, _ := p.IsRunning()
	return running
}
