// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package interpose

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// HostProvider serves embedding hosts that link the capture layer into
// their own process: the host registers the real entry points it looked
// up itself, the agent installs replacements, and the host routes every
// application call through Current. No loader tricks are involved, so
// the same provider backs the tests and the capture simulator.
type HostProvider struct {
	logger *zap.Logger

	mu        sync.RWMutex
	originals map[Export]any
	installed map[Export]any
}

var _ Provider = (*HostProvider)(nil)

// NewHostProvider creates an empty provider.
func NewHostProvider(logger *zap.Logger) *HostProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HostProvider{
		logger:    logger,
		originals: make(map[Export]any),
		installed: make(map[Export]any),
	}
}

// RegisterOriginal records the real entry point for exp. The host calls
// this once per export before handing the provider to the agent.
func (p *HostProvider) RegisterOriginal(exp Export, fn any) error {
	if fn == nil {
		return fmt.Errorf("interpose: nil original for %s", exp)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.originals[exp]; dup {
		return fmt.Errorf("interpose: original for %s already registered", exp)
	}
	p.originals[exp] = fn
	return nil
}

func (p *HostProvider) Original(exp Export) (any, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fn, ok := p.originals[exp]
	if !ok {
		return nil, fmt.Errorf("interpose: %s: %w", exp, ErrUnavailable)
	}
	return fn, nil
}

func (p *HostProvider) Redirect(exp Export, repl any) error {
	if repl == nil {
		return fmt.Errorf("interpose: nil replacement for %s", exp)
	}
	p.mu.Lock()
	p.installed[exp] = repl
	p.mu.Unlock()
	p.logger.Debug("redirect installed", zap.String("export", exp.String()))
	return nil
}

func (p *HostProvider) Restore() error {
	p.mu.Lock()
	n := len(p.installed)
	p.installed = make(map[Export]any)
	p.mu.Unlock()
	if n > 0 {
		p.logger.Debug("redirects removed", zap.Int("count", n))
	}
	return nil
}

// Current is what the host routes calls through: the installed
// replacement when one exists, otherwise the registered original.
func (p *HostProvider) Current(exp Export) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if fn, ok := p.installed[exp]; ok {
		return fn, true
	}
	fn, ok := p.originals[exp]
	return fn, ok
}

func (p *HostProvider) Name() string { return "host" }
