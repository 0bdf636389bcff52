// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package interpose

import (
	"fmt"

	"go.uber.org/zap"
)

// StubProvider reports every export unavailable. It backs standalone
// runs with no embedding host: the agent comes up with health,
// telemetry, and discovery running while interception stays dark.
type StubProvider struct {
	reason string
	logger *zap.Logger
}

var _ Provider = (*StubProvider)(nil)

// NewStubProvider creates a provider that exposes nothing. reason is
// carried in the errors so logs say why interception is unavailable.
func NewStubProvider(reason string, logger *zap.Logger) *StubProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StubProvider{reason: reason, logger: logger}
}

func (p *StubProvider) Original(exp Export) (any, error) {
	return nil, fmt.Errorf("interpose: %s: %s: %w", exp, p.reason, ErrUnavailable)
}

func (p *StubProvider) Redirect(exp Export, repl any) error {
	return fmt.Errorf("interpose: stub provider cannot redirect %s", exp)
}

func (p *StubProvider) Restore() error { return nil }

func (p *StubProvider) Name() string { return "stub" }
