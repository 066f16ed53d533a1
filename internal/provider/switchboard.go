package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNoProviders means every configured provider was skipped or failed.
var ErrNoProviders = errors.New("switchboard: no provider available")

// FailoverFunc observes a failover: the provider that failed, the one tried
// next, and the failure class.
type FailoverFunc func(from, to string, class ErrorClass)

// Switchboard routes calls across an ordered provider list. A provider that
// fails with a retryable class enters a cooldown and is skipped until it
// expires; within one logical call no provider is tried twice.
type Switchboard struct {
	providers  []Provider
	cooldown   time.Duration
	logger     *slog.Logger
	onFailover FailoverFunc

	mu        sync.Mutex
	unhealthy map[string]time.Time // provider -> cooldown expiry
	now       func() time.Time
}

// NewSwitchboard builds the router. onFailover may be nil.
func NewSwitchboard(providers []Provider, cooldown time.Duration, logger *slog.Logger, onFailover FailoverFunc) *Switchboard {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Switchboard{
		providers:  providers,
		cooldown:   cooldown,
		logger:     logger,
		onFailover: onFailover,
		unhealthy:  make(map[string]time.Time),
		now:        time.Now,
	}
}

// Call tries providers in order and returns the first successful completion
// along with the name of the provider that produced it.
func (s *Switchboard) Call(ctx context.Context, messages []Message) (content, providerUsed string, err error) {
	var lastErr error
	var failedFrom string

	for _, p := range s.providers {
		if s.inCooldown(p.Name()) {
			s.logger.Debug("provider skipped during cooldown", "provider", p.Name())
			continue
		}

		if failedFrom != "" && s.onFailover != nil {
			s.onFailover(failedFrom, p.Name(), Classify(lastErr))
		}

		out, callErr := p.Complete(ctx, messages)
		if callErr == nil {
			return out, p.Name(), nil
		}

		class := Classify(callErr)
		if !Retryable(class) {
			return "", "", fmt.Errorf("provider %s fatal failure: %w", p.Name(), callErr)
		}

		s.markUnhealthy(p.Name())
		s.logger.Warn("provider failed, cooling down",
			"provider", p.Name(), "class", string(class), "cooldown", s.cooldown)
		lastErr = callErr
		failedFrom = p.Name()
	}

	if lastErr != nil {
		return "", "", fmt.Errorf("%w: %v", ErrNoProviders, lastErr)
	}
	return "", "", ErrNoProviders
}

// Healthy reports whether at least one provider is out of cooldown.
func (s *Switchboard) Healthy() bool {
	for _, p := range s.providers {
		if !s.inCooldown(p.Name()) {
			return true
		}
	}
	return false
}

// ProviderNames lists the configured order.
func (s *Switchboard) ProviderNames() []string {
	names := make([]string, len(s.providers))
	for i, p := range s.providers {
		names[i] = p.Name()
	}
	return names
}

func (s *Switchboard) inCooldown(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.unhealthy[name]
	if !ok {
		return false
	}
	if s.now().After(expiry) {
		delete(s.unhealthy, name)
		return false
	}
	return true
}

func (s *Switchboard) markUnhealthy(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unhealthy[name] = s.now().Add(s.cooldown)
}
