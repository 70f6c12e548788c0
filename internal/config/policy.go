package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Policy holds the business knobs that operators tune without a redeploy.
type Policy struct {
	Allocation AllocationPolicy `yaml:"allocation"`
	Retry      RetryPolicy      `yaml:"retry"`
}

type AllocationPolicy struct {
	Percentage           float64 `yaml:"percentage"`
	Category             string  `yaml:"category"`
	SubscriptionCategory string  `yaml:"subscription_category"`
	RefundCategory       string  `yaml:"refund_category"`
}

type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

// DefaultPolicy is used when no policy file is configured. Keys missing from
// a policy file keep these values.
func DefaultPolicy() *Policy {
	return &Policy{
		Allocation: AllocationPolicy{
			Percentage:           10,
			Category:             "general",
			SubscriptionCategory: "subscription",
			RefundCategory:       "refund",
		},
		Retry: RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   30 * time.Second,
			MaxDelay:    time.Hour,
			Jitter:      0.2,
		},
	}
}

func (p *Policy) Validate() error {
	if p.Allocation.Percentage < 0 || p.Allocation.Percentage > 100 {
		return fmt.Errorf("policy: allocation.percentage must be within [0, 100], got %v", p.Allocation.Percentage)
	}
	if p.Retry.MaxAttempts < 1 {
		return fmt.Errorf("policy: retry.max_attempts must be at least 1, got %d", p.Retry.MaxAttempts)
	}
	if p.Retry.BaseDelay > p.Retry.MaxDelay {
		return fmt.Errorf("policy: retry.base_delay %s exceeds retry.max_delay %s", p.Retry.BaseDelay, p.Retry.MaxDelay)
	}
	if p.Retry.Jitter < 0 || p.Retry.Jitter >= 1 {
		return fmt.Errorf("policy: retry.jitter must be within [0, 1), got %v", p.Retry.Jitter)
	}
	return nil
}

// PolicyLoader reads the YAML policy file and hot-reloads it on change. An
// invalid edit is logged and the previous policy stays in effect.
type PolicyLoader struct {
	path     string
	mu       sync.RWMutex
	current  *Policy
	onChange []func(*Policy)
}

// NewPolicyLoader performs the initial load. An empty path yields a loader
// serving DefaultPolicy.
func NewPolicyLoader(path string) (*PolicyLoader, error) {
	l := &PolicyLoader{path: path}
	if path == "" {
		l.current = DefaultPolicy()
		return l, nil
	}
	p, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = p
	return l, nil
}

func (l *PolicyLoader) Policy() *Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

func (l *PolicyLoader) OnChange(fn func(*Policy)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch reloads the policy whenever the file is written. The returned stop
// function ends the watcher.
func (l *PolicyLoader) Watch() (stop func(), err error) {
	if l.path == "" {
		return func() {}, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("policy watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						slog.Warn("policy reload skipped", "path", l.path, "error", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("policy watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// Reload re-reads the file and notifies subscribers.
func (l *PolicyLoader) Reload() (*Policy, error) {
	if l.path == "" {
		return l.Policy(), nil
	}
	p, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = p
	callbacks := make([]func(*Policy), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(p)
	}
	return p, nil
}

func (l *PolicyLoader) load() (*Policy, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", l.path, err)
	}
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", l.path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
