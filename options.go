package asyncio

import (
	"github.com/joeycumines/logiface"
)

// engineOptions holds configuration options for engine creation.
type engineOptions struct {
	logger          *logiface.Logger[logiface.Event]
	concurrencyHint int
	allocator       Allocator
}

// --- Engine Options ---

// Option configures an engine instance.
type Option interface {
	applyEngine(*engineOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyEngineFunc func(*engineOptions) error
}

func (o *optionImpl) applyEngine(opts *engineOptions) error {
	return o.applyEngineFunc(opts)
}

// WithLogger sets the structured logger used for engine diagnostics.
// A nil logger disables logging entirely; the engines never log on
// their hot paths either way.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *engineOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithConcurrencyHint advises the completion-based engine how many
// goroutines are expected to drive it concurrently. The
// readiness-based engine ignores the hint.
func WithConcurrencyHint(n int) Option {
	return &optionImpl{func(opts *engineOptions) error {
		if n < 0 {
			n = 0
		}
		opts.concurrencyHint = n
		return nil
	}}
}

// WithOpAllocator sets the Allocator the per-handle services use for
// their operation objects. Defaults to a sync.Pool-backed allocator.
func WithOpAllocator(a Allocator) Option {
	return &optionImpl{func(opts *engineOptions) error {
		opts.allocator = a
		return nil
	}}
}

// resolveEngineOptions applies Option instances to engineOptions.
func resolveEngineOptions(opts []Option) (*engineOptions, error) {
	cfg := &engineOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyEngine(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.allocator == nil {
		cfg.allocator = NewPoolAllocator()
	}
	return cfg, nil
}
