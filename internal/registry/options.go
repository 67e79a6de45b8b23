package registry

import "time"

// Option configures a Config before it is handed to New, mirroring the
// teacher's functional-option pattern on registry.Hub.
type Option func(*Config)

// WithMaxQueueSize overrides the per-instance queue depth cap.
func WithMaxQueueSize(n int) Option {
	return func(c *Config) { c.MaxQueueSize = n }
}

// WithSendRateLimits overrides the per-minute/per-hour send caps.
func WithSendRateLimits(perMinute, perHour int) Option {
	return func(c *Config) { c.MaxSendsPerMinute = perMinute; c.MaxSendsPerHour = perHour }
}

// WithRestartLimits overrides the restart-rate-limit window and cap.
func WithRestartLimits(window time.Duration, max int) Option {
	return func(c *Config) { c.RestartWindow = window; c.MaxRestartsPerWindow = max }
}

// WithRestrictionPatterns overrides the disconnect-reason substrings that
// classify a disconnect as RESTRICTED (spec §9 Open Question #2).
func WithRestrictionPatterns(patterns []string) Option {
	return func(c *Config) { c.RestrictionPatterns = patterns }
}

// Apply folds every option onto Default(), returning the resulting Config.
func Apply(opts ...Option) Config {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
