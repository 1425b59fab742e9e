package attest

import "time"

// Config holds configuration options for the assertion harness.
type Config struct {
	// DefaultRetryTimeout for Eventually and Consistently operations.
	DefaultRetryTimeout time.Duration
	// RetryPollInterval for Eventually and Consistently operations.
	RetryPollInterval time.Duration
	// ExecuteTimeout for individual HTTP requests against nodes.
	ExecuteTimeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DefaultRetryTimeout: 5 * time.Second,
		RetryPollInterval:   100 * time.Millisecond,
		ExecuteTimeout:      10 * time.Second,
	}
}
