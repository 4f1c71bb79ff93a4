package values

import "time"

// BulkValues tunes locking and polling of bulk operations. Zero values
// fall back to the client defaults.
type BulkValues struct {
	LockTTL              time.Duration `yaml:"lock-ttl"`
	RefreshInterval      time.Duration `yaml:"refresh-interval"`
	PollInterval         time.Duration `yaml:"poll-interval"`
	PollTimeout          time.Duration `yaml:"poll-timeout"`
	MutationPollInterval time.Duration `yaml:"mutation-poll-interval"`
	MutationPollTimeout  time.Duration `yaml:"mutation-poll-timeout"`
	TempDir              string        `yaml:"temp-dir"`
	DryRun               bool          `yaml:"dry-run"`
}

type RetryValues struct {
	BaseDelay   time.Duration `yaml:"base-delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max-delay"`
	JitterMax   time.Duration `yaml:"jitter-max"`
	MaxAttempts int           `yaml:"max-attempts"`
}

// RateValues throttles outbound GraphQL requests per shop.
type RateValues struct {
	Limit float64 `yaml:"limit"`
	Burst int     `yaml:"burst"`
}
