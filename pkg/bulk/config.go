package bulk

import (
	"time"
)

type Config struct {
	// BatchDelay is the normal pause between mutation batches. Grant and revoke
	// dispatches within one run are separated by twice this.
	BatchDelay time.Duration

	LookupBatchSize     int
	LookupBatchDelay    time.Duration
	LookupConcurrency   int
	LookupRatePerSecond int

	LargeOperationThreshold int
	ChunkSize               int
	// The pause after a chunk is min(ChunkDelayMax, ChunkDelayBase + size*ChunkDelayPerItem).
	ChunkDelayBase    time.Duration
	ChunkDelayPerItem time.Duration
	ChunkDelayMax     time.Duration
	// ChunkFailureBackoff is applied after a chunk fails as a whole.
	ChunkFailureBackoff time.Duration

	MaxErrors int
}

func DefaultConfig() Config {
	return Config{
		BatchDelay:              time.Second,
		LookupBatchSize:         20,
		LookupBatchDelay:        100 * time.Millisecond,
		LookupConcurrency:       5,
		LargeOperationThreshold: 1000,
		ChunkSize:               500,
		ChunkDelayBase:          500 * time.Millisecond,
		ChunkDelayPerItem:       2 * time.Millisecond,
		ChunkDelayMax:           2 * time.Second,
		ChunkFailureBackoff:     5 * time.Second,
		MaxErrors:               DefaultMaxErrors,
	}
}

// withDefaults fills in sizes that must be positive. Delays may legitimately be zero.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LookupBatchSize <= 0 {
		c.LookupBatchSize = d.LookupBatchSize
	}
	if c.LookupConcurrency <= 0 {
		c.LookupConcurrency = d.LookupConcurrency
	}
	if c.LargeOperationThreshold <= 0 {
		c.LargeOperationThreshold = d.LargeOperationThreshold
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = d.MaxErrors
	}
	return c
}

func (c Config) chunkDelay(size int) time.Duration {
	return min(c.ChunkDelayMax, c.ChunkDelayBase+time.Duration(size)*c.ChunkDelayPerItem)
}
