package multipart

import (
	"runtime"
	"time"
)

// Config holds configuration for the multipart uploader.
type Config struct {
	// Concurrency is the maximum number of parallel part uploads.
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency int

	// MaxRetryPerPart is the maximum number of retry attempts per part.
	// Default: 3
	MaxRetryPerPart int

	// HungThreshold is the duration after which a part upload is considered
	// hung if it exceeds the average upload time by this amount.
	// Default: 30 seconds
	HungThreshold time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:     DefaultConcurrency(),
		MaxRetryPerPart: 3,
		HungThreshold:   30 * time.Second,
	}
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

// OptimalPartSizeBytes calculates the part size for a given total size and
// concurrency, clamped between 8 MiB and 100 MiB.
func OptimalPartSizeBytes(totalSize int64, concurrency int) int64 {
	return int64(optimalPartSizeBytes(uint64(totalSize), 8*1024*1024, 100*1024*1024, uint64(concurrency)))
}

func optimalPartSizeBytes(totalSize, min, max, concurrency uint64) uint64 {
	ps := totalSize / concurrency

	// Reduce part size for very large parts to improve parallelism
	if ps >= 100*1024*1024 {
		ps = ps / 2
	}

	if ps < min {
		ps = min
	}

	if max > 0 && ps > max {
		ps = max
	}

	return ps
}
