package knotdb

import (
	"time"

	"github.com/rs/zerolog"
)

// RetryFlatIO runs fn through the retry loop of the uncompressed backend.
func RetryFlatIO(log zerolog.Logger, backoff time.Duration, fn func() error) error {
	b := &flatBackend{backoff: backoff, log: log}
	return b.retry("read", knotValuesFile, 0, fn)
}

type failingStatsBackend struct {
	backend
	err error
}

func (f failingStatsBackend) saveLayerStats(int, *LayerStats) error { return f.err }

// FailLayerStatsSaves makes every later layer stats save return err.
func (db *DB) FailLayerStatsSaves(err error) {
	db.b = failingStatsBackend{backend: db.b, err: err}
}
