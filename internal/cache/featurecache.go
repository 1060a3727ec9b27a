// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

// Package cache provides a BadgerDB-backed write-through cache for enhanced
// feature records. The writer populates it on every commit so real-time
// queries are served without touching DuckDB; entries expire by TTL.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/resonance-pipeline/resonance/internal/metrics"
	"github.com/resonance-pipeline/resonance/internal/models"
)

const featureKeyPrefix = "feature:"

// ErrCacheMiss is returned when a sensor has no cached records.
var ErrCacheMiss = errors.New("cache miss")

// FeatureCache stores recent enhanced feature records per sensor.
type FeatureCache struct {
	db         *badger.DB
	ttl        time.Duration
	maxPerScan int
	gcStop     chan struct{}
}

// Options configures the feature cache.
type Options struct {
	// Path is the on-disk directory. Empty uses in-memory mode, which is
	// what the tests use.
	Path string

	// TTL is how long entries stay fresh.
	TTL time.Duration

	// MaxEntriesPerSensor bounds how many records a single GetRecent scan
	// will return regardless of the requested limit.
	MaxEntriesPerSensor int
}

// New opens the feature cache.
func New(opts Options) (*FeatureCache, error) {
	badgerOpts := badger.DefaultOptions(opts.Path)
	if opts.Path == "" {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	// Badger's default logger is too chatty for a cache.
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.MaxEntriesPerSensor <= 0 {
		opts.MaxEntriesPerSensor = 100
	}

	c := &FeatureCache{
		db:         db,
		ttl:        opts.TTL,
		maxPerScan: opts.MaxEntriesPerSensor,
		gcStop:     make(chan struct{}),
	}

	if opts.Path != "" {
		go c.runGC()
	}

	return c, nil
}

// Put stores an enhanced feature record with the configured TTL.
// Keys embed the timestamp so a reverse prefix scan yields newest first.
func (c *FeatureCache) Put(ctx context.Context, rec *models.FeatureBRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	key := featureKey(rec.SensorID, rec.Timestamp, rec.FeatureID)
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, data).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
}

// GetRecent returns up to limit cached records for a sensor, newest first.
// Returns ErrCacheMiss when nothing is cached for the sensor.
func (c *FeatureCache) GetRecent(ctx context.Context, sensorID string, limit int) ([]*models.FeatureBRecord, error) {
	if limit <= 0 || limit > c.maxPerScan {
		limit = c.maxPerScan
	}

	prefix := []byte(featureKeyPrefix + sensorID + ":")
	var out []*models.FeatureBRecord

	err := c.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.Prefix = prefix
		itOpts.Reverse = true
		it := txn.NewIterator(itOpts)
		defer it.Close()

		// Reverse iteration starts from the key just past the prefix range.
		seekKey := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seekKey); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec models.FeatureBRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return fmt.Errorf("unmarshal cached record: %w", err)
				}
				out = append(out, &rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(out) == 0 {
		metrics.CacheMisses.Inc()
		return nil, ErrCacheMiss
	}
	metrics.CacheHits.Inc()
	return out, nil
}

// Close stops background GC and closes the store.
func (c *FeatureCache) Close() error {
	close(c.gcStop)
	return c.db.Close()
}

// runGC reclaims value log space periodically. Only needed for on-disk mode.
func (c *FeatureCache) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.gcStop:
			return
		case <-ticker.C:
			// Rerun until GC finds nothing to collect.
			for {
				if err := c.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		}
	}
}

// featureKey builds a sortable key: prefix + sensor + zero-padded unix nanos
// + feature ID. Fixed-width timestamps keep lexicographic order equal to
// chronological order.
func featureKey(sensorID string, ts time.Time, featureID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", featureKeyPrefix, sensorID, ts.UnixNano(), featureID))
}
