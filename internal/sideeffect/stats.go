package sideeffect

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/yinz628/email-filter-sub004/internal/clock"
	"github.com/yinz628/email-filter-sub004/internal/queue"
)

// StatsStore persists per-day, per-action decision counters in a bbolt file.
// Each day gets its own bucket so retention can drop whole days at once.
type StatsStore struct {
	db  *bbolt.DB
	clk clock.Clock
	log *slog.Logger
}

// OpenStats opens or creates the stats database at path.
func OpenStats(path string, clk clock.Clock, logger *slog.Logger) (*StatsStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sideeffect: stats path required")
	}
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("sideeffect: open stats db %s: %w", path, err)
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsStore{db: db, clk: clk, log: logger}, nil
}

// Handler returns the queue handler that folds a batch into the current
// day's counters with a single update transaction.
func (s *StatsStore) Handler() queue.Handler {
	return func(ctx context.Context, tasks []queue.Task) error {
		counts := make(map[string]uint64, 4)
		for _, t := range tasks {
			action := stringField(t.Payload, "action")
			if action == "" {
				action = "unknown"
			}
			counts[action]++
		}
		bucket := statsBucket(s.clk.Now())
		err := s.db.Update(func(tx *bbolt.Tx) error {
			b, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return err
			}
			for action, n := range counts {
				if err := addCounter(b, []byte(action), n); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("sideeffect: record stats: %w", err)
		}
		s.log.Debug("stats recorded",
			slog.String("bucket", string(bucket)),
			slog.Int("count", len(tasks)))
		return nil
	}
}

// Totals reads the per-action counters recorded on day. A day with no
// recorded decisions returns an empty map.
func (s *StatsStore) Totals(day time.Time) (map[string]uint64, error) {
	out := make(map[string]uint64)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(statsBucket(day))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) == 8 {
				out[string(k)] = binary.BigEndian.Uint64(v)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("sideeffect: read stats: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *StatsStore) Close() error {
	return s.db.Close()
}

func statsBucket(day time.Time) []byte {
	return []byte("stats-" + day.UTC().Format("2006-01-02"))
}

func addCounter(b *bbolt.Bucket, key []byte, n uint64) error {
	var current uint64
	if raw := b.Get(key); len(raw) == 8 {
		current = binary.BigEndian.Uint64(raw)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, current+n)
	return b.Put(key, buf)
}
