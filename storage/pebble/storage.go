package pebble

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"

	errs "github.com/outlier-collective/alto/models/errors"
)

// Storage wraps one pebble database holding the user operation index.
// Every key is namespaced by a single-byte prefix from keys.go.
type Storage struct {
	db  *pebble.DB
	log zerolog.Logger
}

// New opens (or creates) the database at the provided directory.
func New(dir string, log zerolog.Logger) (*Storage, error) {
	cache := pebble.NewCache(1 << 20)
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:                 cache,
		FormatMajorVersion:    pebble.FormatNewest,
		L0CompactionThreshold: 2,
		L0StopWritesThreshold: 1000,
		// When the maximum number of bytes for a level is exceeded, compaction is requested.
		LBaseMaxBytes: 64 << 20, // 64 MB
		Levels:        make([]pebble.LevelOptions, 7),
		MaxOpenFiles:  16384,
		// Writes are stopped when the sum of the queued memtable sizes exceeds MemTableStopWritesThreshold*MemTableSize.
		MemTableSize:                64 << 20,
		MemTableStopWritesThreshold: 4,
		// The default is 1.
		MaxConcurrentCompactions: func() int { return 4 },
	}

	for i := 0; i < len(opts.Levels); i++ {
		l := &opts.Levels[i]
		// The default is 4KiB (uncompressed), which is too small
		// for good performance (esp. on stripped storage).
		l.BlockSize = 32 << 10       // 32 KB
		l.IndexBlockSize = 256 << 10 // 256 KB
		if i > 0 {
			// L0 starts at 2MiB, each level is 2x the previous.
			l.TargetFileSize = opts.Levels[i-1].TargetFileSize * 2
		}
		l.EnsureDefaults()
	}

	// Splitting sstables during flush allows increased compaction flexibility and concurrency when those
	// tables are compacted to lower levels.
	opts.FlushSplitBytes = opts.Levels[0].TargetFileSize
	opts.EnsureDefaults()

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open db for dir: %s, with: %w", dir, err)
	}

	return &Storage{
		db:  db,
		log: log.With().Str("component", "storage").Logger(),
	}, nil
}

func (s *Storage) NewBatch() *pebble.Batch {
	return s.db.NewBatch()
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) set(keyCode byte, key []byte, value []byte, batch *pebble.Batch) error {
	prefixedKey := makePrefix(keyCode, key)

	if batch != nil {
		// batch writes are committed as one sync write by the caller
		return batch.Set(prefixedKey, value, nil)
	}
	return s.db.Set(prefixedKey, value, pebble.Sync)
}

func (s *Storage) get(keyCode byte, key []byte) ([]byte, error) {
	prefixedKey := makePrefix(keyCode, key)

	data, closer, err := s.db.Get(prefixedKey)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, errs.ErrEntityNotFound
		}
		return nil, err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			s.log.Error().Err(err).Msg("failed to close pebble value")
		}
	}()

	// the slice pebble hands out is only valid until the closer is closed
	value := make([]byte, len(data))
	copy(value, data)
	return value, nil
}

// WithBatch runs f against a fresh batch and commits it as one sync
// write when f succeeds.
func WithBatch(store *Storage, f func(batch *pebble.Batch) error) error {
	batch := store.NewBatch()
	defer func() {
		if err := batch.Close(); err != nil {
			store.log.Error().Err(err).Msg("failed to close batch")
		}
	}()

	if err := f(batch); err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	return nil
}
