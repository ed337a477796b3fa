package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"
)

type diskStore struct {
	db *badger.DB
}

// NewDisk opens a badger database at path. An empty path keeps the database
// in memory, which the tests use.
func NewDisk(path string, logger *slog.Logger) (Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(newBadgerLogger(logger))
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger: %w", err)
	}
	return &diskStore{db: db}, nil
}

func (s *diskStore) Get(_ context.Context, key string) (Entry, bool, error) {
	var frame []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		frame, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("store: badger get: %w", err)
	}
	entry, err := decodeEntry(frame)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (s *diskStore) Put(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	frame, err := encodeEntry(stamp(entry, ttl))
	if err != nil {
		return err
	}
	e := badger.NewEntry([]byte(key), frame)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	if err := s.db.Update(func(txn *badger.Txn) error { return txn.SetEntry(e) }); err != nil {
		return fmt.Errorf("store: badger set: %w", err)
	}
	return nil
}

func (s *diskStore) Delete(_ context.Context, key string) error {
	if err := s.db.Update(func(txn *badger.Txn) error { return txn.Delete([]byte(key)) }); err != nil {
		return fmt.Errorf("store: badger delete: %w", err)
	}
	return nil
}

func (s *diskStore) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: badger scan: %w", err)
	}
	return keys, nil
}

func (s *diskStore) Size(ctx context.Context) (int64, error) {
	keys, err := s.ScanKeys(ctx, "")
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// Compact reclaims value log space until badger reports nothing to rewrite.
func (s *diskStore) Compact(ctx context.Context) error {
	for ctx.Err() == nil {
		err := s.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("store: badger gc: %w", err)
		}
	}
	return ctx.Err()
}

func (s *diskStore) Close(context.Context) error {
	return s.db.Close()
}

type badgerLogger struct {
	logger *slog.Logger
}

func newBadgerLogger(logger *slog.Logger) badger.Logger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
