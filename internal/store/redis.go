package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

type redisStore struct {
	client valkey.Client
}

// NewRedis connects to a valkey/redis server and verifies it with PING.
func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("store: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("store: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("store: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("store: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}

	return &redisStore{client: client}, nil
}

func (s *redisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("store: redis get: %w", err)
	}
	frame, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("store: redis get bytes: %w", err)
	}
	entry, err := decodeEntry(frame)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Put writes the whole frame with one SET so readers never observe a
// partially written entry.
func (s *redisStore) Put(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("store: redis entry ttl required")
	}
	frame, err := encodeEntry(stamp(entry, ttl))
	if err != nil {
		return err
	}
	cmd := s.client.B().Set().Key(key).Value(valkey.BinaryString(frame)).Px(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("store: redis set: %w", err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("store: redis del: %w", err)
	}
	return nil
}

func (s *redisStore) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(prefix + "*").Count(200).Build()
		entry, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("store: redis scan: %w", err)
		}
		keys = append(keys, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (s *redisStore) Size(ctx context.Context) (int64, error) {
	size, err := s.client.Do(ctx, s.client.B().Dbsize().Build()).ToInt64()
	if err != nil {
		return 0, fmt.Errorf("store: redis dbsize: %w", err)
	}
	return size, nil
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
