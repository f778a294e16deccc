// Package redis implements domain cache, queue and bus interfaces using
// go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters for the Redis client. Addr is
// either host:port or a redis:// / rediss:// URL; fields set here override
// the URL's.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	KeyPrefix  string
}

const (
	clientName   = "karbit"
	dialTimeout  = 5 * time.Second
	replyTimeout = 3 * time.Second
)

// Client owns the go-redis connection pool shared by the caches, the task
// queue, the signal bus and the lock/limiter helpers.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// New dials Redis and pings it once so misconfiguration fails at startup.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts, err := buildOptions(cfg)
	if err != nil {
		return nil, fmt.Errorf("redis: options: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, wrapErr("ping "+opts.Addr, err)
	}
	return &Client{rdb: rdb, prefix: cfg.KeyPrefix}, nil
}

func buildOptions(cfg ClientConfig) (*redis.Options, error) {
	opts := &redis.Options{Addr: cfg.Addr}
	if strings.Contains(cfg.Addr, "://") {
		parsed, err := redis.ParseURL(cfg.Addr)
		if err != nil {
			return nil, err
		}
		opts = parsed
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries != 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.TLSEnabled && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	opts.ClientName = clientName
	opts.DialTimeout = dialTimeout
	opts.ReadTimeout = replyTimeout
	opts.WriteTimeout = replyTimeout
	return opts, nil
}

// Ping checks the Redis connection. go-redis redials pooled connections on
// demand, so a successful Ping after a fault is the reconnect step.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return wrapErr("ping", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// key joins parts with ':' behind the configured prefix.
func (c *Client) key(parts ...string) string {
	return c.prefix + strings.Join(parts, ":")
}

// wrapErr prefixes err with the operation and marks connectivity faults as
// domain.ErrTransient.
func wrapErr(op string, err error) error {
	if isTransient(err) {
		return fmt.Errorf("redis: %s: %w: %w", op, domain.ErrTransient, err)
	}
	return fmt.Errorf("redis: %s: %w", op, err)
}

func isTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

var _ domain.Pinger = (*Client)(nil)

func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
