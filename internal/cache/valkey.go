package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// ValkeyConfig holds connection parameters for a Valkey/Redis-compatible server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
}

func (c ValkeyConfig) withDefaults() ValkeyConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 500 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
	return c
}

// ValkeyProvider implements Provider over a minimal RESP client. Each command
// uses a short-lived connection, which keeps the provider stateless and safe
// to share across goroutines.
type ValkeyProvider struct {
	cfg ValkeyConfig
}

// NewValkeyProvider creates a Provider and pings the target so bad
// credentials or connectivity fail fast.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	p := &ValkeyProvider{cfg: cfg.withDefaults()}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DialTimeout)
	defer cancel()
	reply, err := p.command(ctx, "PING")
	if err != nil {
		return nil, err
	}
	if !reply.isStatus("PONG") {
		return nil, fmt.Errorf("unexpected PING response: %s", reply.data)
	}
	return p, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := p.command(ctx, "GET", key)
	if err != nil {
		return nil, err
	}
	if reply.missing {
		return nil, ErrCacheMiss
	}
	return reply.data, nil
}

// Set stores bytes with the provided TTL.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := setArgs(key, value, ttl, false)
	reply, err := p.command(ctx, args[0], args[1:]...)
	if err != nil {
		return err
	}
	if !reply.isStatus("OK") {
		return fmt.Errorf("unexpected SET response: %s", reply.data)
	}
	return nil
}

// SetNX stores the value only if the key does not exist.
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	args := setArgs(key, value, ttl, true)
	reply, err := p.command(ctx, args[0], args[1:]...)
	if err != nil {
		return false, err
	}
	return !reply.missing, nil
}

// Del removes a key.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	_, err := p.command(ctx, "DEL", key)
	return err
}

// Close is a no-op; connections are per-command.
func (p *ValkeyProvider) Close() error { return nil }

func setArgs(key string, value []byte, ttl time.Duration, nx bool) []string {
	args := []string{"SET", key, string(value)}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	if nx {
		args = append(args, "NX")
	}
	return args
}

type respReply struct {
	data    []byte
	missing bool
}

func (r respReply) isStatus(want string) bool {
	return strings.EqualFold(string(r.data), want)
}

// command dials, authenticates, runs one command, and closes the connection,
// retrying timeouts up to MaxRetries.
func (p *ValkeyProvider) command(ctx context.Context, name string, args ...string) (respReply, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return respReply{}, err
		}
		reply, err := p.runOnce(ctx, name, args...)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			return respReply{}, err
		}
		time.Sleep(time.Duration(1<<attempt) * 25 * time.Millisecond)
	}
	return respReply{}, lastErr
}

func (p *ValkeyProvider) runOnce(ctx context.Context, name string, args ...string) (respReply, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return respReply{}, err
	}
	defer conn.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	if p.cfg.Password != "" {
		auth := []string{"AUTH", p.cfg.Password}
		if p.cfg.Username != "" {
			auth = []string{"AUTH", p.cfg.Username, p.cfg.Password}
		}
		if reply, err := p.roundTrip(conn, rw, auth); err != nil {
			return respReply{}, err
		} else if !reply.isStatus("OK") {
			return respReply{}, fmt.Errorf("auth failed: %s", reply.data)
		}
	}
	if p.cfg.DB > 0 {
		if reply, err := p.roundTrip(conn, rw, []string{"SELECT", strconv.Itoa(p.cfg.DB)}); err != nil {
			return respReply{}, err
		} else if !reply.isStatus("OK") {
			return respReply{}, fmt.Errorf("select failed: %s", reply.data)
		}
	}

	return p.roundTrip(conn, rw, append([]string{name}, args...))
}

func (p *ValkeyProvider) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	if p.cfg.TLS {
		host := p.cfg.Addr
		if h, _, err := net.SplitHostPort(p.cfg.Addr); err == nil {
			host = h
		}
		return tls.DialWithDialer(&dialer, "tcp", p.cfg.Addr, &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: host,
		})
	}
	return dialer.DialContext(ctx, "tcp", p.cfg.Addr)
}

func (p *ValkeyProvider) roundTrip(conn net.Conn, rw *bufio.ReadWriter, parts []string) (respReply, error) {
	if err := conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
		return respReply{}, err
	}
	fmt.Fprintf(rw, "*%d\r\n", len(parts))
	for _, part := range parts {
		fmt.Fprintf(rw, "$%d\r\n%s\r\n", len(part), part)
	}
	if err := rw.Flush(); err != nil {
		return respReply{}, err
	}

	if err := conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout)); err != nil {
		return respReply{}, err
	}
	return readReply(rw.Reader)
}

func readReply(r *bufio.Reader) (respReply, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return respReply{}, err
	}
	line, err := readLine(r)
	if err != nil {
		return respReply{}, err
	}

	switch prefix {
	case '+', ':':
		return respReply{data: line}, nil
	case '-':
		return respReply{}, errors.New(string(line))
	case '$':
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return respReply{}, err
		}
		if size < 0 {
			return respReply{missing: true}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return respReply{}, err
		}
		return respReply{data: buf[:size]}, nil
	default:
		return respReply{}, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

var _ Provider = (*ValkeyProvider)(nil)
