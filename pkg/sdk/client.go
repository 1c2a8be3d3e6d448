// Package sdk provides the client-side library for the Celerix Guard admin
// protocol, spoken over TCP or TLS.
package sdk

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/celerix-dev/celerix-guard/pkg/engine"
	"github.com/celerix-dev/celerix-guard/pkg/schema"
)

// Config is read from the environment by ConfigFromEnv.
type Config struct {
	Addr       string `env:"CELERIX_GUARD_ADDR" envDefault:"127.0.0.1:7001"`
	DisableTLS bool   `env:"CELERIX_GUARD_DISABLE_TLS"`
}

// ConfigFromEnv parses CELERIX_GUARD_* variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("sdk: parse env: %w", err)
	}
	return cfg, nil
}

// Client is a remote client for the guard daemon's admin listener.
type Client struct {
	cfg    Config
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex // Protects concurrent access to the connection
}

// Connect dials addr. TLS is used unless CELERIX_GUARD_DISABLE_TLS is true.
func Connect(addr string) (*Client, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	cfg.Addr = addr
	return ConnectConfig(cfg)
}

// ConnectConfig dials with an explicit configuration.
func ConnectConfig(cfg Config) (*Client, error) {
	c := &Client{cfg: cfg}
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) reconnect() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	var conn net.Conn
	var err error

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 60 * time.Second,
	}

	if c.cfg.DisableTLS {
		conn, err = dialer.Dial("tcp", c.cfg.Addr)
	} else {
		config := &tls.Config{
			InsecureSkipVerify: true, // The daemon uses a self-signed certificate
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", c.cfg.Addr, config)
	}

	if err != nil {
		return err
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// Internal helper for TCP communication
func (c *Client) sendAndReceive(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	var resp string

	// Try up to 3 times with exponential backoff
	for i := 0; i < 3; i++ {
		if c.conn == nil {
			if reconnectErr := c.reconnect(); reconnectErr != nil {
				err = fmt.Errorf("reconnect failed: %w", reconnectErr)
				time.Sleep(time.Duration(i*100) * time.Millisecond)
				continue
			}
		}

		c.conn.SetDeadline(time.Now().Add(30 * time.Second))

		_, err = fmt.Fprint(c.conn, cmd+"\n")
		if err == nil {
			resp, err = c.reader.ReadString('\n')
			if err == nil {
				resp = strings.TrimSpace(resp)
				if msg, ok := strings.CutPrefix(resp, "ERR "); ok {
					return "", remoteError(msg)
				}
				return resp, nil
			}
		}

		fmt.Fprintf(os.Stderr, "[Celerix Guard SDK] Attempt %d failed: %v. Reconnecting...\n", i+1, err)

		// Force a reconnect on the next iteration
		if closeErr := c.reconnect(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "[Celerix Guard SDK] Reconnect attempt failed: %v\n", closeErr)
		}

		time.Sleep(time.Duration((i+1)*200) * time.Millisecond)
	}

	return "", fmt.Errorf("failed after 3 attempts. last error: %v", err)
}

// remoteError maps server messages back to the shared sentinels.
func remoteError(msg string) error {
	for _, sentinel := range []error{engine.ErrBanNotFound, engine.ErrInvalidUserID, engine.ErrStoreClosed} {
		if msg == sentinel.Error() {
			return sentinel
		}
	}
	return errors.New(msg)
}

func decode[T any](resp string) (T, error) {
	var out T
	err := json.Unmarshal([]byte(strings.TrimPrefix(resp, "OK ")), &out)
	return out, err
}

func (c *Client) Ping() error {
	resp, err := c.sendAndReceive("PING")
	if err != nil {
		return err
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping reply %q", resp)
	}
	return nil
}

// Ban adds userID to the blacklist. It reports false if already banned.
func (c *Client) Ban(userID string) (bool, error) {
	if err := checkID(userID); err != nil {
		return false, err
	}
	resp, err := c.sendAndReceive("BAN " + userID)
	if err != nil {
		return false, err
	}
	status, err := decode[schema.BanStatus](resp)
	return status.Added, err
}

func (c *Client) Unban(userID string) error {
	if err := checkID(userID); err != nil {
		return err
	}
	_, err := c.sendAndReceive("UNBAN " + userID)
	return err
}

func (c *Client) IsBanned(userID string) (bool, error) {
	if err := checkID(userID); err != nil {
		return false, err
	}
	resp, err := c.sendAndReceive("IS_BANNED " + userID)
	if err != nil {
		return false, err
	}
	status, err := decode[schema.BanStatus](resp)
	return status.Banned, err
}

func (c *Client) ListBans() ([]string, error) {
	resp, err := c.sendAndReceive("LIST_BANS")
	if err != nil {
		return nil, err
	}
	return decode[[]string](resp)
}

// Pending lists in-flight verifications. Answers are never included.
func (c *Client) Pending() ([]schema.PendingChallenge, error) {
	resp, err := c.sendAndReceive("PENDING")
	if err != nil {
		return nil, err
	}
	return decode[[]schema.PendingChallenge](resp)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	fmt.Fprintln(c.conn, "QUIT")
	err := c.conn.Close()
	c.conn = nil
	return err
}

// checkID rejects IDs the line protocol cannot carry.
func checkID(userID string) error {
	if userID == "" || strings.ContainsAny(userID, " \t\r\n") {
		return engine.ErrInvalidUserID
	}
	return nil
}
