// Package server implements the guard's TCP admin protocol.
package server

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-guard/pkg/engine"
	"github.com/celerix-dev/celerix-guard/pkg/schema"
)

// PendingLister exposes the in-flight challenges. *guard.Manager
// implements it.
type PendingLister interface {
	Pending() []schema.PendingChallenge
}

// Router serves the line-oriented admin protocol. Each request is one line
// and gets exactly one reply line: "OK [json]", "PONG" or "ERR message".
type Router struct {
	bans    engine.BanStore
	pending PendingLister
	cert    *tls.Certificate
	logger  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

func NewRouter(bans engine.BanStore, pending PendingLister, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{bans: bans, pending: pending, logger: logger.Named("admin")}
}

// SetCertificate sets the TLS certificate for the router
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// Listen serves addr until Stop is called, then returns nil.
func (r *Router) Listen(addr string) error {
	var listener net.Listener
	var err error

	if r.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*r.cert}}
		listener, err = tls.Listen("tcp", addr, config)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		listener.Close()
		return nil
	}
	r.listener = listener
	r.mu.Unlock()
	r.logger.Info("admin listener started", zap.String("addr", listener.Addr().String()), zap.Bool("tls", r.cert != nil))

	semaphore := make(chan struct{}, 100) // Max 100 concurrent connections

	for {
		conn, err := listener.Accept()
		if err != nil {
			if r.isClosed() {
				return nil
			}
			r.logger.Warn("accept failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		conn.SetDeadline(time.Now().Add(5 * time.Minute))

		go func(c net.Conn) {
			semaphore <- struct{}{}
			defer func() {
				<-semaphore
				c.Close()
			}()
			r.HandleConnection(c)
		}(conn)
	}
}

// Addr returns the bound address, or nil before Listen has bound.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Stop closes the listener. Open connections run until the client leaves
// or their deadline passes.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.listener != nil {
		return r.listener.Close()
	}
	return nil
}

func (r *Router) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// HandleConnection runs the command loop for one client.
func (r *Router) HandleConnection(conn net.Conn) {
	reader := bufio.NewReader(conn)

	for {
		// Set a deadline for the next command
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		line, err := reader.ReadString('\n')
		if err != nil {
			return // Connection closed or timeout
		}

		parts := strings.Fields(line)
		if len(parts) < 1 {
			continue
		}
		command := strings.ToUpper(parts[0])
		if command == "QUIT" {
			return
		}
		fmt.Fprintln(conn, r.execute(command, parts[1:]))
	}
}

func (r *Router) execute(command string, args []string) string {
	switch command {
	case "PING":
		return "PONG"

	case "BAN":
		if len(args) != 1 {
			return "ERR usage: BAN <user>"
		}
		added, err := r.bans.Add(args[0])
		if err != nil {
			return "ERR " + err.Error()
		}
		return ok(schema.BanStatus{UserID: args[0], Banned: true, Added: added})

	case "UNBAN":
		if len(args) != 1 {
			return "ERR usage: UNBAN <user>"
		}
		if err := r.bans.Remove(args[0]); err != nil {
			return "ERR " + err.Error()
		}
		return "OK"

	case "IS_BANNED":
		if len(args) != 1 {
			return "ERR usage: IS_BANNED <user>"
		}
		banned, err := r.bans.Contains(args[0])
		if err != nil {
			return "ERR " + err.Error()
		}
		return ok(schema.BanStatus{UserID: args[0], Banned: banned})

	case "LIST_BANS":
		list, err := r.bans.List()
		if err != nil {
			return "ERR " + err.Error()
		}
		if list == nil {
			list = []string{}
		}
		return ok(list)

	case "PENDING":
		if r.pending == nil {
			return ok([]schema.PendingChallenge{})
		}
		return ok(r.pending.Pending())
	}
	return "ERR unknown command " + command
}

func ok(v any) string {
	res, err := json.Marshal(v)
	if err != nil {
		return "ERR internal error"
	}
	return "OK " + string(res)
}
