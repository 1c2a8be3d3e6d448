package onebot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/celerix-dev/celerix-guard/internal/guard"
)

const maxFeedBackoff = 30 * time.Second

// EventFeed reads events from a OneBot forward websocket and hands each
// one to Handle. It reconnects until its context is cancelled.
type EventFeed struct {
	URL         string
	AccessToken string
	SelfID      string
	Handle      func(context.Context, guard.Event)
	Logger      *zap.Logger
	// Backoff is the first reconnect delay. It doubles up to 30s.
	Backoff time.Duration
}

// Run blocks until ctx is cancelled, returning nil in that case.
func (f *EventFeed) Run(ctx context.Context) error {
	if strings.TrimSpace(f.URL) == "" {
		return errors.New("onebot: websocket url is required")
	}
	if f.Handle == nil {
		return errors.New("onebot: event handler is required")
	}
	log := f.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("feed")

	initial := f.Backoff
	if initial <= 0 {
		initial = time.Second
	}
	backoff := initial

	for {
		if ctx.Err() != nil {
			return nil
		}
		received, err := f.session(ctx, log)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			backoff = initial
		}
		log.Warn("event feed disconnected, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff *= 2
		if backoff > maxFeedBackoff {
			backoff = maxFeedBackoff
		}
	}
}

// session runs one connection. It reports whether any frame was read.
func (f *EventFeed) session(ctx context.Context, log *zap.Logger) (bool, error) {
	cfg, err := websocket.NewConfig(f.URL, originFor(f.URL))
	if err != nil {
		return false, fmt.Errorf("onebot: websocket config: %w", err)
	}
	if f.AccessToken != "" {
		cfg.Header = http.Header{"Authorization": []string{"Bearer " + f.AccessToken}}
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return false, fmt.Errorf("onebot: dial %s: %w", f.URL, err)
	}
	defer conn.Close()
	log.Info("event feed connected", zap.String("url", f.URL))

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	received := false
	for {
		var frame []byte
		if err := websocket.Message.Receive(conn, &frame); err != nil {
			return received, err
		}
		received = true

		ev, err := ParseEvent(frame, f.SelfID)
		if err != nil {
			log.Warn("dropping undecodable event", zap.Error(err))
			continue
		}
		if ev.Kind == guard.KindUnknown {
			continue
		}
		f.Handle(ctx, ev)
	}
}

func originFor(wsURL string) string {
	switch {
	case strings.HasPrefix(wsURL, "wss://"):
		return "https://" + strings.TrimPrefix(wsURL, "wss://")
	case strings.HasPrefix(wsURL, "ws://"):
		return "http://" + strings.TrimPrefix(wsURL, "ws://")
	}
	return wsURL
}
