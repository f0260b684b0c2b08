package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	syncp "github.com/cadmusapp/cadmus/backend/internal/sync"
)

// Listener consumes the server's event stream and feeds each notification to
// the reconciler. It reconnects with backoff and treats a missed heartbeat as
// a dead connection.
type Listener struct {
	baseURL   string
	clientID  string
	rec       *Reconciler
	heartbeat time.Duration
	httpc     *http.Client

	// OnUpdate, if set, runs after every non-heartbeat notification with the
	// reconciler's refreshed local view.
	OnUpdate func(content string)
}

func NewListener(baseURL string, rec *Reconciler, heartbeat time.Duration) *Listener {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Listener{
		baseURL:   baseURL,
		clientID:  rec.ClientID(),
		rec:       rec,
		heartbeat: heartbeat,
		// Streaming connection, so no client-level timeout.
		httpc: &http.Client{},
	}
}

// Run keeps a stream open until ctx is cancelled, reconnecting on failure.
func (l *Listener) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		err := l.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		log.Printf("Event stream closed (%v), reconnecting in %s", err, wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		// A clean stretch of streaming earns a fresh backoff.
		if err == nil {
			bo.Reset()
		}
	}
}

func (l *Listener) stream(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	url := fmt.Sprintf("%s/document/events?clientId=%s", l.baseURL, l.clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := l.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: status %d", resp.StatusCode)
	}

	// If two heartbeat intervals pass without a message the connection is
	// considered dead and the read is cancelled.
	watchdog := time.AfterFunc(2*l.heartbeat, cancel)
	defer watchdog.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		watchdog.Reset(2 * l.heartbeat)

		var n syncp.Notification
		if err := json.Unmarshal([]byte(line[len("data: "):]), &n); err != nil {
			log.Printf("Malformed event, skipping: %v", err)
			continue
		}
		l.rec.HandleNotification(n)
		if n.Type != syncp.NotifyHeartbeat && l.OnUpdate != nil {
			l.OnUpdate(l.rec.LocalContent())
		}
	}
	return scanner.Err()
}
