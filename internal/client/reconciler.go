package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/cadmusapp/cadmus/backend/internal/ot"
	syncp "github.com/cadmusapp/cadmus/backend/internal/sync"
)

var (
	// ErrDegraded means submissions kept failing at the transport level and
	// retries are exhausted. Pending edits stay queued.
	ErrDegraded = errors.New("sync degraded: server unreachable")

	// ErrRejected means the server refused an edit as malformed. The edit is
	// dropped from the queue, never retried.
	ErrRejected = errors.New("edit rejected by server")
)

// State is the reconciler's submission state. One tagged value instead of
// boolean flags so the conflict flow is explicit.
type State int

const (
	StateIdle State = iota
	StateSubmitting
	StateConflicted
	StateRebasing
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateConflicted:
		return "conflicted"
	case StateRebasing:
		return "rebasing"
	case StateDegraded:
		return "degraded"
	}
	return "unknown"
}

// Transformer rebases a queue of pending edits over concurrently accepted
// remote edits. Implementations must be deterministic and side-effect free.
type Transformer interface {
	Rebase(pending, remote [][]ot.Op, base string) ([][]ot.Op, error)
}

type Config struct {
	BaseURL        string
	ClientID       string
	MaxRetries     uint64        // transport retries per submission
	RetryInterval  time.Duration // initial backoff interval
	SuppressWindow time.Duration // how long an in-flight submission mutes broadcasts
	HTTPClient     *http.Client
}

// Reconciler keeps one client's view of the shared document converged with
// the server: it drains the pending queue head-first, handles version
// conflicts by fetching and rebasing, and folds broadcast updates into the
// local view.
type Reconciler struct {
	cfg         Config
	httpc       *http.Client
	queue       *Queue
	transformer Transformer

	mu            sync.Mutex
	state         State
	version       int
	serverContent string // confirmed content at version
	localContent  string // serverContent with pending edits applied
	inflightSince time.Time
	lastHeartbeat time.Time
}

func New(cfg Config, queue *Queue, transformer Transformer) (*Reconciler, error) {
	if cfg.ClientID == "" {
		id, err := queue.ClientID()
		if err != nil {
			return nil, err
		}
		cfg.ClientID = id
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.SuppressWindow <= 0 {
		cfg.SuppressWindow = 5 * time.Second
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Reconciler{
		cfg:         cfg,
		httpc:       httpc,
		queue:       queue,
		transformer: transformer,
	}, nil
}

func (r *Reconciler) ClientID() string { return r.cfg.ClientID }

func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconciler) Degraded() bool { return r.State() == StateDegraded }

func (r *Reconciler) Version() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// LocalContent is the user's view: confirmed server content with the pending
// queue applied on top.
func (r *Reconciler) LocalContent() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localContent
}

func (r *Reconciler) LastHeartbeat() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHeartbeat
}

func (r *Reconciler) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Bootstrap loads the current snapshot and layers any queued edits from a
// previous run over it.
func (r *Reconciler) Bootstrap(ctx context.Context) error {
	var doc syncp.DocumentResponse
	if err := r.getJSON(ctx, "/document", &doc); err != nil {
		return err
	}

	pending, err := r.queue.All()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = doc.Version
	r.serverContent = doc.Content
	local := doc.Content
	for _, p := range pending {
		next, err := ot.Apply(local, p.Ops)
		if err != nil {
			// Stale pending edits no longer fit; leave them queued, the
			// conflict path will rebase or re-derive them.
			break
		}
		local = next
	}
	r.localContent = local
	return nil
}

// SetLocalContent records a local mutation: the difference to the previous
// local view is queued as a pending edit. Consecutive mutations compose into
// the queue tail as long as the tail is not the in-flight head.
func (r *Reconciler) SetLocalContent(text string) error {
	r.mu.Lock()
	ops := ot.Diff(r.localContent, text)
	if isNoopOps(ops) {
		r.mu.Unlock()
		return nil
	}
	r.localContent = text
	r.mu.Unlock()

	n, err := r.queue.Len()
	if err != nil {
		return err
	}
	if n >= 2 {
		tail, ok, err := r.queue.Tail()
		if err != nil {
			return err
		}
		if ok {
			if merged, err := ot.Compose(tail.Ops, ops); err == nil {
				tail.Ops = merged
				return r.queue.UpdateTail(*tail)
			}
		}
	}
	return r.queue.Enqueue(PendingEdit{
		ID:        uuid.NewString(),
		ClientID:  r.cfg.ClientID,
		Ops:       ops,
		CreatedAt: time.Now().UTC(),
	})
}

// Flush drives the pending queue until it is empty. Only the head is ever in
// flight, so edits reach the server in the order they were produced.
func (r *Reconciler) Flush(ctx context.Context) error {
	for {
		head, ok, err := r.queue.Head()
		if err != nil {
			return err
		}
		if !ok {
			r.setState(StateIdle)
			return nil
		}
		if err := r.submitHead(ctx, head); err != nil {
			return err
		}
	}
}

type submitOutcome struct {
	status   int
	accepted syncp.SubmitResponse
	conflict syncp.ConflictResponse
	reason   string
}

func (r *Reconciler) submitHead(ctx context.Context, head *PendingEdit) error {
	r.mu.Lock()
	r.state = StateSubmitting
	r.inflightSince = time.Now()
	version := r.version
	r.mu.Unlock()

	out, err := r.submitWithRetry(ctx, head, version)
	if err != nil {
		r.setState(StateDegraded)
		return fmt.Errorf("%w: %v", ErrDegraded, err)
	}

	switch out.status {
	case http.StatusOK:
		if err := r.queue.RemoveHead(); err != nil {
			return err
		}
		pending, err := r.queue.All()
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.version = out.accepted.Version
		r.serverContent = out.accepted.Content
		r.localContent = layerPending(out.accepted.Content, pending)
		r.state = StateIdle
		r.mu.Unlock()
		return nil

	case http.StatusConflict:
		r.setState(StateConflicted)
		if out.conflict.CurrentVersion < version {
			// The log's version moved backwards: the document was reset
			// while our edit was pending. There is no history to rebase
			// over; re-derive from the fresh snapshot the conflict carries.
			return r.rederive(out.conflict.CurrentContent, out.conflict.CurrentVersion)
		}
		return r.rebase(ctx)

	case http.StatusBadRequest:
		// Malformed by the server's judgement: drop it loudly, never retry.
		if err := r.queue.RemoveHead(); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrRejected, out.reason)

	default:
		return fmt.Errorf("unexpected status %d submitting edit", out.status)
	}
}

// submitWithRetry posts the head edit, retrying transport and server faults
// with exponential backoff. Conflict and rejection responses come back as an
// outcome, never as a retry.
func (r *Reconciler) submitWithRetry(ctx context.Context, head *PendingEdit, version int) (*submitOutcome, error) {
	var out *submitOutcome
	attempt := func() error {
		o, err := r.postEdit(ctx, head, version)
		if err != nil {
			head.Attempt++
			if uerr := r.queue.UpdateHead(*head); uerr != nil {
				log.Printf("Failed to record attempt for edit %s: %v", head.ID, uerr)
			}
			return err
		}
		out = o
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.RetryInterval
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, r.cfg.MaxRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Reconciler) postEdit(ctx context.Context, head *PendingEdit, version int) (*submitOutcome, error) {
	body, err := json.Marshal(syncp.SubmitRequest{
		Edits:    []syncp.Edit{{ID: head.ID, ClientID: head.ClientID, Ops: head.Ops}},
		Version:  &version,
		ClientID: r.cfg.ClientID,
	})
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/document/edits", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &submitOutcome{status: resp.StatusCode}
	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(&out.accepted); err != nil {
			return nil, err
		}
	case resp.StatusCode == http.StatusConflict:
		if err := json.NewDecoder(resp.Body).Decode(&out.conflict); err != nil {
			return nil, err
		}
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("server error: %d", resp.StatusCode)
	default:
		raw, _ := io.ReadAll(resp.Body)
		var msg struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &msg) == nil && msg.Error != "" {
			out.reason = msg.Error
		} else {
			out.reason = string(raw)
		}
	}
	return out, nil
}

// rebase fetches what the server accepted since our last known version and
// recomputes the pending queue on top of it. When the history is gone
// (compacted or reset) or the transform gives up, the queue is re-derived by diffing
// the local view against the server snapshot, so user intent survives either
// way.
func (r *Reconciler) rebase(ctx context.Context) error {
	r.mu.Lock()
	sinceVersion := r.version
	baseContent := r.serverContent
	r.state = StateRebasing
	r.mu.Unlock()

	fetched, ok, err := r.fetchEditsSince(ctx, sinceVersion)
	if err != nil {
		return err
	}
	if !ok {
		// The server no longer recognizes our version reference, which
		// means the log was reset under us. Start over from a snapshot.
		return r.resyncFromServer(ctx)
	}

	if fetched.Content != nil {
		return r.rederive(*fetched.Content, fetched.Version)
	}

	pending, err := r.queue.All()
	if err != nil {
		return err
	}
	pendingOps := make([][]ot.Op, len(pending))
	for i, p := range pending {
		pendingOps[i] = p.Ops
	}
	remoteOps := make([][]ot.Op, len(fetched.Edits))
	for i, e := range fetched.Edits {
		remoteOps[i] = e.Ops
	}

	newServer := baseContent
	for _, ops := range remoteOps {
		next, err := ot.Apply(newServer, ops)
		if err != nil {
			// Our idea of the base has drifted; start over from a snapshot.
			return r.resyncFromServer(ctx)
		}
		newServer = next
	}

	rebased, err := r.transformer.Rebase(pendingOps, remoteOps, baseContent)
	if err != nil {
		if errors.Is(err, ot.ErrIrreconcilable) {
			log.Printf("Rebase gave up (%v), re-deriving pending edits", err)
			return r.rederive(newServer, fetched.Version)
		}
		return err
	}

	for i := range pending {
		pending[i].Ops = rebased[i]
		pending[i].Attempt = 0
	}
	if err := r.queue.ReplaceAll(pending); err != nil {
		return err
	}

	r.mu.Lock()
	r.version = fetched.Version
	r.serverContent = newServer
	r.localContent = layerPending(newServer, pending)
	r.mu.Unlock()
	return nil
}

// rederive replaces the whole pending queue with a single edit expressing the
// difference between the server snapshot and the local view.
func (r *Reconciler) rederive(serverContent string, serverVersion int) error {
	r.mu.Lock()
	local := r.localContent
	r.version = serverVersion
	r.serverContent = serverContent
	ops := ot.Diff(serverContent, local)
	if isNoopOps(ops) {
		r.localContent = serverContent
		r.mu.Unlock()
		return r.queue.ReplaceAll(nil)
	}
	r.mu.Unlock()

	return r.queue.ReplaceAll([]PendingEdit{{
		ID:        uuid.NewString(),
		ClientID:  r.cfg.ClientID,
		Ops:       ops,
		CreatedAt: time.Now().UTC(),
	}})
}

// fetchEditsSince retrieves the edits recorded after the given version. The
// second return is false when the server rejects the version as out of range,
// which callers treat as a reset rather than an error.
func (r *Reconciler) fetchEditsSince(ctx context.Context, since int) (syncp.EditsResponse, bool, error) {
	var out syncp.EditsResponse
	path := fmt.Sprintf("/document/edits?since=%d", since)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+path, nil)
	if err != nil {
		return out, false, err
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return out, false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return out, false, err
		}
		return out, true, nil
	case http.StatusBadRequest:
		return out, false, nil
	default:
		return out, false, fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
}

func (r *Reconciler) resyncFromServer(ctx context.Context) error {
	var doc syncp.DocumentResponse
	if err := r.getJSON(ctx, "/document", &doc); err != nil {
		return err
	}
	return r.rederive(doc.Content, doc.Version)
}

// HandleNotification folds a broadcast message into the local view. Updates
// arriving while our own submission is in flight are ignored for a bounded
// window so a session does not race its own echo.
func (r *Reconciler) HandleNotification(n syncp.Notification) {
	switch n.Type {
	case syncp.NotifyHeartbeat:
		r.mu.Lock()
		r.lastHeartbeat = time.Now()
		r.mu.Unlock()
		return
	case syncp.NotifyConnected, syncp.NotifyContentUpdate:
	default:
		return
	}

	r.mu.Lock()
	if n.Type == syncp.NotifyContentUpdate && r.suppressedLocked() {
		r.mu.Unlock()
		return
	}
	// A reset moves the version backwards; anything else older than what we
	// already confirmed is stale.
	isReset := n.Version == 0 && n.Content == ""
	if !isReset && n.Version < r.version {
		r.mu.Unlock()
		return
	}
	baseContent := r.serverContent
	r.mu.Unlock()

	pending, err := r.queue.All()
	if err != nil {
		log.Printf("Failed to read pending queue: %v", err)
		return
	}

	if len(pending) == 0 {
		r.mu.Lock()
		r.version = n.Version
		r.serverContent = n.Content
		r.localContent = n.Content
		r.mu.Unlock()
		return
	}

	// With ops attached we can rebase the pending queue properly; without
	// them (or after a reset) fall back to re-deriving from the snapshot.
	if len(n.Edits) > 0 && !isReset {
		remoteOps := make([][]ot.Op, len(n.Edits))
		for i, e := range n.Edits {
			remoteOps[i] = e.Ops
		}
		pendingOps := make([][]ot.Op, len(pending))
		for i, p := range pending {
			pendingOps[i] = p.Ops
		}
		if rebased, err := r.transformer.Rebase(pendingOps, remoteOps, baseContent); err == nil {
			for i := range pending {
				pending[i].Ops = rebased[i]
			}
			if err := r.queue.ReplaceAll(pending); err == nil {
				r.mu.Lock()
				r.version = n.Version
				r.serverContent = n.Content
				r.localContent = layerPending(n.Content, pending)
				r.mu.Unlock()
				return
			}
		}
	}

	if err := r.rederive(n.Content, n.Version); err != nil {
		log.Printf("Failed to re-derive pending edits: %v", err)
	}
}

// suppressedLocked reports whether broadcasts should be ignored because our
// own submission is in flight. The window is bounded so a stuck flag cannot
// permanently deafen the session.
func (r *Reconciler) suppressedLocked() bool {
	switch r.state {
	case StateSubmitting, StateConflicted, StateRebasing:
		return time.Since(r.inflightSince) < r.cfg.SuppressWindow
	}
	return false
}

func (r *Reconciler) getJSON(ctx context.Context, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func layerPending(content string, pending []PendingEdit) string {
	for _, p := range pending {
		next, err := ot.Apply(content, p.Ops)
		if err != nil {
			return content
		}
		content = next
	}
	return content
}

func isNoopOps(ops []ot.Op) bool {
	for _, op := range ops {
		if op.Type != ot.OpRetain {
			return false
		}
	}
	return true
}
