package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cadmusapp/cadmus/backend/internal/api"
	"github.com/cadmusapp/cadmus/backend/internal/document"
	"github.com/cadmusapp/cadmus/backend/internal/hub"
	"github.com/cadmusapp/cadmus/backend/internal/ot"
	syncp "github.com/cadmusapp/cadmus/backend/internal/sync"
)

func setupStreamingServer(t *testing.T, heartbeat time.Duration) (*httptest.Server, func()) {
	t.Helper()

	store := document.NewStore(nil)
	h := hub.NewHub(store, document.DefaultID, heartbeat)
	go h.Run()
	a := api.New(store, h, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/document", a.DocumentHandler)
	mux.HandleFunc("/document/edits", a.EditsRouter)
	mux.HandleFunc("/document/events", a.EventsHandler)
	srv := httptest.NewServer(mux)

	return srv, func() {
		srv.Close()
		h.Stop()
	}
}

func submitAs(t *testing.T, baseURL, clientID, text string, version int) {
	t.Helper()
	body, _ := json.Marshal(syncp.SubmitRequest{
		Edits:    []syncp.Edit{{ID: "e-" + clientID, ClientID: clientID, Ops: []ot.Op{{Type: ot.OpInsert, Value: text}}}},
		Version:  &version,
		ClientID: clientID,
	})
	resp, err := http.Post(baseURL+"/document/edits", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Submit returned %d", resp.StatusCode)
	}
}

func TestListenerReceivesRemoteUpdates(t *testing.T) {
	srv, cleanup := setupStreamingServer(t, 50*time.Millisecond)
	defer cleanup()

	rec, qCleanup := setupReconciler(t, srv.URL)
	defer qCleanup()
	if err := rec.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	updates := make(chan string, 8)
	listener := NewListener(srv.URL, rec, time.Second)
	listener.OnUpdate = func(content string) { updates <- content }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Run(ctx)

	// The connected snapshot arrives first.
	select {
	case got := <-updates:
		if got != "" {
			t.Errorf("Expected empty snapshot, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Never received the connected snapshot")
	}

	// Someone else's edit is pushed to us.
	submitAs(t, srv.URL, "alice", "hello", 0)

	select {
	case got := <-updates:
		if got != "hello" {
			t.Errorf("Expected 'hello', got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Never received the remote update")
	}

	if rec.LocalContent() != "hello" || rec.Version() != 1 {
		t.Errorf("Reconciler holds %q at %d", rec.LocalContent(), rec.Version())
	}
}

func TestListenerTracksHeartbeats(t *testing.T) {
	srv, cleanup := setupStreamingServer(t, 30*time.Millisecond)
	defer cleanup()

	rec, qCleanup := setupReconciler(t, srv.URL)
	defer qCleanup()
	if err := rec.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	listener := NewListener(srv.URL, rec, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !rec.LastHeartbeat().IsZero() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Never observed a heartbeat")
}
