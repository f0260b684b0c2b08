package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cadmusapp/cadmus/backend/internal/db"
	"github.com/cadmusapp/cadmus/backend/internal/document"
	"github.com/cadmusapp/cadmus/backend/internal/hub"
	"github.com/cadmusapp/cadmus/backend/internal/ot"
	syncp "github.com/cadmusapp/cadmus/backend/internal/sync"
)

type API struct {
	store    *document.Store
	hub      *hub.Hub
	database *db.Database
	docID    string
}

func New(store *document.Store, h *hub.Hub, database *db.Database) *API {
	return &API{
		store:    store,
		hub:      h,
		database: database,
		docID:    document.DefaultID,
	}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_sessions": a.hub.SessionCount(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}

	if _, version, err := a.store.Snapshot(a.docID); err == nil {
		stats["version"] = version
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["total_documents"] = dbStats["document_count"]
			stats["total_edits"] = dbStats["edit_count"]
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// DocumentHandler returns the current snapshot.
func (a *API) DocumentHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	content, version, err := a.store.Snapshot(a.docID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to read document")
		return
	}

	jsonResponse(w, http.StatusOK, syncp.DocumentResponse{Content: content, Version: version})
}

// EditsRouter serves the edit log: GET fetches the suffix after a version,
// POST submits new edits with optimistic concurrency.
func (a *API) EditsRouter(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.editsSinceHandler(w, r)
	case http.MethodPost:
		a.submitHandler(w, r)
	default:
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (a *API) editsSinceHandler(w http.ResponseWriter, r *http.Request) {
	since, err := strconv.Atoi(r.URL.Query().Get("since"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid 'since' version")
		return
	}

	edits, version, err := a.store.EditsSince(a.docID, since)
	switch {
	case errors.Is(err, document.ErrInvalidVersion):
		errorResponse(w, http.StatusBadRequest, fmt.Sprintf("Version %d is out of range", since))
		return
	case errors.Is(err, document.ErrCompacted):
		// The requested range was folded into a snapshot; send the whole
		// document instead so the caller can resync from it.
		content, version, err := a.store.Snapshot(a.docID)
		if err != nil {
			errorResponse(w, http.StatusInternalServerError, "Failed to read document")
			return
		}
		jsonResponse(w, http.StatusOK, syncp.EditsResponse{Content: &content, Version: version})
		return
	case err != nil:
		errorResponse(w, http.StatusInternalServerError, "Failed to read edits")
		return
	}

	jsonResponse(w, http.StatusOK, syncp.EditsResponse{Edits: wireEdits(edits), Version: version})
}

func (a *API) submitHandler(w http.ResponseWriter, r *http.Request) {
	var req syncp.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Version == nil {
		errorResponse(w, http.StatusBadRequest, "version is required")
		return
	}

	var edits []document.Edit
	switch {
	case len(req.Edits) > 0:
		for _, we := range req.Edits {
			if len(we.Ops) == 0 {
				errorResponse(w, http.StatusBadRequest, "edit has no ops")
				return
			}
			if err := ot.Validate(we.Ops); err != nil {
				errorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid edit: %v", err))
				return
			}
			clientID := we.ClientID
			if clientID == "" {
				clientID = req.ClientID
			}
			id := we.ID
			if id == "" {
				id = uuid.NewString()
			}
			edits = append(edits, document.Edit{ID: id, ClientID: clientID, Ops: we.Ops})
		}

	case req.Content != nil:
		// Full-content replace: diff against the current content so the log
		// stays a sequence of op-list edits.
		content, version, err := a.store.Snapshot(a.docID)
		if err != nil {
			errorResponse(w, http.StatusInternalServerError, "Failed to read document")
			return
		}
		if version != *req.Version {
			jsonResponse(w, http.StatusConflict, syncp.ConflictResponse{
				Error:          "version conflict",
				CurrentVersion: version,
				CurrentContent: content,
			})
			return
		}
		ops := ot.Diff(content, *req.Content)
		if isNoop(ops) {
			jsonResponse(w, http.StatusOK, syncp.SubmitResponse{Version: version, Content: content})
			return
		}
		edits = []document.Edit{{ID: uuid.NewString(), ClientID: req.ClientID, Ops: ops}}

	default:
		errorResponse(w, http.StatusBadRequest, "must provide either edits or content")
		return
	}

	// The broadcast and the response carry the content Append folded at
	// newVersion; a re-read here could pair newVersion with a later append's
	// content.
	newVersion, content, err := a.store.Append(a.docID, edits, *req.Version)
	if err != nil {
		var conflict *document.ConflictError
		switch {
		case errors.As(err, &conflict):
			jsonResponse(w, http.StatusConflict, syncp.ConflictResponse{
				Error:          "version conflict",
				CurrentVersion: conflict.CurrentVersion,
				CurrentContent: conflict.CurrentContent,
			})
		case errors.Is(err, document.ErrInvalidEdit):
			errorResponse(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("Append failed: %v", err)
			errorResponse(w, http.StatusInternalServerError, "Failed to save edits")
		}
		return
	}

	a.hub.Publish(syncp.Notification{
		Type:    syncp.NotifyContentUpdate,
		Content: content,
		Edits:   wireEdits(edits),
		Version: newVersion,
	}, req.ClientID)

	jsonResponse(w, http.StatusOK, syncp.SubmitResponse{Version: newVersion, Content: content})
}

// ResetHandler clears the document back to version 0 and tells everyone.
func (a *API) ResetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := a.store.Reset(a.docID); err != nil {
		log.Printf("Reset failed: %v", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to reset document")
		return
	}

	a.hub.Publish(syncp.Notification{
		Type:    syncp.NotifyContentUpdate,
		Content: "",
		Version: 0,
	}, "")

	jsonResponse(w, http.StatusOK, syncp.DocumentResponse{Content: "", Version: 0})
}

// EventsHandler is the long-lived push stream: a connected snapshot first,
// then content updates and heartbeats as server-sent events.
func (a *API) EventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		errorResponse(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	clientID := r.URL.Query().Get("clientId")
	sessionID := clientID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sess, err := a.hub.Subscribe(sessionID, clientID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to subscribe")
		return
	}
	defer a.hub.Unsubscribe(sess)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case n, ok := <-sess.Notifications():
			if !ok {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				log.Printf("Error encoding notification: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func wireEdits(edits []document.Edit) []syncp.Edit {
	out := make([]syncp.Edit, len(edits))
	for i, e := range edits {
		out[i] = syncp.Edit{ID: e.ID, ClientID: e.ClientID, Ops: e.Ops}
	}
	return out
}

func isNoop(ops []ot.Op) bool {
	for _, op := range ops {
		if op.Type != ot.OpRetain {
			return false
		}
	}
	return true
}
