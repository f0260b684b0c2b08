package document

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cadmusapp/cadmus/backend/internal/ot"
)

// DefaultID names the single shared document this system serves today. The
// store is keyed by id so more documents can be added without reworking it.
const DefaultID = "default"

var (
	// ErrInvalidVersion marks a version reference outside the log's range.
	ErrInvalidVersion = errors.New("version out of range")

	// ErrCompacted marks a fetch for edits that were folded into a snapshot.
	ErrCompacted = errors.New("edit history before this version was compacted")

	// ErrInvalidEdit marks an edit whose ops do not apply to the current content.
	ErrInvalidEdit = errors.New("edit does not apply to current content")
)

// ConflictError is returned when a submission's expected version does not
// match the log. It carries the current state so the caller can reconcile
// without another round trip.
type ConflictError struct {
	CurrentVersion int
	CurrentContent string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: log is at version %d", e.CurrentVersion)
}

// Edit is one accepted unit of change. Immutable once appended.
type Edit struct {
	ID          string
	ClientID    string
	BaseVersion int
	Ops         []ot.Op
	CreatedAt   time.Time
}

// Storage persists the edit log. Implementations must return edits in the
// order they were appended so a replay from index 0 (or from the snapshot
// floor) reproduces the same content.
type Storage interface {
	InsertEdits(docID string, edits []Edit) error
	LoadEdits(docID string) ([]Edit, error)
	LoadSnapshot(docID string) (content string, version int, err error)
	SaveSnapshot(docID, content string, version int) error
	DeleteEditsBelow(docID string, version int) error
	ClearDocument(docID string) error
}

// docState is the in-memory log for one document. version = floor + len(edits);
// content is the incremental fold so reads never replay the whole log.
type docState struct {
	mu      sync.RWMutex
	floor   int    // version at the snapshot floor
	base    string // content at the snapshot floor
	edits   []Edit // accepted edits above the floor, in log order
	content string // current folded content
}

func (d *docState) version() int {
	return d.floor + len(d.edits)
}

// Store owns the authoritative edit logs, keyed by document id. All mutation
// goes through Append and Reset; the version check and the write are a single
// critical section per document.
type Store struct {
	mu      sync.RWMutex
	storage Storage
	docs    map[string]*docState
}

// NewStore creates a store backed by storage. A nil storage keeps the logs
// purely in memory.
func NewStore(storage Storage) *Store {
	return &Store{
		storage: storage,
		docs:    make(map[string]*docState),
	}
}

// doc returns the state for id, loading it from storage on first use.
func (s *Store) doc(id string) (*docState, error) {
	s.mu.RLock()
	d, ok := s.docs[id]
	s.mu.RUnlock()
	if ok {
		return d, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[id]; ok {
		return d, nil
	}

	d = &docState{}
	if s.storage != nil {
		base, floor, err := s.storage.LoadSnapshot(id)
		if err != nil {
			return nil, fmt.Errorf("load snapshot for %q: %w", id, err)
		}
		edits, err := s.storage.LoadEdits(id)
		if err != nil {
			return nil, fmt.Errorf("load edits for %q: %w", id, err)
		}
		content := base
		for _, e := range edits {
			content, err = ot.Apply(content, e.Ops)
			if err != nil {
				return nil, fmt.Errorf("replay edit %s for %q: %w", e.ID, id, err)
			}
		}
		d.floor = floor
		d.base = base
		d.edits = edits
		d.content = content
	}
	s.docs[id] = d
	return d, nil
}

// Append accepts edits only when expectedVersion equals the log's current
// version. The check, the content fold, the storage write, and the in-memory
// append are indivisible with respect to concurrent appends on the same
// document; exactly one of any set of racing calls with the same expected
// version succeeds. A storage failure leaves the in-memory log untouched.
// The returned content is the fold at the returned version, so callers can
// publish a matched version/content pair without a separate read that a
// concurrent append may have advanced past.
func (s *Store) Append(docID string, edits []Edit, expectedVersion int) (int, string, error) {
	d, err := s.doc(docID)
	if err != nil {
		return 0, "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if expectedVersion != d.version() {
		return 0, "", &ConflictError{CurrentVersion: d.version(), CurrentContent: d.content}
	}

	content := d.content
	accepted := make([]Edit, len(edits))
	now := time.Now().UTC()
	for i, e := range edits {
		next, err := ot.Apply(content, e.Ops)
		if err != nil {
			return 0, "", fmt.Errorf("%w: %v", ErrInvalidEdit, err)
		}
		content = next
		e.BaseVersion = expectedVersion + i
		e.CreatedAt = now
		accepted[i] = e
	}

	if s.storage != nil {
		if err := s.storage.InsertEdits(docID, accepted); err != nil {
			return 0, "", fmt.Errorf("persist edits: %w", err)
		}
	}

	d.edits = append(d.edits, accepted...)
	d.content = content
	return d.version(), content, nil
}

// EditsSince returns the log suffix after version v along with the current
// version. Returns ErrInvalidVersion when v is negative or ahead of the log,
// and ErrCompacted when the suffix starts below the snapshot floor.
func (s *Store) EditsSince(docID string, v int) ([]Edit, int, error) {
	d, err := s.doc(docID)
	if err != nil {
		return nil, 0, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if v < 0 || v > d.version() {
		return nil, d.version(), fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidVersion, v, d.version())
	}
	if v < d.floor {
		return nil, d.version(), ErrCompacted
	}
	suffix := make([]Edit, d.version()-v)
	copy(suffix, d.edits[v-d.floor:])
	return suffix, d.version(), nil
}

// Snapshot returns the current content and version.
func (s *Store) Snapshot(docID string) (string, int, error) {
	d, err := s.doc(docID)
	if err != nil {
		return "", 0, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.content, d.version(), nil
}

// Reset clears the log back to version 0 and empty content.
func (s *Store) Reset(docID string) error {
	d, err := s.doc(docID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if s.storage != nil {
		if err := s.storage.ClearDocument(docID); err != nil {
			return fmt.Errorf("clear document: %w", err)
		}
	}
	d.floor = 0
	d.base = ""
	d.edits = nil
	d.content = ""
	return nil
}

// DocumentIDs lists the documents currently loaded.
func (s *Store) DocumentIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	return ids
}

// RetainedEdits reports how many edits are held above the snapshot floor.
func (s *Store) RetainedEdits(docID string) (int, error) {
	d, err := s.doc(docID)
	if err != nil {
		return 0, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.edits), nil
}

// Compact folds all but the last keep edits into the snapshot floor and
// prunes the persisted prefix. Content and version are unchanged; only
// fetches reaching below the new floor are affected (they get a snapshot
// instead of edits).
func (s *Store) Compact(docID string, keep int) error {
	d, err := s.doc(docID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if keep < 0 {
		keep = 0
	}
	if len(d.edits) <= keep {
		return nil
	}

	cut := len(d.edits) - keep
	base := d.base
	for _, e := range d.edits[:cut] {
		base, err = ot.Apply(base, e.Ops)
		if err != nil {
			return fmt.Errorf("fold edit %s: %w", e.ID, err)
		}
	}
	floor := d.floor + cut

	if s.storage != nil {
		if err := s.storage.SaveSnapshot(docID, base, floor); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		if err := s.storage.DeleteEditsBelow(docID, floor); err != nil {
			return fmt.Errorf("prune edits: %w", err)
		}
	}

	d.base = base
	d.floor = floor
	d.edits = append([]Edit(nil), d.edits[cut:]...)
	return nil
}
