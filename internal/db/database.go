package db

import (
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/cadmusapp/cadmus/backend/internal/document"
	"github.com/cadmusapp/cadmus/backend/internal/ot"
)

// Database persists edit logs in sqlite. It implements document.Storage.
type Database struct {
	db *sql.DB
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Printf("Database initialized at %s", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS document_edits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		doc_id TEXT NOT NULL,
		version_idx INTEGER NOT NULL,
		edit_id TEXT NOT NULL,
		client_id TEXT DEFAULT '',
		ops TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (doc_id) REFERENCES documents(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_document_edits_doc_version ON document_edits(doc_id, version_idx);

	CREATE TABLE IF NOT EXISTS document_snapshots (
		doc_id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (doc_id) REFERENCES documents(id) ON DELETE CASCADE
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) ensureDocument(tx *sql.Tx, docID string) error {
	if _, err := tx.Exec("INSERT OR IGNORE INTO documents (id) VALUES (?)", docID); err != nil {
		return err
	}
	_, err := tx.Exec("UPDATE documents SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", docID)
	return err
}

// InsertEdits appends a batch of accepted edits in one transaction.
func (d *Database) InsertEdits(docID string, edits []document.Edit) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := d.ensureDocument(tx, docID); err != nil {
		return err
	}

	for _, e := range edits {
		ops, err := json.Marshal(e.Ops)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			"INSERT INTO document_edits (doc_id, version_idx, edit_id, client_id, ops, created_at) VALUES (?, ?, ?, ?, ?, ?)",
			docID, e.BaseVersion, e.ID, e.ClientID, string(ops), e.CreatedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadEdits returns all retained edits for a document in log order.
func (d *Database) LoadEdits(docID string) ([]document.Edit, error) {
	rows, err := d.db.Query(
		"SELECT version_idx, edit_id, client_id, ops, created_at FROM document_edits WHERE doc_id = ? ORDER BY version_idx ASC",
		docID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edits []document.Edit
	for rows.Next() {
		var e document.Edit
		var ops string
		if err := rows.Scan(&e.BaseVersion, &e.ID, &e.ClientID, &ops, &e.CreatedAt); err != nil {
			return nil, err
		}
		var decoded []ot.Op
		if err := json.Unmarshal([]byte(ops), &decoded); err != nil {
			return nil, err
		}
		e.Ops = decoded
		edits = append(edits, e)
	}
	return edits, rows.Err()
}

// LoadSnapshot returns the compaction floor for a document, or ("", 0) when
// the document has never been compacted.
func (d *Database) LoadSnapshot(docID string) (string, int, error) {
	var content string
	var version int
	err := d.db.QueryRow(
		"SELECT content, version FROM document_snapshots WHERE doc_id = ?",
		docID,
	).Scan(&content, &version)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	return content, version, err
}

func (d *Database) SaveSnapshot(docID, content string, version int) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := d.ensureDocument(tx, docID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO document_snapshots (doc_id, content, version, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(doc_id) DO UPDATE SET
			content = excluded.content,
			version = excluded.version,
			updated_at = CURRENT_TIMESTAMP
	`, docID, content, version); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *Database) DeleteEditsBelow(docID string, version int) error {
	_, err := d.db.Exec(
		"DELETE FROM document_edits WHERE doc_id = ? AND version_idx < ?",
		docID, version,
	)
	return err
}

// ClearDocument drops the edit log and snapshot for a document.
func (d *Database) ClearDocument(docID string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM document_edits WHERE doc_id = ?", docID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM document_snapshots WHERE doc_id = ?", docID); err != nil {
		return err
	}
	if _, err := tx.Exec("UPDATE documents SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", docID); err != nil {
		return err
	}
	return tx.Commit()
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var docCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&docCount); err != nil {
		return nil, err
	}
	stats["document_count"] = docCount

	var editCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM document_edits").Scan(&editCount); err != nil {
		return nil, err
	}
	stats["edit_count"] = editCount

	return stats, nil
}
