package client

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/cadmusapp/cadmus/backend/internal/ot"
)

var (
	pendingBucket = []byte("pending")
	metaBucket    = []byte("meta")
	clientIDKey   = []byte("client_id")
)

// PendingEdit is one locally-produced edit waiting for server confirmation.
// It leaves the queue only when the server accepts it or it is explicitly
// reported as unrecoverable.
type PendingEdit struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"clientId"`
	Ops       []ot.Op   `json:"ops"`
	CreatedAt time.Time `json:"createdAt"`
	Attempt   int       `json:"attempt"`
}

// Queue is a FIFO of pending edits persisted in bbolt so unconfirmed work
// survives a process restart. Keys are a monotonic sequence, so iteration
// order is enqueue order.
type Queue struct {
	db *bolt.DB
}

func OpenQueue(path string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(pendingBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Queue{db: db}, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// ClientID returns the stable client id for this queue, generating and
// persisting one on first use so reconnects keep the same identity.
func (q *Queue) ClientID() (string, error) {
	var id string
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if v := b.Get(clientIDKey); v != nil {
			id = string(v)
			return nil
		}
		id = uuid.NewString()
		return b.Put(clientIDKey, []byte(id))
	})
	return id, err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func (q *Queue) Enqueue(e PendingEdit) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

// Head returns the oldest pending edit without removing it.
func (q *Queue) Head() (*PendingEdit, bool, error) {
	var e PendingEdit
	found := false
	err := q.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(pendingBucket).Cursor().First()
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &e)
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &e, true, nil
}

func (q *Queue) RemoveHead() error {
	return q.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(pendingBucket).Cursor()
		k, _ := c.First()
		if k == nil {
			return nil
		}
		return c.Delete()
	})
}

// UpdateHead rewrites the oldest entry in place, e.g. to bump its attempt
// count.
func (q *Queue) UpdateHead(e PendingEdit) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		k, _ := b.Cursor().First()
		if k == nil {
			return fmt.Errorf("queue is empty")
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(k, data)
	})
}

// Tail returns the newest pending edit.
func (q *Queue) Tail() (*PendingEdit, bool, error) {
	var e PendingEdit
	found := false
	err := q.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(pendingBucket).Cursor().Last()
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &e)
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &e, true, nil
}

func (q *Queue) UpdateTail(e PendingEdit) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		k, _ := b.Cursor().Last()
		if k == nil {
			return fmt.Errorf("queue is empty")
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(k, data)
	})
}

// All returns every pending edit in FIFO order.
func (q *Queue) All() ([]PendingEdit, error) {
	var edits []PendingEdit
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).ForEach(func(_, v []byte) error {
			var e PendingEdit
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			edits = append(edits, e)
			return nil
		})
	})
	return edits, err
}

func (q *Queue) Len() (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(pendingBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// ReplaceAll swaps the queue contents for a rebased set, preserving order.
func (q *Queue) ReplaceAll(edits []PendingEdit) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(pendingBucket); err != nil {
			return err
		}
		b, err := tx.CreateBucket(pendingBucket)
		if err != nil {
			return err
		}
		for _, e := range edits {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(seqKey(seq), data); err != nil {
				return err
			}
		}
		return nil
	})
}
