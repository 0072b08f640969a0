package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// FileName is the journal database name inside a store directory.
const FileName = "journal.db"

var eventsBucket = []byte("events")

// Op names a journaled store operation.
type Op string

const (
	OpOpen        Op = "open"
	OpCreate      Op = "create"
	OpPut         Op = "put"
	OpDelete      Op = "delete"
	OpClear       Op = "clear"
	OpVerify      Op = "verify"
	OpQuarantine  Op = "quarantine"
	OpRollForward Op = "roll_forward"
)

// Event is one journal record. It never carries payloads or key material.
type Event struct {
	Seq     uint64 `json:"seq"`
	At      int64  `json:"at"` // ms since epoch
	Op      Op     `json:"op"`
	ID      string `json:"id,omitempty"`
	Version uint64 `json:"version,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Journal is an append-only event log backed by bbolt.
type Journal struct {
	db *bolt.DB
}

// Open creates or opens the journal at path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

// Append stores ev under the next sequence number and returns it. A zero At
// is filled with the current time.
func (j *Journal) Append(ev Event) (uint64, error) {
	if ev.At == 0 {
		ev.At = time.Now().UnixMilli()
	}
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		ev.Seq = seq
		v, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), v)
	})
	if err != nil {
		return 0, fmt.Errorf("appending journal event: %w", err)
	}
	return ev.Seq, nil
}

// Recent returns up to limit events, newest last. limit <= 0 returns all.
func (j *Journal) Recent(limit int) ([]Event, error) {
	var out []Event
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decoding event %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}

// Len returns the number of stored events.
func (j *Journal) Len() (int, error) {
	var n int
	err := j.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(eventsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	err := j.db.Close()
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return nil
	}
	return err
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
