// Package history keeps a bounded log of probe attempts in a local bbolt
// database so that failures can be diagnosed after the fact.
package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const attemptsBucket = "probe_attempts"

// MaxOutput bounds the probe output kept per attempt.
const MaxOutput = 4096

// Attempt is one run of the driver bootstrap.
type Attempt struct {
	ID         uint64    `json:"id"`
	At         time.Time `json:"at"`
	ABI        string    `json:"abi,omitempty"`
	Reused     bool      `json:"reused"`
	Installed  bool      `json:"installed"`
	DriverFD   int32     `json:"driver_fd,omitempty"`
	HasFD      bool      `json:"has_fd"`
	Status     string    `json:"status,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Failure    string    `json:"failure,omitempty"`
	Error      string    `json:"error,omitempty"`
	Output     string    `json:"output,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// Store is a bbolt-backed attempt log. Keys are big-endian sequence numbers,
// so cursor order is insertion order.
type Store struct {
	db    *bolt.DB
	limit int
}

// Open opens or creates the database at path. limit bounds the number of
// attempts kept; zero keeps everything.
func Open(path string, limit int) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(attemptsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, limit: limit}, nil
}

// Record appends a and assigns its ID. Output is truncated to MaxOutput and
// the oldest attempts beyond the limit are dropped in the same transaction.
func (s *Store) Record(a *Attempt) error {
	if len(a.Output) > MaxOutput {
		a.Output = a.Output[:MaxOutput]
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(attemptsBucket))

		id, _ := b.NextSequence()
		a.ID = id

		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if err := b.Put(itob(id), data); err != nil {
			return err
		}
		if s.limit > 0 {
			_, err = prune(b, s.limit)
		}
		return err
	})
}

// Recent returns up to limit attempts, newest first.
func (s *Store) Recent(limit int) ([]*Attempt, error) {
	var attempts []*Attempt

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(attemptsBucket)).Cursor()

		for k, v := c.Last(); k != nil && (limit <= 0 || len(attempts) < limit); k, v = c.Prev() {
			var a Attempt
			if err := json.Unmarshal(v, &a); err != nil {
				continue
			}
			attempts = append(attempts, &a)
		}
		return nil
	})

	return attempts, err
}

// Prune drops all but the newest keep attempts and returns how many were removed.
func (s *Store) Prune(keep int) (int, error) {
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		removed, err = prune(tx.Bucket([]byte(attemptsBucket)), keep)
		return err
	})
	return removed, err
}

// Count returns the number of stored attempts.
func (s *Store) Count() (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(attemptsBucket)).Stats().KeyN
		return nil
	})
	return count, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// prune counts with a cursor because bucket stats do not see writes that are
// still pending in the transaction.
func prune(b *bolt.Bucket, keep int) (int, error) {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	excess := len(keys) - keep
	if excess <= 0 {
		return 0, nil
	}
	for _, k := range keys[:excess] {
		if err := b.Delete(k); err != nil {
			return 0, err
		}
	}
	return excess, nil
}

// itob converts uint64 to big-endian bytes for ordered keys
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
