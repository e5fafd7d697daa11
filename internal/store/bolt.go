package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var rootBucket = []byte("operations")

// Bolt stores operations in a local bbolt file, one bucket per room keyed by
// big-endian sequence number so cursor order is sequence order.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (b *Bolt) Append(_ context.Context, roomID string, seq uint64, op []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		rb, err := tx.Bucket(rootBucket).CreateBucketIfNotExists([]byte(roomID))
		if err != nil {
			return err
		}
		k := seqKey(seq)
		if rb.Get(k) != nil {
			return nil
		}
		return rb.Put(k, op)
	})
}

func (b *Bolt) Since(_ context.Context, roomID string, after uint64) ([]Record, error) {
	var out []Record
	err := b.db.View(func(tx *bolt.Tx) error {
		rb := tx.Bucket(rootBucket).Bucket([]byte(roomID))
		if rb == nil {
			return nil
		}
		c := rb.Cursor()
		for k, v := c.Seek(seqKey(after + 1)); k != nil; k, v = c.Next() {
			out = append(out, Record{
				RoomID: roomID,
				Seq:    binary.BigEndian.Uint64(k),
				Op:     append([]byte(nil), v...),
			})
		}
		return nil
	})
	return out, err
}

func (b *Bolt) Close() error { return b.db.Close() }
