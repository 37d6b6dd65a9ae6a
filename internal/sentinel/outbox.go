// Package sentinel is the observer agent: probes sample the host and emit
// events onto the durable stream, the deception engine watches honeytoken
// decoys, and the runtime keeps registration, config, and heartbeats alive
// against Core. Events that cannot reach the bus spill to an on-disk outbox
// and replay in order on reconnect.
package sentinel

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketOutbox = []byte("outbox")

// outboxCap bounds how many events survive a long bus outage. Past the cap
// the oldest events are dropped first; the newest observations are the ones
// worth delivering late.
const outboxCap = 1000

// Outbox is the on-disk spill buffer. Keys come from the bucket sequence,
// so iteration order is append order across restarts.
type Outbox struct {
	db *bolt.DB
}

// OpenOutbox creates or opens the outbox database at path.
func OpenOutbox(path string) (*Outbox, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open outbox db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOutbox)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create outbox bucket: %w", err)
	}
	return &Outbox{db: db}, nil
}

// Close closes the underlying database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Append stores one encoded record at the tail, dropping from the head if
// the cap is exceeded.
func (o *Outbox) Append(payload []byte) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := b.Put(key, payload); err != nil {
			return err
		}
		return trimOldest(b, outboxCap)
	})
}

func trimOldest(b *bolt.Bucket, max int) error {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	for ; n > max; n-- {
		k, _ := b.Cursor().First()
		if k == nil {
			return nil
		}
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Drain feeds buffered records to publish in append order, deleting each
// record only after publish accepts it. It stops at the first publish
// failure and reports how many records were flushed.
func (o *Outbox) Drain(publish func(payload []byte) error) (int, error) {
	flushed := 0
	for {
		var key, val []byte
		err := o.db.View(func(tx *bolt.Tx) error {
			k, v := tx.Bucket(bucketOutbox).Cursor().First()
			if k != nil {
				key = append([]byte(nil), k...)
				val = append([]byte(nil), v...)
			}
			return nil
		})
		if err != nil {
			return flushed, err
		}
		if key == nil {
			return flushed, nil
		}
		if err := publish(val); err != nil {
			return flushed, err
		}
		err = o.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketOutbox).Delete(key)
		})
		if err != nil {
			return flushed, err
		}
		flushed++
	}
}

// Len reports how many records are waiting.
func (o *Outbox) Len() (int, error) {
	n := 0
	err := o.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}
