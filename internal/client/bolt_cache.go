package client

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ---------------------------------------------------------------------------
// BoltCache
// ---------------------------------------------------------------------------

const (
	boltFilePerm    = fs.FileMode(0o600)
	boltOpenTimeout = 5 * time.Second
)

var responseBucket = []byte("responses")

// boltRecord is the stored form of a cache entry. Expiry travels with the
// value so entries survive process restarts with their original deadline.
type boltRecord struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// BoltCache is a CacheStore backed by a bbolt file. Entries persist across
// restarts; expired ones are deleted lazily on read.
type BoltCache struct {
	db *bolt.DB
}

// NewBoltCache opens (or creates) the cache database at path.
func NewBoltCache(path string) (*BoltCache, error) {
	db, err := bolt.Open(path, boltFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(responseBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache bucket: %w", err)
	}
	return &BoltCache{db: db}, nil
}

func (c *BoltCache) Get(key string) ([]byte, bool, error) {
	var record boltRecord
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(responseBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("decode cache record: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	if time.Now().After(record.ExpiresAt) {
		if err := c.Delete(key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return record.Value, true, nil
}

func (c *BoltCache) Set(key string, value []byte, ttl time.Duration) error {
	raw, err := json.Marshal(boltRecord{Value: value, ExpiresAt: time.Now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(responseBucket).Put([]byte(key), raw)
	})
}

func (c *BoltCache) Delete(key string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(responseBucket).Delete([]byte(key))
	})
}

func (c *BoltCache) Close() error {
	return c.db.Close()
}
