package tlsresolver

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var certBucket = []byte("certificates")

// Persistence journals certificate metadata (not private keys) to
// bbolt so a restart can rebuild the renewal queue's due times without
// waiting a full renew window, grounded on the teacher's use of bbolt
// for its rate-limit/session persistence in the broader pack
// (mercator-hq-jupiter's evidence store uses the same embedded-KV
// pattern for small, infrequently-written indices).
type Persistence struct {
	db *bolt.DB
}

type certRecord struct {
	ID       string    `json:"id"`
	SANs     []string  `json:"sans"`
	Source   string    `json:"source"`
	NotAfter time.Time `json:"not_after"`
}

func OpenPersistence(path string) (*Persistence, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(certBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Persistence{db: db}, nil
}

func (p *Persistence) Close() error { return p.db.Close() }

func (p *Persistence) SaveMeta(c *Certificate) error {
	rec := certRecord{ID: c.ID, SANs: c.SANs, Source: c.Source, NotAfter: c.NotAfter}
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(certBucket).Put([]byte(c.ID), buf)
	})
}

func (p *Persistence) LoadAllMeta() ([]certRecord, error) {
	var out []certRecord
	err := p.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(certBucket).ForEach(func(_, v []byte) error {
			var rec certRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}
