// Package journal keeps an append-only record of provisioning operations
// in a buntdb file, so an operator can answer "who added this peer and
// when" without trawling backups.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spochipov/wireguard-quickstart/wgconf"
	"github.com/tidwall/buntdb"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Record is one provisioning event.
type Record struct {
	When      time.Time
	Op        string // "add" or "remove"
	Name      string
	PublicKey string
	Addresses []string
}

type Journal struct {
	db *buntdb.DB
}

// Open opens or creates the journal database. Pass ":memory:" for an
// ephemeral journal.
func Open(path string) (*Journal, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends one event. Keys are timestamped so AscendKeys returns
// events in order.
func (j *Journal) Record(op, name string, publicKey wgtypes.Key, addrs []wgconf.IPNet) error {
	rec := Record{
		When:      time.Now().UTC(),
		Op:        op,
		Name:      name,
		PublicKey: publicKey.String(),
	}
	for _, addr := range addrs {
		rec.Addresses = append(rec.Addresses, addr.String())
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding journal record: %w", err)
	}
	// zero-padded nanoseconds keep lexicographic key order chronological
	key := fmt.Sprintf("event:%020d:%s:%s", rec.When.UnixNano(), op, name)
	err = j.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(data), nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("writing journal record: %w", err)
	}
	return nil
}

// List returns all events in chronological order.
func (j *Journal) List() ([]Record, error) {
	var records []Record
	var decodeErr error
	err := j.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("event:*", func(key, value string) bool {
			var rec Record
			decodeErr = json.Unmarshal([]byte(value), &rec)
			if decodeErr != nil {
				decodeErr = fmt.Errorf("decoding journal record %s: %w", key, decodeErr)
				return false
			}
			records = append(records, rec)
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return records, nil
}
