package store

import (
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/selfstart/selfstart/internal/fault"
)

// Bucket names for the relational tier.
var (
	bucketRules        = []byte("shutdown_rules")
	bucketShutdownLogs = []byte("shutdown_logs")
	bucketWebhooks     = []byte("webhooks")
	bucketWebhookLogs  = []byte("webhook_logs")
	bucketRestartMarks = []byte("restart_marks")
)

// Store is the BoltDB-backed tier for configuration that must survive a
// Redis flush: shutdown rules, their execution logs, webhook subscriptions
// and delivery logs, and pending restart marks.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path and ensures all buckets
// exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fault.Wrap(err, fault.StoreError, "open bolt db at %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketRules,
			bucketShutdownLogs,
			bucketWebhooks,
			bucketWebhookLogs,
			bucketRestartMarks,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fault.Wrap(err, fault.StoreError, "create buckets")
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRule inserts or updates a shutdown rule. New rules (ID zero) are
// assigned the bucket's next sequence number and a creation timestamp.
func (s *Store) SaveRule(r *ShutdownRule) error {
	if err := r.Validate(); err != nil {
		return fault.Wrap(err, fault.Validation, "invalid shutdown rule")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		now := time.Now().UTC()
		if r.ID == 0 {
			id, err := b.NextSequence()
			if err != nil {
				return fault.Wrap(err, fault.StoreError, "assign rule id")
			}
			r.ID = id
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		data, err := json.Marshal(r)
		if err != nil {
			return fault.Wrap(err, fault.Internal, "marshal rule %d", r.ID)
		}
		return b.Put(itob(r.ID), data)
	})
}

// GetRule loads one shutdown rule by id.
func (s *Store) GetRule(id uint64) (*ShutdownRule, error) {
	var r ShutdownRule
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRules).Get(itob(id))
		if v == nil {
			return fault.New(fault.NotFound, "shutdown rule %d not found", id)
		}
		return json.Unmarshal(v, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRules returns all shutdown rules in id order.
func (s *Store) ListRules() ([]*ShutdownRule, error) {
	var rules []*ShutdownRule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRules).ForEach(func(k, v []byte) error {
			var r ShutdownRule
			if err := json.Unmarshal(v, &r); err != nil {
				return nil // skip malformed records
			}
			rules = append(rules, &r)
			return nil
		})
	})
	return rules, err
}

// DeleteRule removes a shutdown rule.
func (s *Store) DeleteRule(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		if b.Get(itob(id)) == nil {
			return fault.New(fault.NotFound, "shutdown rule %d not found", id)
		}
		return b.Delete(itob(id))
	})
}

// AppendShutdownLog records one rule execution outcome.
func (s *Store) AppendShutdownLog(l *ShutdownLog) error {
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShutdownLogs)
		id, err := b.NextSequence()
		if err != nil {
			return fault.Wrap(err, fault.StoreError, "assign shutdown log id")
		}
		l.ID = id
		data, err := json.Marshal(l)
		if err != nil {
			return fault.Wrap(err, fault.Internal, "marshal shutdown log")
		}
		return b.Put(itob(id), data)
	})
}

// ListShutdownLogs returns the most recent execution logs, newest first,
// up to limit.
func (s *Store) ListShutdownLogs(limit int) ([]*ShutdownLog, error) {
	var logs []*ShutdownLog
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketShutdownLogs).Cursor()
		for k, v := c.Last(); k != nil && len(logs) < limit; k, v = c.Prev() {
			var l ShutdownLog
			if err := json.Unmarshal(v, &l); err != nil {
				continue
			}
			logs = append(logs, &l)
		}
		return nil
	})
	return logs, err
}

// ListShutdownLogsByRule returns execution logs for one rule, newest first,
// up to limit.
func (s *Store) ListShutdownLogsByRule(ruleID uint64, limit int) ([]*ShutdownLog, error) {
	var logs []*ShutdownLog
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketShutdownLogs).Cursor()
		for k, v := c.Last(); k != nil && len(logs) < limit; k, v = c.Prev() {
			var l ShutdownLog
			if err := json.Unmarshal(v, &l); err != nil {
				continue
			}
			if l.RuleID == ruleID {
				logs = append(logs, &l)
			}
		}
		return nil
	})
	return logs, err
}

// PruneShutdownLogs deletes execution logs older than cutoff. Returns the
// number of records removed.
func (s *Store) PruneShutdownLogs(cutoff time.Time) (int, error) {
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketShutdownLogs).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var l ShutdownLog
			if err := json.Unmarshal(v, &l); err != nil || l.Timestamp.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				pruned++
			}
		}
		return nil
	})
	return pruned, err
}

// SaveWebhook inserts or updates a webhook subscription.
func (s *Store) SaveWebhook(w *WebhookConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWebhooks)
		if w.ID == 0 {
			id, err := b.NextSequence()
			if err != nil {
				return fault.Wrap(err, fault.StoreError, "assign webhook id")
			}
			w.ID = id
			w.CreatedAt = time.Now().UTC()
		}
		data, err := json.Marshal(w)
		if err != nil {
			return fault.Wrap(err, fault.Internal, "marshal webhook %d", w.ID)
		}
		return b.Put(itob(w.ID), data)
	})
}

// GetWebhook loads one webhook subscription by id.
func (s *Store) GetWebhook(id uint64) (*WebhookConfig, error) {
	var w WebhookConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketWebhooks).Get(itob(id))
		if v == nil {
			return fault.New(fault.NotFound, "webhook %d not found", id)
		}
		return json.Unmarshal(v, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWebhooks returns all webhook subscriptions in id order.
func (s *Store) ListWebhooks() ([]*WebhookConfig, error) {
	var hooks []*WebhookConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWebhooks).ForEach(func(k, v []byte) error {
			var w WebhookConfig
			if err := json.Unmarshal(v, &w); err != nil {
				return nil
			}
			hooks = append(hooks, &w)
			return nil
		})
	})
	return hooks, err
}

// DeleteWebhook removes a webhook subscription. Its delivery logs are
// kept for audit.
func (s *Store) DeleteWebhook(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWebhooks)
		if b.Get(itob(id)) == nil {
			return fault.New(fault.NotFound, "webhook %d not found", id)
		}
		return b.Delete(itob(id))
	})
}

// AppendWebhookLog records one delivery attempt chain.
func (s *Store) AppendWebhookLog(l *WebhookLog) error {
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWebhookLogs)
		id, err := b.NextSequence()
		if err != nil {
			return fault.Wrap(err, fault.StoreError, "assign webhook log id")
		}
		l.ID = id
		data, err := json.Marshal(l)
		if err != nil {
			return fault.Wrap(err, fault.Internal, "marshal webhook log")
		}
		return b.Put(itob(id), data)
	})
}

// ListWebhookLogs returns delivery logs newest first, up to limit.
// A zero webhookID lists logs across all webhooks.
func (s *Store) ListWebhookLogs(webhookID uint64, limit int) ([]*WebhookLog, error) {
	var logs []*WebhookLog
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketWebhookLogs).Cursor()
		for k, v := c.Last(); k != nil && len(logs) < limit; k, v = c.Prev() {
			var l WebhookLog
			if err := json.Unmarshal(v, &l); err != nil {
				continue
			}
			if webhookID == 0 || l.WebhookID == webhookID {
				logs = append(logs, &l)
			}
		}
		return nil
	})
	return logs, err
}

// SetRestartMark schedules a container restart. One mark per container;
// saving again replaces the previous mark.
func (s *Store) SetRestartMark(m *RestartMark) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return fault.Wrap(err, fault.Internal, "marshal restart mark for %s", m.ContainerName)
		}
		return tx.Bucket(bucketRestartMarks).Put([]byte(m.ContainerName), data)
	})
}

// DueRestartMarks returns all marks whose scheduled time has passed.
func (s *Store) DueRestartMarks(now time.Time) ([]*RestartMark, error) {
	var due []*RestartMark
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRestartMarks).ForEach(func(k, v []byte) error {
			var m RestartMark
			if err := json.Unmarshal(v, &m); err != nil {
				return nil
			}
			if !m.At.After(now) {
				due = append(due, &m)
			}
			return nil
		})
	})
	return due, err
}

// ClearRestartMark removes the restart mark for a container, if any.
func (s *Store) ClearRestartMark(container string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRestartMarks).Delete([]byte(container))
	})
}

// itob encodes a bucket sequence id as a big-endian key so records
// iterate in insertion order.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
