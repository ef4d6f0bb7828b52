// Package auditstore — auditstore.go
//
// BoltDB-backed durable history of recovery outcomes and maintenance
// task runs, adapted near-directly from the teacher's
// internal/storage/bolt.go: same bucket-per-record-kind layout, same
// sortable-timestamp key scheme, same schema-version meta bucket and
// startup compatibility check. The baseline/anomaly-statistics bucket
// has no analogue here (this subsystem has no anomaly scorer) and is
// replaced by a maintenance-session bucket instead.
package auditstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/octoreflex/watchdog/internal/maintenance"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default retention period for recovery
	// and task-run history.
	DefaultRetentionDays = 30

	bucketRecoveryOutcomes    = "recovery_outcomes"
	bucketMaintenanceTasks    = "maintenance_tasks"
	bucketMaintenanceSessions = "maintenance_sessions"
	bucketMeta                = "meta"
)

// RecoveryOutcomeRecord is the persisted form of one Recovery Escalator
// outcome (internal/recovery.Outcome plus the context it ran in).
type RecoveryOutcomeRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	Level         int       `json:"level"`
	Success       bool      `json:"success"`
	HandedToHuman bool      `json:"handed_to_human"`
	Detail        string    `json:"detail"`
	Issues        []string  `json:"issues"`
}

// DB wraps a BoltDB instance with typed accessors for this subsystem's
// durable history. *DB satisfies internal/maintenance.AuditRecorder.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at path, initializing all
// required buckets and verifying the schema version.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("auditstore.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketRecoveryOutcomes, bucketMaintenanceTasks, bucketMaintenanceSessions, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialization failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("schema version mismatch: database has %q, this build requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// keyTimeLayout is RFC3339 with a fixed nine-digit fraction, so that
// keys of equal width sort lexically in time order.
const keyTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// sortableKey builds a lexicographically-sortable, chronologically
// ordered key: the UTC timestamp in keyTimeLayout, then the suffix.
func sortableKey(t time.Time, suffix string) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format(keyTimeLayout), suffix))
}

// RecordRecoveryOutcome appends a recovery outcome to durable history.
func (d *DB) RecordRecoveryOutcome(rec RecoveryOutcomeRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("RecordRecoveryOutcome marshal: %w", err)
	}
	key := sortableKey(rec.Timestamp, fmt.Sprintf("L%d", rec.Level))
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRecoveryOutcomes)).Put(key, data)
	})
}

// ReadRecoveryOutcomes returns all recorded recovery outcomes in
// chronological order.
func (d *DB) ReadRecoveryOutcomes() ([]RecoveryOutcomeRecord, error) {
	var out []RecoveryOutcomeRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRecoveryOutcomes)).ForEach(func(_, v []byte) error {
			var rec RecoveryOutcomeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// RecordTaskRun appends a maintenance task run to durable history,
// satisfying internal/maintenance.AuditRecorder.
func (d *DB) RecordTaskRun(_ context.Context, run maintenance.TaskRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("RecordTaskRun marshal: %w", err)
	}
	key := sortableKey(run.StartedAt, run.Name)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMaintenanceTasks)).Put(key, data)
	})
}

// ReadTaskRuns returns all recorded maintenance task runs in
// chronological order.
func (d *DB) ReadTaskRuns() ([]maintenance.TaskRun, error) {
	var out []maintenance.TaskRun
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMaintenanceTasks)).ForEach(func(_, v []byte) error {
			var rec maintenance.TaskRun
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// RecordSession appends a maintenance session to durable history,
// satisfying internal/maintenance.AuditRecorder.
func (d *DB) RecordSession(_ context.Context, s maintenance.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("RecordSession marshal: %w", err)
	}
	key := sortableKey(s.StartedAt, "session")
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMaintenanceSessions)).Put(key, data)
	})
}

// ReadSessions returns all recorded maintenance sessions in
// chronological order.
func (d *DB) ReadSessions() ([]maintenance.Session, error) {
	var out []maintenance.Session
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMaintenanceSessions)).ForEach(func(_, v []byte) error {
			var rec maintenance.Session
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Prune deletes recovery-outcome, maintenance-task-run and
// maintenance-session entries older than the configured retention
// window, mirroring the teacher's PruneOldLedgerEntries
// cursor-collect-then-delete loop (bbolt forbids deleting while a
// cursor iterates). Returns the total number deleted across all buckets.
func (d *DB) Prune() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffPrefix := cutoff.Format(keyTimeLayout)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		for _, bucketName := range []string{bucketRecoveryOutcomes, bucketMaintenanceTasks, bucketMaintenanceSessions} {
			b := tx.Bucket([]byte(bucketName))
			c := b.Cursor()
			var toDelete [][]byte
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if string(k) >= cutoffPrefix {
					break
				}
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				toDelete = append(toDelete, keyCopy)
			}
			for _, k := range toDelete {
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("Prune delete from %s: %w", bucketName, err)
				}
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}
