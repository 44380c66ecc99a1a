package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/consus-energy/lanzone-edge/pkg/log"
	"github.com/consus-energy/lanzone-edge/pkg/state"
	"github.com/consus-energy/lanzone-edge/pkg/types"
)

var (
	bucketStatic  = []byte("tasks_static")
	bucketDynamic = []byte("tasks_dynamic")
)

// dynamic keys are "<consus_id>|<service_day>"
const dynKeySep = "|"

// TaskStore persists task entries in a local bbolt file so schedules survive
// a process restart or a backend outage across midnight.
type TaskStore struct {
	db *bolt.DB
}

// OpenTaskStore opens (creating if needed) the task database at path.
func OpenTaskStore(path string) (*TaskStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketStatic, bucketDynamic} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	logger := log.WithComponent("storage")
	logger.Info().Str("path", path).Msg("task store opened")
	return &TaskStore{db: db}, nil
}

// Close closes the underlying database.
func (ts *TaskStore) Close() error {
	return ts.db.Close()
}

// SaveStatic stores the static task entry for a unit.
func (ts *TaskStore) SaveStatic(consusID string, e state.TaskEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal static task: %w", err)
	}
	return ts.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStatic).Put([]byte(consusID), data)
	})
}

// SaveDynamic stores a dynamic task entry keyed by (unit, service day).
func (ts *TaskStore) SaveDynamic(consusID string, e state.TaskEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal dynamic task: %w", err)
	}
	key := consusID + dynKeySep + string(e.ServiceDay)
	return ts.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDynamic).Put([]byte(key), data)
	})
}

// DeleteDynamic removes the dynamic entry for a (unit, service day) slot.
func (ts *TaskStore) DeleteDynamic(consusID string, day types.Day) error {
	key := consusID + dynKeySep + string(day)
	return ts.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDynamic).Delete([]byte(key))
	})
}

// Load reads every persisted entry. Entries that fail to decode are skipped;
// a corrupt record must not prevent startup.
func (ts *TaskStore) Load() (map[string]state.TaskEntry, map[string]map[types.Day]state.TaskEntry, error) {
	static := make(map[string]state.TaskEntry)
	dynamic := make(map[string]map[types.Day]state.TaskEntry)
	logger := log.WithComponent("storage")

	err := ts.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketStatic).ForEach(func(k, v []byte) error {
			var e state.TaskEntry
			if err := json.Unmarshal(v, &e); err != nil {
				logger.Warn().Err(err).Str("consus_id", string(k)).Msg("skipping corrupt static task record")
				return nil
			}
			static[string(k)] = e
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDynamic).ForEach(func(k, v []byte) error {
			sep := bytes.LastIndex(k, []byte(dynKeySep))
			if sep < 0 {
				return nil
			}
			id := string(k[:sep])
			var e state.TaskEntry
			if err := json.Unmarshal(v, &e); err != nil {
				logger.Warn().Err(err).Str("key", string(k)).Msg("skipping corrupt dynamic task record")
				return nil
			}
			if dynamic[id] == nil {
				dynamic[id] = make(map[types.Day]state.TaskEntry)
			}
			dynamic[id][e.ServiceDay] = e
			return nil
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load task store: %w", err)
	}
	return static, dynamic, nil
}
