package runtime

import (
	"encoding/json"
	"fmt"
	"time"

	pebblestore "github.com/rzbill/santa/internal/storage/pebble"
)

// SchemaVersion is bumped whenever a persisted record layout changes.
const SchemaVersion = 1

// Instance describes the data directory: when it was created and which
// record layout it holds.
type Instance struct {
	CreatedAtMs   int64  `json:"createdAtMs"`
	SchemaVersion int    `json:"schemaVersion"`
	QueueName     string `json:"queueName"`
}

var instanceKey = []byte("meta/instance")

// ensureInstance creates the instance record if absent and returns the
// effective one. A record written by a newer schema is rejected.
func ensureInstance(db *pebblestore.DB, queueName string, now time.Time) (Instance, error) {
	if b, err := db.Get(instanceKey); err == nil && len(b) > 0 {
		var m Instance
		if err := json.Unmarshal(b, &m); err == nil {
			if m.SchemaVersion > SchemaVersion {
				return Instance{}, fmt.Errorf("data dir schema v%d is newer than supported v%d", m.SchemaVersion, SchemaVersion)
			}
			return m, nil
		}
		// fallthrough to rewrite if corrupted
	} else if err != nil && !pebblestore.IsNotFound(err) {
		return Instance{}, err
	}
	m := Instance{
		CreatedAtMs:   now.UnixMilli(),
		SchemaVersion: SchemaVersion,
		QueueName:     queueName,
	}
	b, err := json.Marshal(m)
	if err != nil {
		return Instance{}, err
	}
	if err := db.Set(instanceKey, b); err != nil {
		return Instance{}, err
	}
	return m, nil
}
