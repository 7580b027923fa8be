package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// FieldChange is one entry of a structured before/after diff. Serialization
// happens here at the boundary; domain code never formats change text.
type FieldChange struct {
	Field string `json:"field"`
	Old   any    `json:"old,omitempty"`
	New   any    `json:"new,omitempty"`
}

// Recorder appends immutable change records. Records are written inside the
// caller's transaction so the audit row commits or rolls back with the
// mutation it describes.
type Recorder struct {
	DB  *sql.DB
	Now func() time.Time
}

// Record appends one audit entry for a logical mutation.
func (r Recorder) Record(ctx context.Context, tx *sql.Tx, table, recordID, action, actorID, description string, changes []FieldChange) error {
	if r.Now == nil {
		r.Now = time.Now
	}
	ts := r.Now().UTC().Format(time.RFC3339)
	var changesJSON any
	if len(changes) > 0 {
		data, err := json.Marshal(changes)
		if err != nil {
			return fmt.Errorf("marshal audit changes: %w", err)
		}
		changesJSON = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_log(table_name,record_id,action,changes_json,actor_id,ts,description) VALUES (?,?,?,?,?,?,?)`,
		table, recordID, action, changesJSON, actorID, ts, nullable(description))
	return err
}

// Change records a field diff only when the value actually changed.
func Change(changes []FieldChange, field string, oldV, newV any) []FieldChange {
	if oldV == newV {
		return changes
	}
	return append(changes, FieldChange{Field: field, Old: oldV, New: newV})
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
