package audit

import "time"

// Action identifies what happened to a record.
type Action string

const (
	ActionCreated        Action = "created"
	ActionUpdated        Action = "updated"
	ActionDeleted        Action = "deleted"
	ActionPurged         Action = "purged"
	ActionKeyRotated     Action = "key_rotated"
	ActionCorruptFlagged Action = "corrupt_flagged"
)

// Entry is one row of the on-device audit trail. The trail stores only
// non-identifying metadata in the clear; priority is denormalized so entries
// stay readable after the record itself has been purged.
type Entry struct {
	ID         int64     `json:"id"`
	RecordID   string    `json:"record_id"`
	Action     Action    `json:"action"`
	Revision   int64     `json:"revision"`
	Priority   string    `json:"priority,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Filter narrows List queries. Zero fields match everything.
type Filter struct {
	RecordID string
	Action   Action
}
