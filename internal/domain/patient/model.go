package patient

import (
	"time"

	"github.com/fieldtriage/fieldtriage/internal/domain/triage"
)

// Demographics holds the identifying fields of a record. They exist only
// inside the encrypted payload, never in a clear column.
type Demographics struct {
	Name      string `json:"name,omitempty"`
	ApproxAge *int   `json:"approx_age,omitempty"`
	Sex       string `json:"sex,omitempty"`
	TagNumber string `json:"tag_number,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// Record is a fully decrypted patient record.
type Record struct {
	ID           string                `json:"id"`
	Demographics Demographics          `json:"demographics"`
	Vitals       triage.VitalsSnapshot `json:"vitals"`
	Priority     triage.Priority       `json:"priority"`
	Trace        triage.ReasoningTrace `json:"trace,omitempty"`
	Revision     int64                 `json:"revision"`
	Deleted      bool                  `json:"deleted,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// Intake is the input to Create.
type Intake struct {
	Demographics Demographics          `json:"demographics"`
	Vitals       triage.VitalsSnapshot `json:"vitals"`
}

// UpdateIntake is the input to Update. BaseRevision is the revision the
// caller's copy of the record was loaded at; the write fails with ErrConflict
// when the stored record has moved past it.
type UpdateIntake struct {
	BaseRevision int64                 `json:"base_revision"`
	Demographics Demographics          `json:"demographics"`
	Vitals       triage.VitalsSnapshot `json:"vitals"`
}

// recordPayload is the plaintext serialized into the encrypted blob. It
// carries its own copy of the priority so the authoritative value is covered
// by the authentication tag; the clear index column is a query convenience.
type recordPayload struct {
	Demographics Demographics          `json:"demographics"`
	Vitals       triage.VitalsSnapshot `json:"vitals"`
	Priority     triage.Priority       `json:"priority"`
	Trace        triage.ReasoningTrace `json:"trace,omitempty"`
}

// StoredRecord is a row as the store sees it: clear index columns plus the
// opaque ciphertext.
type StoredRecord struct {
	ID         string
	Priority   triage.Priority
	Revision   int64
	Deleted    bool
	Corrupt    bool
	Ciphertext []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RecordSummary exposes only the clear index columns, so listing a large
// roster never requires decryption.
type RecordSummary struct {
	ID        string          `json:"id"`
	Priority  triage.Priority `json:"priority"`
	Revision  int64           `json:"revision"`
	Deleted   bool            `json:"deleted,omitempty"`
	Corrupt   bool            `json:"corrupt,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ListFilter narrows List, Walk and All. The zero value selects active,
// intact records of every priority.
type ListFilter struct {
	Priority       triage.Priority
	IncludeDeleted bool
	IncludeCorrupt bool
}

// Stats summarizes the roster from index columns alone.
type Stats struct {
	ByPriority map[triage.Priority]int `json:"by_priority"`
	Active     int                     `json:"active"`
	Deleted    int                     `json:"deleted"`
	Corrupt    int                     `json:"corrupt"`
}

// VerifyReport is the outcome of an integrity sweep.
type VerifyReport struct {
	Checked        int      `json:"checked"`
	Flagged        []string `json:"flagged,omitempty"`
	AlreadyFlagged int      `json:"already_flagged"`
}
