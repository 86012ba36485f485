package ledger

import (
	"slices"
	"strings"
	"time"
)

// FormatVersion is written into persisted state and exports.
const FormatVersion = "1.0"

// FusionInput is the caller-supplied data for one fusion (badge mint) event.
type FusionInput struct {
	SubjectID      string   `json:"subjectId"`
	OwnerRef       string   `json:"ownerRef"`
	ContentRef     string   `json:"contentRef"`
	IntegrityProof string   `json:"integrityProof"`
	PillarCount    int      `json:"pillarCount"`
	TierLevel      int      `json:"tierLevel"`
	GuardianRefs   []string `json:"guardianRefs"`
}

// Validate checks that every required field is present.
// GuardianRefs may be empty.
func (in FusionInput) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"subjectId", in.SubjectID},
		{"ownerRef", in.OwnerRef},
		{"contentRef", in.ContentRef},
		{"integrityProof", in.IntegrityProof},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return NewValidationError(r.field, "is required")
		}
	}
	if in.PillarCount <= 0 {
		return NewValidationError("pillarCount", "must be positive")
	}
	if in.TierLevel <= 0 {
		return NewValidationError("tierLevel", "must be positive")
	}
	return nil
}

// Record is one committed fusion event. Every field except BroadcastConfirmed is
// immutable once committed.
type Record struct {
	ID                 string    `json:"id"`
	SubjectID          string    `json:"subjectId"`
	OwnerRef           string    `json:"ownerRef"`
	ContentRef         string    `json:"contentRef"`
	IntegrityProof     string    `json:"integrityProof"`
	CreatedAt          time.Time `json:"createdAt"`
	PillarCount        int       `json:"pillarCount"`
	TierLevel          int       `json:"tierLevel"`
	GuardianRefs       []string  `json:"guardianRefs"`
	RecordDigest       string    `json:"recordDigest"`
	BroadcastConfirmed bool      `json:"broadcastConfirmed"`
}

// digestFields returns the fields that feed RecordDigest, in order.
func (r Record) digestFields() []string {
	return []string{r.SubjectID, r.OwnerRef, r.ContentRef, r.IntegrityProof}
}

// clone returns a copy that shares no slices with r.
func (r Record) clone() Record {
	r.GuardianRefs = slices.Clone(r.GuardianRefs)
	if r.GuardianRefs == nil {
		r.GuardianRefs = []string{}
	}
	return r
}

// Metadata summarizes the ledger.
type Metadata struct {
	Version         string     `json:"version"`
	TotalEntries    int        `json:"totalEntries"`
	IntegrityDigest string     `json:"integrityDigest"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastCommitAt    *time.Time `json:"lastCommitAt,omitempty"`
	LastConfirmedAt *time.Time `json:"lastConfirmedAt,omitempty"`
}

func (m Metadata) clone() Metadata {
	if m.LastCommitAt != nil {
		t := *m.LastCommitAt
		m.LastCommitAt = &t
	}
	if m.LastConfirmedAt != nil {
		t := *m.LastConfirmedAt
		m.LastConfirmedAt = &t
	}
	return m
}

// Stats is a point-in-time count of ledger records.
type Stats struct {
	Total     int `json:"total"`
	Confirmed int `json:"confirmed"`
	Pending   int `json:"pending"`
	Owners    int `json:"owners"`
}

// state is the persisted layout under storage.KeyLedger.
type state struct {
	Metadata Metadata `json:"metadata"`
	Entries  []Record `json:"entries"`
}
