package broadcast

import (
	"slices"
	"strings"
	"time"

	"github.com/c360studio/fusionledger/ledger"
)

// Classification labels a payload for routing on the network.
type Classification string

const (
	// ClassGenesis marks records whose pillar count reached Policy.MaxPillars.
	ClassGenesis Classification = "genesis"
	// ClassStandard is every other record.
	ClassStandard Classification = "standard"
)

// Status is the state of one broadcast attempt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

// Rejection reasons recorded on receipts.
const (
	ReasonQuorum      = "quorum not reached"
	ReasonNetwork     = "rejected by network"
	ReasonCanceled    = "canceled"
	ReasonInterrupted = "interrupted"
)

// Payload is what gets propagated to peers for one ledger record.
type Payload struct {
	RecordID       string         `json:"recordId"`
	SubjectID      string         `json:"subjectId"`
	OwnerRef       string         `json:"ownerRef"`
	ContentRef     string         `json:"contentRef"`
	IntegrityProof string         `json:"integrityProof"`
	PillarCount    int            `json:"pillarCount"`
	TierLevel      int            `json:"tierLevel"`
	GuardianRefs   []string       `json:"guardianRefs"`
	RecordDigest   string         `json:"recordDigest"`
	Classification Classification `json:"classification"`
	ContentAddress string         `json:"contentAddress,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// NewPayload builds the payload for rec.
func NewPayload(rec ledger.Record, maxPillars int, now time.Time) Payload {
	class := ClassStandard
	if maxPillars > 0 && rec.PillarCount >= maxPillars {
		class = ClassGenesis
	}
	p := Payload{
		RecordID:       rec.ID,
		SubjectID:      rec.SubjectID,
		OwnerRef:       rec.OwnerRef,
		ContentRef:     rec.ContentRef,
		IntegrityProof: rec.IntegrityProof,
		PillarCount:    rec.PillarCount,
		TierLevel:      rec.TierLevel,
		GuardianRefs:   rec.GuardianRefs,
		RecordDigest:   rec.RecordDigest,
		Classification: class,
		Timestamp:      now,
	}
	return p.clone()
}

// Validate checks the fields a peer needs to identify the record.
func (p Payload) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"recordId", p.RecordID},
		{"subjectId", p.SubjectID},
		{"ownerRef", p.OwnerRef},
		{"contentRef", p.ContentRef},
		{"integrityProof", p.IntegrityProof},
		{"recordDigest", p.RecordDigest},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return ledger.NewValidationError(r.field, "is required")
		}
	}
	if p.PillarCount <= 0 {
		return ledger.NewValidationError("pillarCount", "must be positive")
	}
	return nil
}

func (p Payload) clone() Payload {
	p.GuardianRefs = slices.Clone(p.GuardianRefs)
	if p.GuardianRefs == nil {
		p.GuardianRefs = []string{}
	}
	return p
}

// Receipt is the outcome of one network round trip.
type Receipt struct {
	BroadcastID      string    `json:"broadcastId"`
	Confirmed        bool      `json:"confirmed"`
	ConsensusReached bool      `json:"consensusReached"`
	NetworkNodes     int       `json:"networkNodes"`
	Timestamp        time.Time `json:"timestamp"`
	Status           Status    `json:"status"`
	Reason           string    `json:"reason,omitempty"`
}

// Attempt is one entry of the broadcast history. Retries append new attempts; an attempt
// moves from pending to confirmed or rejected exactly once.
type Attempt struct {
	BroadcastID   string     `json:"broadcastId"`
	RetryOf       string     `json:"retryOf,omitempty"`
	AttemptNumber int        `json:"attemptNumber"`
	Status        Status     `json:"status"`
	Payload       Payload    `json:"payload"`
	Receipt       *Receipt   `json:"receipt,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

func (a Attempt) clone() Attempt {
	a.Payload = a.Payload.clone()
	if a.Receipt != nil {
		r := *a.Receipt
		a.Receipt = &r
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		a.CompletedAt = &t
	}
	return a
}

// Stats is a point-in-time count of attempts by status.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Confirmed int `json:"confirmed"`
	Rejected  int `json:"rejected"`
	Retries   int `json:"retries"`
}
