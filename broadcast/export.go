package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/fusionledger/ledger"
)

// ExportMetadata is the envelope header of a broadcast log export.
type ExportMetadata struct {
	Version         string    `json:"version"`
	Exported        time.Time `json:"exported"`
	TotalBroadcasts int       `json:"totalBroadcasts"`
	Confirmed       int       `json:"confirmed"`
	Rejected        int       `json:"rejected"`
	Pending         int       `json:"pending"`
}

// Export is the document produced by ExportLog.
type Export struct {
	Metadata   ExportMetadata `json:"metadata"`
	Broadcasts []Attempt      `json:"broadcasts"`
}

// Snapshot builds the export document.
func (c *Coordinator) Snapshot() Export {
	history := c.History()
	md := ExportMetadata{
		Version:         ledger.FormatVersion,
		Exported:        c.now(),
		TotalBroadcasts: len(history),
	}
	for _, a := range history {
		switch a.Status {
		case StatusConfirmed:
			md.Confirmed++
		case StatusRejected:
			md.Rejected++
		case StatusPending:
			md.Pending++
		}
	}
	return Export{Metadata: md, Broadcasts: history}
}

// ExportLog serializes every attempt with a stable field order.
func (c *Coordinator) ExportLog() ([]byte, error) {
	data, err := json.MarshalIndent(c.Snapshot(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal broadcast export: %w", err)
	}
	return data, nil
}
