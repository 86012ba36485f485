package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExportMetadata is the envelope header of an export.
type ExportMetadata struct {
	Version         string     `json:"version"`
	Exported        time.Time  `json:"exported"`
	TotalEntries    int        `json:"totalEntries"`
	IntegrityDigest string     `json:"integrityDigest"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastCommitAt    *time.Time `json:"lastCommitAt,omitempty"`
	Verified        bool       `json:"verified"`
}

// Export is the document produced by ExportJSON.
type Export struct {
	Metadata ExportMetadata `json:"metadata"`
	Entries  []Record       `json:"entries"`
}

// Snapshot builds the export document.
func (l *Ledger) Snapshot() Export {
	l.mu.RLock()
	defer l.mu.RUnlock()

	verified := l.verifyLocked()
	md := l.metadata.clone()
	entries := make([]Record, len(l.records))
	for i, r := range l.records {
		entries[i] = r.clone()
	}
	return Export{
		Metadata: ExportMetadata{
			Version:         md.Version,
			Exported:        l.now(),
			TotalEntries:    md.TotalEntries,
			IntegrityDigest: md.IntegrityDigest,
			CreatedAt:       md.CreatedAt,
			LastCommitAt:    md.LastCommitAt,
			Verified:        verified,
		},
		Entries: entries,
	}
}

// ExportJSON serializes metadata and all records with a stable field order.
func (l *Ledger) ExportJSON() ([]byte, error) {
	data, err := json.MarshalIndent(l.Snapshot(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal ledger export: %w", err)
	}
	return data, nil
}
