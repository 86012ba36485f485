package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/c360studio/fusionledger/broadcast"
	"github.com/c360studio/fusionledger/ledger"
)

var (
	confirmedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	rejectedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	headerStyle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle      = lipgloss.NewStyle().Padding(0, 1)
)

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func statusText(s broadcast.Status) string {
	switch s {
	case broadcast.StatusConfirmed:
		return confirmedStyle.Render(string(s))
	case broadcast.StatusRejected:
		return rejectedStyle.Render(string(s))
	default:
		return pendingStyle.Render(string(s))
	}
}

func printRecords(w io.Writer, records []ledger.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No records.")
		return err
	}
	t := newTable("ID", "OWNER", "SUBJECT", "PILLARS", "TIER", "BROADCAST", "CREATED")
	for _, r := range records {
		confirmed := pendingStyle.Render("unconfirmed")
		if r.BroadcastConfirmed {
			confirmed = confirmedStyle.Render("confirmed")
		}
		t.Row(r.ID, r.OwnerRef, r.SubjectID,
			strconv.Itoa(r.PillarCount), strconv.Itoa(r.TierLevel),
			confirmed, r.CreatedAt.Format(time.RFC3339))
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func printAttempts(w io.Writer, attempts []broadcast.Attempt) error {
	if len(attempts) == 0 {
		_, err := fmt.Fprintln(w, "No broadcasts.")
		return err
	}
	t := newTable("BROADCAST", "RECORD", "OWNER", "CLASS", "STATUS", "ATTEMPT", "NODES", "REASON")
	for _, a := range attempts {
		nodes, reason := "-", ""
		if a.Receipt != nil {
			nodes = strconv.Itoa(a.Receipt.NetworkNodes)
			reason = a.Receipt.Reason
		}
		t.Row(a.BroadcastID, a.Payload.RecordID, a.Payload.OwnerRef,
			string(a.Payload.Classification), statusText(a.Status),
			strconv.Itoa(a.AttemptNumber), nodes, reason)
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func printReceipt(w io.Writer, r broadcast.Receipt) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", r.BroadcastID, statusText(r.Status))
	fmt.Fprintf(&b, " (nodes: %d, consensus: %t)", r.NetworkNodes, r.ConsensusReached)
	if r.Reason != "" {
		fmt.Fprintf(&b, ": %s", r.Reason)
	}
	_, err := fmt.Fprintln(w, b.String())
	return err
}
