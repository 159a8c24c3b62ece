// Package reports renders scheme and settlement data as downloadable
// CSV and JSON reports.
package reports

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"

	"github.com/civicstack/fundtrace/internal/models"
)

// Format selects the report encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat validates a format string, defaulting to CSV.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "csv":
		return FormatCSV, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported report format %q", s)
	}
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/csv"
}

// SchemesReport renders the scheme roster with utilization figures.
func SchemesReport(schemes []models.Scheme, format Format) ([]byte, error) {
	if format == FormatJSON {
		type row struct {
			models.Scheme
			RemainingFunds     string `json:"remainingFunds"`
			UtilizationPercent string `json:"utilizationPercent"`
		}
		rows := make([]row, 0, len(schemes))
		for i := range schemes {
			s := schemes[i]
			rows = append(rows, row{
				Scheme:             s,
				RemainingFunds:     s.RemainingFunds().String(),
				UtilizationPercent: s.UtilizationPercent().String(),
			})
		}
		return json.MarshalIndent(rows, "", "  ")
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"scheme_id", "name", "total_funds", "used_funds", "remaining_funds", "utilization_pct", "sync_state", "created_at"}); err != nil {
		return nil, err
	}
	for i := range schemes {
		s := schemes[i]
		record := []string{
			fmt.Sprintf("%d", s.SchemeID),
			s.Name,
			s.TotalFunds.String(),
			s.UsedFunds.String(),
			s.RemainingFunds().String(),
			s.UtilizationPercent().String(),
			string(s.SyncState),
			s.CreatedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// SettlementsReport renders the settlement history.
func SettlementsReport(settlements []models.Settlement, format Format) ([]byte, error) {
	if format == FormatJSON {
		return json.MarshalIndent(settlements, "", "  ")
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"settlement_id", "source", "scheme_id", "amount", "purpose", "executor", "reconciled_tx_hash", "recorded_at"}); err != nil {
		return nil, err
	}
	for i := range settlements {
		s := settlements[i]
		reconciled := ""
		if s.ReconciledTxHash != nil {
			reconciled = *s.ReconciledTxHash
		}
		record := []string{
			s.SettlementID,
			string(s.Source),
			fmt.Sprintf("%d", s.SchemeID),
			s.Amount.String(),
			s.Purpose,
			s.Executor,
			reconciled,
			s.RecordedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
