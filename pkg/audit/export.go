package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ExportFormat names an export encoding
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatNDJSON ExportFormat = "ndjson"
	ExportFormatCSV    ExportFormat = "csv"
)

// Valid reports whether f is a supported format
func (f ExportFormat) Valid() bool {
	switch f {
	case ExportFormatJSON, ExportFormatNDJSON, ExportFormatCSV:
		return true
	}
	return false
}

// ContentType returns the MIME type for the format
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatCSV:
		return "text/csv"
	case ExportFormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

// Export encodes entries in format
func Export(entries []HistoryEntry, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatJSON:
		return exportJSON(entries)
	case ExportFormatNDJSON:
		return exportNDJSON(entries)
	case ExportFormatCSV:
		return exportCSV(entries)
	default:
		return nil, &ValidationError{Field: "format", Message: fmt.Sprintf("unsupported export format %q", format)}
	}
}

func exportJSON(entries []HistoryEntry) ([]byte, error) {
	if entries == nil {
		entries = []HistoryEntry{}
	}
	return json.MarshalIndent(entries, "", "  ")
}

func exportNDJSON(entries []HistoryEntry) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return nil, fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	return buf.Bytes(), nil
}

var csvHeader = []string{
	"id",
	"createdAt",
	"tableName",
	"recordId",
	"fieldName",
	"action",
	"trigger",
	"userId",
	"userEmail",
	"organisationId",
	"oldValue",
	"newValue",
	"reason",
	"requestId",
	"isError",
}

func exportCSV(entries []HistoryEntry) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range entries {
		oldValue, err := csvValue(e.OldValue)
		if err != nil {
			return nil, err
		}
		newValue, err := csvValue(e.NewValue)
		if err != nil {
			return nil, err
		}

		record := []string{
			e.ID,
			e.CreatedAt.UTC().Format(time.RFC3339Nano),
			e.TableName,
			e.RecordID,
			e.FieldName,
			string(e.Action),
			string(e.Trigger),
			deref(e.UserID),
			deref(e.UserEmail),
			deref(e.OrganisationID),
			oldValue,
			newValue,
			deref(e.Reason),
			deref(e.RequestID),
			strconv.FormatBool(e.IsError),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// csvValue writes values as JSON so strings and numbers stay distinguishable;
// a missing value is an empty cell.
func csvValue(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}
	return string(data), nil
}
