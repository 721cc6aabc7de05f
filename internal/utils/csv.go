package utils

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"signalPilot/internal/domain"
)

var executionHeader = []string{
	"seq", "timestamp", "ticket", "symbol", "reference", "action",
	"price", "lots", "remaining_lots", "success", "error",
}

// WriteExecutions writes ledger records as CSV, one row per record.
func WriteExecutions(w io.Writer, records []domain.ExecutionRecord) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(executionHeader); err != nil {
		return err
	}
	for _, r := range records {
		if err := writer.Write([]string{
			strconv.FormatInt(r.Seq, 10),
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.Ticket,
			r.Symbol,
			r.Reference,
			string(r.Action),
			strconv.FormatFloat(r.Price, 'f', -1, 64),
			strconv.FormatFloat(r.Lots, 'f', -1, 64),
			strconv.FormatFloat(r.RemainingLots, 'f', -1, 64),
			strconv.FormatBool(r.Success),
			r.Error,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteExecutionsToCSV writes ledger records to filename, creating its directory.
func WriteExecutionsToCSV(records []domain.ExecutionRecord, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return WriteExecutions(file, records)
}
