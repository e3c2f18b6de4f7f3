package ingest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// parseCSV maps each row after the header row to one record keyed by column
// name. Header names are trimmed; cell values are kept as written.
func parseCSV(data []byte) ([]map[string]string, error) {
	r := csv.NewReader(bytes.NewReader(data))

	header, err := r.Read()
	if err == io.EOF {
		return nil, ingestErr(ReasonMalformed, "empty CSV bundle")
	}
	if err != nil {
		return nil, ingestErr(ReasonMalformed, "csv header: %v", err)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF"))
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		columns[i] = h
	}

	var records []map[string]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, ingestErr(ReasonMalformed, "csv: %v", err)
		}
		rec := make(map[string]string, len(columns))
		for i, col := range columns {
			rec[col] = row[i]
		}
		records = append(records, rec)
	}
	return records, nil
}
