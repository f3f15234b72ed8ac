// Package recipient loads and validates the CSV recipient list.
package recipient

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// requiredColumns are the header columns every recipient CSV must carry.
// Additional columns are allowed and become part of the substitution namespace.
var requiredColumns = []string{"email", "firstname", "company", "cc", "bcc", "attachment"}

// Record is one validated recipient row. Records are immutable after load.
type Record struct {
	Email       string
	Firstname   string
	Company     string
	Cc          string
	Bcc         string
	Attachments []string

	fields map[string]string
}

// Fields returns the full column→value map for this row, used as the
// template substitution namespace. The returned map is a copy.
func (r Record) Fields() map[string]string {
	out := make(map[string]string, len(r.fields))
	for k, v := range r.fields {
		out[k] = v
	}
	return out
}

// Load reads the recipient CSV at path and returns the records in file order.
// Missing required headers or an unreadable file are load failures.
// Rows with an empty email cell are skipped with a warning.
func Load(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recipient csv: %w", err)
	}
	defer f.Close()

	return parse(f, path)
}

func parse(r io.Reader, name string) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	// Ragged rows are tolerated: short rows read as empty cells, extra
	// cells beyond the header are dropped.
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("recipient csv %s is empty", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	columns := make([]string, len(header))
	index := make(map[string]int, len(header))
	for i, col := range header {
		col = strings.ToLower(strings.TrimSpace(col))
		columns[i] = col
		index[col] = i
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("recipient csv %s is missing required columns: %s",
			name, strings.Join(missing, ", "))
	}

	var records []Record
	row := 1
	for {
		row++
		raw, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv row %d: %w", row, err)
		}

		fields := make(map[string]string, len(columns))
		for i, col := range columns {
			if i < len(raw) {
				fields[col] = strings.TrimSpace(raw[i])
			} else {
				fields[col] = ""
			}
		}

		if fields["email"] == "" {
			slog.Warn("skipping recipient row with empty email", "row", row)
			continue
		}

		records = append(records, Record{
			Email:       fields["email"],
			Firstname:   fields["firstname"],
			Company:     fields["company"],
			Cc:          fields["cc"],
			Bcc:         fields["bcc"],
			Attachments: SplitList(fields["attachment"]),
			fields:      fields,
		})
	}

	return records, nil
}

// SplitList splits a comma-separated cell into trimmed entries,
// dropping empties. An empty cell yields a nil slice.
func SplitList(cell string) []string {
	if strings.TrimSpace(cell) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(cell, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
