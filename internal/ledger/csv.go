package ledger

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMissingColumn is returned when a required CSV header is absent
var ErrMissingColumn = errors.New("missing column")

var requiredColumns = []string{"date", "amount", "description"}

// headerAliases maps common German bank export headers onto column names
var headerAliases = map[string]string{
	"buchungstag":      "date",
	"buchungsdatum":    "date",
	"datum":            "date",
	"betrag":           "amount",
	"umsatz":           "amount",
	"verwendungszweck": "description",
	"buchungstext":     "description",
	"beschreibung":     "description",
	"konto":            "account",
	"iban":             "account",
}

// ParseCSV reads ledger rows from CSV with a header row. Columns are matched
// by name, case-insensitively, with German bank headers such as Buchungstag
// and Betrag accepted as aliases: date, amount and description are required;
// account, id and direction are optional. Semicolon-separated files are
// detected from the header.
func ParseCSV(r io.Reader) ([]Row, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading csv: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = detectDelimiter(data)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		if alias, ok := headerAliases[name]; ok {
			name = alias
		}
		if _, seen := columns[name]; !seen {
			columns[name] = i
		}
	}
	for _, name := range requiredColumns {
		if _, ok := columns[name]; !ok {
			return nil, fmt.Errorf("%s: %w", name, ErrMissingColumn)
		}
	}

	field := func(record []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv: %w", err)
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		rows = append(rows, Row{
			Date:        field(record, "date"),
			Amount:      field(record, "amount"),
			Description: field(record, "description"),
			Account:     field(record, "account"),
			ID:          field(record, "id"),
			Direction:   field(record, "direction"),
		})
	}
	return rows, nil
}

func detectDelimiter(data []byte) rune {
	line, _, _ := bytes.Cut(data, []byte("\n"))
	if bytes.Count(line, []byte(";")) > bytes.Count(line, []byte(",")) {
		return ';'
	}
	return ','
}
