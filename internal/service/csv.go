package service

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"cardvault-backend/internal/domain"
)

// ParseImportCSV reads code,pin,expiry rows. A first row whose first cell is
// "code" is treated as a header. Short rows are padded; extra cells are ignored.
func ParseImportCSV(r io.Reader) ([]domain.ImportRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	var rows []domain.ImportRow
	first := true
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.NewValidationError("file", fmt.Sprintf("malformed csv: %v", err))
		}
		if first {
			first = false
			if len(rec) > 0 && strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(rec[0], "\ufeff")), "code") {
				continue
			}
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		row := domain.ImportRow{Code: cell(rec, 0), Pin: cell(rec, 1), Expiry: cell(rec, 2)}
		rows = append(rows, row)
	}
	return rows, nil
}

func cell(rec []string, i int) string {
	if i < len(rec) {
		return strings.TrimSpace(rec[i])
	}
	return ""
}
