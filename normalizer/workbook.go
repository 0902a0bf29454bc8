package normalizer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// headerRow is the spreadsheet row holding column names; data starts below it.
const headerRow = 1

// ErrEmptySheet is returned when a file has no header row.
var ErrEmptySheet = errors.New("sheet has no header row")

// Sheet is a parsed price list: the header and one map per data row keyed by
// header. FirstRow is the spreadsheet row number of Rows[0].
type Sheet struct {
	Headers  []string
	Rows     []map[string]string
	FirstRow int
}

// ReadFile reads a price list, choosing the format by file extension.
// .xlsx/.xlsm/.xltx are read with excelize, everything else as CSV.
func ReadFile(name string, r io.Reader) (*Sheet, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm", ".xltx", ".xltm":
		return ReadWorkbook(r, "")
	default:
		return ReadCSV(r)
	}
}

// ReadWorkbook reads the named sheet of an Excel workbook, or the first sheet
// when sheet is empty.
func ReadWorkbook(r io.Reader, sheet string) (*Sheet, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, ErrEmptySheet
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}
	return toSheet(rows)
}

// ReadCSV reads a comma or semicolon separated price list.
func ReadCSV(r io.Reader) (*Sheet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}

	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.Comma = sniffDelimiter(string(data))

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv: %w", err)
	}
	return toSheet(rows)
}

// sniffDelimiter picks ';' when the header line uses it more than ','.
// European exports use ';' because ',' is the decimal mark.
func sniffDelimiter(data string) rune {
	first := data
	if i := strings.IndexByte(data, '\n'); i >= 0 {
		first = data[:i]
	}
	if strings.Count(first, ";") > strings.Count(first, ",") {
		return ';'
	}
	return ','
}

func toSheet(rows [][]string) (*Sheet, error) {
	if len(rows) == 0 {
		return nil, ErrEmptySheet
	}

	headers := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		headers[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	sheet := &Sheet{Headers: headers, FirstRow: headerRow + 1}
	for _, raw := range rows[1:] {
		if blank(raw) {
			// keep numbering aligned with the spreadsheet
			sheet.Rows = append(sheet.Rows, map[string]string{})
			continue
		}
		row := make(map[string]string, len(headers))
		for i, h := range headers {
			if h == "" {
				continue
			}
			if i < len(raw) {
				row[h] = raw[i]
			} else {
				row[h] = ""
			}
		}
		sheet.Rows = append(sheet.Rows, row)
	}

	// trailing blank rows are not data
	for len(sheet.Rows) > 0 && len(sheet.Rows[len(sheet.Rows)-1]) == 0 {
		sheet.Rows = sheet.Rows[:len(sheet.Rows)-1]
	}
	return sheet, nil
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
