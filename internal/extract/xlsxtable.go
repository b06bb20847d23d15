package extract

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXTable extracts a cell from a spreadsheet payload by (row key,
// column), identifying the header row by the configured column names.
// Used for sources that publish flow tables as downloadable sheets.
type XLSXTable struct {
	sheet   string // empty = first sheet
	columns []string
	rowKey  string
	column  string
}

// NewXLSXTable validates the column configuration.
func NewXLSXTable(sheet string, columns []string, rowKey, column string) (*XLSXTable, error) {
	if len(columns) == 0 {
		return nil, eris.New("xlsx-table: no identifying columns")
	}
	if column == "" {
		return nil, eris.New("xlsx-table: no extraction column")
	}
	return &XLSXTable{sheet: sheet, columns: columns, rowKey: rowKey, column: column}, nil
}

func (x *XLSXTable) Name() string { return "xlsx-table" }

func (x *XLSXTable) Extract(raw []byte) (string, error) {
	f, err := xlsx.OpenBinary(raw)
	if err != nil {
		return "", eris.Wrap(err, "xlsx-table: open workbook")
	}

	sheet, err := x.pickSheet(f)
	if err != nil {
		return "", err
	}

	var headerIdx map[string]int
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}

		if headerIdx == nil {
			headerIdx = matchHeader(cells, x.columns)
			continue
		}

		col, ok := headerIdx[normalizeHeader(x.column)]
		if !ok || len(cells) <= col {
			continue
		}
		if x.rowKey == "" || (len(cells) > 0 && headerEqual(cells[0], x.rowKey)) {
			return strings.TrimSpace(cells[col]), nil
		}
	}

	return "", &NotFoundError{
		Strategy: x.Name(),
		Detail:   "sheet row with columns " + strings.Join(x.columns, ","),
	}
}

func (x *XLSXTable) pickSheet(f *xlsx.File) (*xlsx.Sheet, error) {
	if x.sheet != "" {
		sheet, ok := f.Sheet[x.sheet]
		if !ok {
			return nil, eris.Errorf("xlsx-table: sheet %q not found", x.sheet)
		}
		return sheet, nil
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("xlsx-table: workbook has no sheets")
	}
	return f.Sheets[0], nil
}
