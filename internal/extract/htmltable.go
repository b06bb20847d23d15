package extract

import (
	"bytes"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
)

// TableByHeaders locates the HTML table whose header row contains the
// configured column names, then extracts the cell at (row key, column).
// The row key is matched against the first cell of each body row; an
// empty row key selects the first body row.
type TableByHeaders struct {
	columns []string // header names that identify the table
	rowKey  string
	column  string // column to extract
}

// NewTableByHeaders validates the column configuration.
func NewTableByHeaders(columns []string, rowKey, column string) (*TableByHeaders, error) {
	if len(columns) == 0 {
		return nil, eris.New("table-by-headers: no identifying columns")
	}
	if column == "" {
		return nil, eris.New("table-by-headers: no extraction column")
	}
	found := false
	for _, c := range columns {
		if headerEqual(c, column) {
			found = true
			break
		}
	}
	if !found {
		return nil, eris.Errorf("table-by-headers: extraction column %q not among identifying columns", column)
	}
	return &TableByHeaders{columns: columns, rowKey: rowKey, column: column}, nil
}

func (t *TableByHeaders) Name() string { return "table-by-headers" }

func (t *TableByHeaders) Extract(raw []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return "", eris.Wrap(err, "table-by-headers: parse html")
	}

	for _, table := range findTables(doc) {
		rows := tableRows(table)
		if len(rows) < 1 {
			continue
		}
		header := rows[0]
		idx := matchHeader(header, t.columns)
		if idx == nil {
			continue
		}
		col, ok := idx[normalizeHeader(t.column)]
		if !ok {
			continue
		}

		for _, row := range rows[1:] {
			if len(row) <= col {
				continue
			}
			if t.rowKey == "" || headerEqual(row[0], t.rowKey) {
				return strings.TrimSpace(row[col]), nil
			}
		}
	}

	return "", &NotFoundError{
		Strategy: t.Name(),
		Detail:   "table with columns " + strings.Join(t.columns, ","),
	}
}

// matchHeader returns a normalized-header → column-index map when the
// header row contains every wanted column, nil otherwise.
func matchHeader(header []string, wanted []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[normalizeHeader(h)] = i
	}
	for _, w := range wanted {
		if _, ok := idx[normalizeHeader(w)]; !ok {
			return nil
		}
	}
	return idx
}

func normalizeHeader(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func headerEqual(a, b string) bool {
	return normalizeHeader(a) == normalizeHeader(b)
}

func findTables(doc *html.Node) []*html.Node {
	var tables []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "table" {
			tables = append(tables, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return tables
}

// tableRows flattens a table node into rows of trimmed cell text,
// treating th and td alike.
func tableRows(table *html.Node) [][]string {
	var rows [][]string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
					cells = append(cells, strings.TrimSpace(nodeText(c)))
				}
			}
			if len(cells) > 0 {
				rows = append(rows, cells)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(table)
	return rows
}
