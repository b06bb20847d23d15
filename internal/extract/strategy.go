// Package extract implements the closed set of field extraction
// strategies an adapter rule can reference: json-path, label-regex,
// css-select, table-by-headers, and xlsx-table. Strategies are compiled
// once when the adapter registry loads, not per fetch.
package extract

import "fmt"

// Strategy pulls one raw field value out of a fetched payload. The
// returned string is untyped; the normalizer applies parse transforms
// afterwards.
type Strategy interface {
	Extract(raw []byte) (string, error)
	Name() string
}

// NotFoundError reports that the strategy matched nothing in the payload.
type NotFoundError struct {
	Strategy string
	Detail   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: no match: %s", e.Strategy, e.Detail)
}
