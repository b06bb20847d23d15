package normalize

import "fmt"

const snippetLen = 80

// snippet trims a raw extracted value for inclusion in error text.
func snippet(raw string) string {
	if len(raw) <= snippetLen {
		return raw
	}
	return raw[:snippetLen] + "..."
}

// SchemaViolationError reports a required field missing from a payload
// that otherwise parsed. The artifact is rejected whole.
type SchemaViolationError struct {
	Adapter string
	Field   string
	Detail  string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("schema violation in %s: field %q: %s", e.Adapter, e.Field, e.Detail)
}

// ParseError reports a field that was present but could not be coerced
// to its declared type. Carries the raw value for diagnosis.
type ParseError struct {
	Adapter string
	Field   string
	Raw     string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: field %q: %v (raw %q)", e.Adapter, e.Field, e.Err, snippet(e.Raw))
}

func (e *ParseError) Unwrap() error { return e.Err }

// DriftError reports a drift-locked field whose extracted value no
// longer matches the pinned value. The source's page or API shape has
// changed; the artifact is rejected rather than trusted.
type DriftError struct {
	Adapter string
	Field   string
	Want    string
	Got     string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("drift detected in %s: field %q: locked %q, extracted %q", e.Adapter, e.Field, e.Want, snippet(e.Got))
}
