package extract

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"github.com/rotisserie/eris"
)

// readability needs a base URL to resolve relative links; extraction
// only uses the text so a placeholder is fine.
var readableBaseURL, _ = url.Parse("http://localhost/")

// LabelRegex extracts the first capture group of a regular expression
// applied to the payload. With readable=true the payload is first
// reduced to readable text, which strips script/nav noise from rendered
// pages before matching.
type LabelRegex struct {
	re       *regexp.Regexp
	readable bool
}

// NewLabelRegex compiles the pattern. The pattern must contain exactly
// one capture group; this is checked at registry load time, not per fetch.
func NewLabelRegex(pattern string, readable bool) (*LabelRegex, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, eris.Wrapf(err, "label-regex: compile %q", pattern)
	}
	if re.NumSubexp() != 1 {
		return nil, eris.Errorf("label-regex: pattern %q must have exactly one capture group, has %d", pattern, re.NumSubexp())
	}
	return &LabelRegex{re: re, readable: readable}, nil
}

func (l *LabelRegex) Name() string { return "label-regex" }

func (l *LabelRegex) Extract(raw []byte) (string, error) {
	text := raw
	if l.readable {
		article, err := readability.FromReader(bytes.NewReader(raw), readableBaseURL)
		if err == nil && article.TextContent != "" {
			text = []byte(article.TextContent)
		}
		// Fall back to the raw payload when readability can't parse it.
	}

	m := l.re.FindSubmatch(text)
	if m == nil {
		return "", &NotFoundError{Strategy: l.Name(), Detail: l.re.String()}
	}
	return strings.TrimSpace(string(m[1])), nil
}
