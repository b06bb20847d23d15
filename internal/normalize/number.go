package normalize

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cast"
)

var scaleSuffixes = map[byte]float64{
	'K': 1e3,
	'M': 1e6,
	'B': 1e9,
	'T': 1e12,
}

// ParseNumber coerces the loose numeric formats sources actually emit:
// "12,345.6", "$-120.5B", "+1.2M", "93 421", " 7 ". Scale suffixes are
// case-insensitive. Percent signs are stripped; callers that declared
// parse=percent divide by 100 afterwards.
func ParseNumber(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, eris.New("empty value")
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimPrefix(s, "€")
	s = strings.TrimPrefix(s, "£")
	if s != "" && s[0] == '-' { // "$-120.5B"
		neg = true
		s = s[1:]
	}
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimSpace(s)

	scale := 1.0
	if len(s) > 0 {
		last := s[len(s)-1]
		if last >= 'a' && last <= 'z' {
			last -= 'a' - 'A'
		}
		if mult, ok := scaleSuffixes[last]; ok {
			scale = mult
			s = strings.TrimSpace(s[:len(s)-1])
		}
	}

	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, " ", "")

	v, err := cast.ToFloat64E(s)
	if err != nil {
		return 0, eris.Wrapf(err, "not a number: %q", raw)
	}
	if neg {
		v = -v
	}
	return v * scale, nil
}
