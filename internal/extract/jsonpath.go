package extract

import (
	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
)

// JSONPath extracts a value from a JSON payload by gjson path.
type JSONPath struct {
	path string
}

// NewJSONPath validates the path and returns the compiled strategy.
func NewJSONPath(path string) (*JSONPath, error) {
	if path == "" {
		return nil, eris.New("json-path: empty path")
	}
	return &JSONPath{path: path}, nil
}

func (j *JSONPath) Name() string { return "json-path" }

func (j *JSONPath) Extract(raw []byte) (string, error) {
	if !gjson.ValidBytes(raw) {
		return "", eris.New("json-path: payload is not valid JSON")
	}
	res := gjson.GetBytes(raw, j.path)
	if !res.Exists() {
		return "", &NotFoundError{Strategy: j.Name(), Detail: j.path}
	}
	return res.String(), nil
}
