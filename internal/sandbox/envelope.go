package sandbox

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/basket/clawtasks/internal/shared"
)

const envelopeSchemaJSON = `{
	"type": "object",
	"required": ["success"],
	"properties": {
		"success":   {"type": "boolean"},
		"data":      true,
		"error":     {"type": ["string", "null"]},
		"stdout":    {"type": "string"},
		"stderr":    {"type": "string"},
		"truncated": {"type": "boolean"}
	}
}`

var envelopeSchema = shared.MustCompileSchema("sandbox-result.json", envelopeSchemaJSON)

type envelope struct {
	Success   bool    `json:"success"`
	Data      any     `json:"data"`
	Error     *string `json:"error"`
	Stdout    string  `json:"stdout"`
	Stderr    string  `json:"stderr"`
	Truncated bool    `json:"truncated"`
}

// decodeEnvelope takes the last non-empty line of stdout as the result.
func decodeEnvelope(raw []byte, truncated bool) (*envelope, error) {
	line := lastLine(raw)
	if len(line) == 0 {
		return nil, &ResultParseError{Raw: string(raw), Truncated: truncated, Err: errors.New("no output")}
	}
	if err := shared.ValidateJSON(envelopeSchema, line); err != nil {
		return nil, &ResultParseError{Raw: string(line), Truncated: truncated, Err: err}
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, &ResultParseError{Raw: string(line), Truncated: truncated, Err: err}
	}
	return &env, nil
}

func lastLine(raw []byte) []byte {
	trimmed := bytes.TrimRight(raw, "\r\n\t ")
	if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
		return bytes.TrimSpace(trimmed[i+1:])
	}
	return bytes.TrimSpace(trimmed)
}
