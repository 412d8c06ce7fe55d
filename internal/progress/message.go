package progress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// defaultAnalysisError is used when the service reports stage "error" without a message.
const defaultAnalysisError = "analysis failed"

// Message is a decoded stream message: one of ProgressMessage,
// CompleteMessage or ErrorMessage.
type Message interface {
	isMessage()
}

// ProgressMessage is a non-terminal status update.
type ProgressMessage struct {
	State ProgressState
}

// CompleteMessage carries the final analysis result.
type CompleteMessage struct {
	Result json.RawMessage
}

// ErrorMessage is a terminal error reported by the service.
type ErrorMessage struct {
	Text string
}

func (ProgressMessage) isMessage() {}
func (CompleteMessage) isMessage() {}
func (ErrorMessage) isMessage()    {}

// DecodeMessage classifies a stream payload. The payload is sanitized first,
// so non-finite number literals decode as null. Errors wrap ErrMalformedMessage.
func DecodeMessage(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(Sanitize(data), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedMessage)
	}

	if text, ok := errorText(fields["error"]); ok {
		return ErrorMessage{Text: text}, nil
	}

	stage := stringField(fields, "stage")
	switch stage {
	case StageComplete:
		if result, ok := fields["result"]; ok && !isNull(result) {
			return CompleteMessage{Result: append(json.RawMessage(nil), result...)}, nil
		}
	case StageError:
		text := stringField(fields, "message")
		if text == "" {
			text = defaultAnalysisError
		}
		return ErrorMessage{Text: text}, nil
	}

	if stage == "" {
		stage = StageUnknown
	}
	state := ProgressState{
		Stage:   stage,
		Percent: percentField(fields),
		Message: stringField(fields, "message"),
	}
	if raw, ok := fields["details"]; ok && !isNull(raw) {
		var details map[string]any
		if err := json.Unmarshal(raw, &details); err == nil {
			state.Details = details
		}
	}
	if raw, ok := fields["elapsed_seconds"]; ok && !isNull(raw) {
		var elapsed float64
		if err := json.Unmarshal(raw, &elapsed); err == nil {
			state.ElapsedSeconds = &elapsed
		}
	}
	return ProgressMessage{State: state}, nil
}

// errorText extracts a usable error value. Null and empty strings count as absent;
// non-string values are reported as their JSON text.
func errorText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	return string(bytes.TrimSpace(raw)), true
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// percentField reads "progress", the service's name, falling back to "percent".
func percentField(fields map[string]json.RawMessage) int {
	for _, key := range []string{"progress", "percent"} {
		raw, ok := fields[key]
		if !ok || isNull(raw) {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return int(math.Round(f))
		}
	}
	return 0
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

var nonFinite = [][]byte{[]byte("-Infinity"), []byte("Infinity"), []byte("NaN")}

// Sanitize replaces bare NaN, Infinity and -Infinity tokens outside of JSON
// strings with null. Input without such tokens is returned unchanged.
func Sanitize(data []byte) []byte {
	if !bytes.Contains(data, []byte("NaN")) && !bytes.Contains(data, []byte("Infinity")) {
		return data
	}

	out := make([]byte, 0, len(data))
	inString, escaped := false, false
	for i := 0; i < len(data); {
		b := data[i]
		if inString {
			out = append(out, b)
			i++
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		if b == '"' {
			inString = true
			out = append(out, b)
			i++
			continue
		}
		if n := bareToken(data, i); n > 0 {
			out = append(out, "null"...)
			i += n
			continue
		}
		out = append(out, b)
		i++
	}
	return out
}

// bareToken returns the length of a non-finite literal starting at i, or 0.
func bareToken(data []byte, i int) int {
	if i > 0 && isWordByte(data[i-1]) {
		return 0
	}
	for _, tok := range nonFinite {
		if !bytes.HasPrefix(data[i:], tok) {
			continue
		}
		end := i + len(tok)
		if end < len(data) && isWordByte(data[end]) {
			continue
		}
		return len(tok)
	}
	return 0
}

func isWordByte(b byte) bool {
	return b == '_' || b == '.' ||
		(b >= '0' && b <= '9') ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z')
}
