package toolargs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidArguments is returned when every repair step in the chain fails.
var ErrInvalidArguments = errors.New("invalid capability arguments")

// Normalize converts a capability-invocation payload into a string-keyed map.
// The model's function-call argument serialization is not guaranteed to be
// strictly valid JSON, so parsing degrades through an ordered repair chain
// rather than dropping the requested action:
//
//  1. nil -> empty map; an existing map is returned as-is
//  2. strict JSON after BOM/whitespace stripping
//  3. relaxed parse (single quotes, unquoted keys, trailing commas, k=v pairs)
//  4. textual repairs (smart quotes, literal newlines, bare keys) + relaxed parse
func Normalize(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	case json.RawMessage:
		return normalizeText(string(v))
	case []byte:
		return normalizeText(string(v))
	case string:
		return normalizeText(v)
	default:
		return nil, fmt.Errorf("%w: unsupported payload type %T", ErrInvalidArguments, raw)
	}
}

func normalizeText(text string) (map[string]any, error) {
	text = strings.TrimPrefix(text, "\uFEFF")
	text = strings.TrimSpace(text)
	if text == "" || text == "null" {
		return map[string]any{}, nil
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err == nil && out != nil {
		return out, nil
	}

	if out, err := relaxedParse(text); err == nil {
		return out, nil
	}

	repaired := applyRepairs(text)
	out, err := relaxedParse(repaired)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return out, nil
}

// relaxedParse tolerates single quotes, unquoted keys and trailing commas.
// Bare "k=v, k2=v2" pair syntax is accepted as a last resort inside this step.
func relaxedParse(text string) (map[string]any, error) {
	candidate := rewriteRelaxed(text)

	var out map[string]any
	if err := json.Unmarshal([]byte(candidate), &out); err == nil && out != nil {
		return out, nil
	}

	if pairs, ok := parsePairs(text); ok {
		return pairs, nil
	}

	var probe any
	err := json.Unmarshal([]byte(candidate), &probe)
	if err == nil {
		err = fmt.Errorf("payload is not an object: %q", text)
	}
	return nil, err
}

// rewriteRelaxed converts relaxed JSON syntax into strict JSON. It walks the
// input once, tracking string state so repairs never touch quoted content.
func rewriteRelaxed(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 16)

	inString := false
	quote := byte(0)
	for i := 0; i < len(text); i++ {
		c := text[i]

		if inString {
			if c == '\\' && i+1 < len(text) {
				b.WriteByte(c)
				i++
				b.WriteByte(text[i])
				continue
			}
			if c == quote {
				inString = false
				b.WriteByte('"')
				continue
			}
			if c == '"' && quote == '\'' {
				b.WriteString(`\"`)
				continue
			}
			b.WriteByte(c)
			continue
		}

		switch {
		case c == '"' || c == '\'':
			inString = true
			quote = c
			b.WriteByte('"')
		case c == ',':
			// Drop trailing commas before a closing bracket.
			j := i + 1
			for j < len(text) && isSpaceByte(text[j]) {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue
			}
			b.WriteByte(c)
		case isBareKeyStart(c) && followsKeyPosition(b.String()):
			j := i
			for j < len(text) && isBareKeyByte(text[j]) {
				j++
			}
			k := j
			for k < len(text) && isSpaceByte(text[k]) {
				k++
			}
			if k < len(text) && text[k] == ':' {
				b.WriteByte('"')
				b.WriteString(text[i:j])
				b.WriteByte('"')
				i = j - 1
				continue
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// parsePairs handles "mode=far_field" style payloads: comma, semicolon or
// ampersand separated k=v pairs with no surrounding braces.
func parsePairs(text string) (map[string]any, bool) {
	text = strings.TrimSpace(text)
	if text == "" || strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		return nil, false
	}
	if !strings.Contains(text, "=") {
		return nil, false
	}

	out := map[string]any{}
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ';' || r == '&'
	})
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !ok || key == "" {
			return nil, false
		}
		out[key] = coerceScalar(strings.Trim(value, `"'`))
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

func coerceScalar(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	var num json.Number
	if err := json.Unmarshal([]byte(v), &num); err == nil {
		if f, err := num.Float64(); err == nil {
			return f
		}
	}
	return v
}

var smartQuoteReplacer = strings.NewReplacer(
	"“", `"`,
	"”", `"`,
	"‘", "'",
	"’", "'",
)

// applyRepairs rewrites common model serialization defects so the relaxed
// parse gets a second chance.
func applyRepairs(text string) string {
	text = smartQuoteReplacer.Replace(text)
	text = escapeLiteralNewlines(text)
	text = stripTrailingCommas(text)
	return text
}

// escapeLiteralNewlines escapes raw newline characters that appear inside
// quoted strings, which strict JSON forbids.
func escapeLiteralNewlines(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	inString := false
	quote := byte(0)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch c {
			case '\\':
				b.WriteByte(c)
				if i+1 < len(text) {
					i++
					b.WriteByte(text[i])
				}
				continue
			case quote:
				inString = false
			case '\n':
				b.WriteString(`\n`)
				continue
			case '\r':
				b.WriteString(`\r`)
				continue
			}
			b.WriteByte(c)
			continue
		}
		if c == '"' || c == '\'' {
			inString = true
			quote = c
		}
		b.WriteByte(c)
	}
	return b.String()
}

func stripTrailingCommas(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	inString := false
	quote := byte(0)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			if c == '\\' && i+1 < len(text) {
				b.WriteByte(c)
				i++
				b.WriteByte(text[i])
				continue
			}
			if c == quote {
				inString = false
			}
			b.WriteByte(c)
			continue
		}
		if c == '"' || c == '\'' {
			inString = true
			quote = c
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(text) && isSpaceByte(text[j]) {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isBareKeyStart(c byte) bool {
	return c == '_' || unicode.IsLetter(rune(c))
}

func isBareKeyByte(c byte) bool {
	return c == '_' || c == '-' || unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c))
}

// followsKeyPosition reports whether the already-emitted output ends at a
// position where a JSON object key may start ({ or , possibly with spaces).
func followsKeyPosition(emitted string) bool {
	for i := len(emitted) - 1; i >= 0; i-- {
		c := emitted[i]
		if isSpaceByte(c) {
			continue
		}
		return c == '{' || c == ','
	}
	return false
}
