package stream

import (
	"encoding/json"
	"strings"
)

// ParsePartialObject decodes a JSON object that may have been cut off
// mid-stream. It closes an unterminated string, drops a dangling key or
// separator, and closes open containers. ok is false when the text still
// does not decode; callers skip that increment.
func ParsePartialObject(text string) (map[string]any, bool) {
	text = strings.TrimSpace(text)
	if text == "" || text[0] != '{' {
		return nil, false
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out, true
	}

	repaired, ok := repairTruncated(text)
	if !ok {
		return nil, false
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return nil, false
	}
	return out, true
}

func repairTruncated(text string) (string, bool) {
	var (
		stack    []byte
		inString bool
		escaped  bool
		// start offset of the current string literal, used to trim a
		// half-written escape sequence
		strStart int
	)

	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
			strStart = i
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return "", false
			}
			stack = stack[:len(stack)-1]
		}
	}

	var b strings.Builder
	b.WriteString(text)

	if inString {
		s := trimPartialEscape(text[strStart+1:])
		b.Reset()
		b.WriteString(text[:strStart+1])
		b.WriteString(s)
		b.WriteByte('"')
	}

	out := strings.TrimRight(b.String(), " \t\r\n")
	switch {
	case strings.HasSuffix(out, ","):
		out = strings.TrimSuffix(out, ",")
	case strings.HasSuffix(out, ":"):
		out += "null"
	case len(stack) > 0 && stack[len(stack)-1] == '}' && endsWithDanglingKey(out):
		out += ":null"
	}

	for i := len(stack) - 1; i >= 0; i-- {
		out += string(stack[i])
	}
	return out, true
}

// trimPartialEscape removes an escape sequence that was cut off at the end
// of a string body.
func trimPartialEscape(s string) string {
	// count trailing backslashes: an odd count means the last one is an
	// unfinished escape
	n := 0
	for i := len(s) - 1; i >= 0 && s[i] == '\\'; i-- {
		n++
	}
	if n%2 == 1 {
		return s[:len(s)-1]
	}
	if idx := strings.LastIndex(s, `\u`); idx >= 0 && len(s)-idx < 6 {
		// \u needs four hex digits; make sure the backslash is not itself escaped
		k := 0
		for j := idx - 1; j >= 0 && s[j] == '\\'; j-- {
			k++
		}
		if k%2 == 0 {
			return s[:idx]
		}
	}
	return s
}

// endsWithDanglingKey reports whether out ends with an object key that has
// no colon yet, e.g. `{"a":1,"b"`.
func endsWithDanglingKey(out string) bool {
	if !strings.HasSuffix(out, `"`) {
		return false
	}
	// walk back to the opening quote of the last string
	i := len(out) - 2
	for i >= 0 {
		if out[i] == '"' {
			k := 0
			for j := i - 1; j >= 0 && out[j] == '\\'; j-- {
				k++
			}
			if k%2 == 0 {
				break
			}
		}
		i--
	}
	if i < 0 {
		return false
	}
	prev := strings.TrimRight(out[:i], " \t\r\n")
	return strings.HasSuffix(prev, "{") || strings.HasSuffix(prev, ",")
}
