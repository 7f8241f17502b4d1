package thinking

import (
	"strconv"
	"unicode/utf16"
	"unicode/utf8"
)

type extractorMode int

const (
	modeUndecided extractorMode = iota
	modePassthrough
	modeJSON
)

// ResponseExtractor pulls the text of the top-level "response" field out of a
// reply that is still being generated. Feed it raw chunks in order; it returns
// decoded response text as soon as it is known. Replies that do not start with
// '{' are passed through verbatim.
//
// The concatenation of everything returned by Feed and Flush equals
// Parse(raw).ResponseText whenever the full reply is well formed.
type ResponseExtractor struct {
	mode extractorMode
	held []byte

	depth     int
	inString  bool
	escape    bool
	inUnicode bool
	hex       []byte
	high      rune

	expectKey  bool
	readingKey bool
	key        []byte
	lastKey    string
	valueKey   string
	emitting   bool
	done       bool
}

// NewResponseExtractor returns an extractor ready for the first chunk.
func NewResponseExtractor() *ResponseExtractor {
	return &ResponseExtractor{}
}

// Feed consumes the next raw chunk and returns newly decoded response text.
// A trailing partial UTF-8 sequence is held back until the next call.
func (e *ResponseExtractor) Feed(chunk string) string {
	buf := e.held
	e.held = nil

	for i := 0; i < len(chunk); i++ {
		c := chunk[i]
		switch e.mode {
		case modeUndecided:
			switch {
			case isSpace(c):
				buf = append(buf, c)
			case c == '{':
				e.mode = modeJSON
				buf = buf[:0]
				buf = e.scan(c, buf)
			default:
				e.mode = modePassthrough
				buf = append(buf, c)
			}
		case modePassthrough:
			buf = append(buf, c)
		case modeJSON:
			buf = e.scan(c, buf)
		}
	}

	if e.mode == modeUndecided {
		e.held = buf
		return ""
	}
	complete, rest := splitRunes(buf)
	if len(rest) > 0 {
		e.held = append([]byte(nil), rest...)
	}
	return string(complete)
}

// Flush returns whatever is still held back. Call it once after the last chunk.
func (e *ResponseExtractor) Flush() string {
	out := string(e.held)
	e.held = nil
	if e.high != 0 {
		e.high = 0
		out += string(utf8.RuneError)
	}
	return out
}

// Passthrough reports whether the reply was detected as plain text.
func (e *ResponseExtractor) Passthrough() bool {
	return e.mode == modePassthrough
}

func (e *ResponseExtractor) scan(c byte, out []byte) []byte {
	if e.inString {
		if e.emitting {
			return e.emit(c, out)
		}
		if e.escape {
			e.escape = false
			if e.readingKey {
				e.key = append(e.key, c)
			}
			return out
		}
		switch c {
		case '\\':
			e.escape = true
			if e.readingKey {
				e.key = append(e.key, c)
			}
		case '"':
			e.inString = false
			if e.readingKey {
				e.readingKey = false
				e.lastKey = string(e.key)
			}
		default:
			if e.readingKey {
				e.key = append(e.key, c)
			}
		}
		return out
	}

	switch c {
	case '{', '[':
		e.depth++
		if e.depth == 1 {
			e.expectKey = c == '{'
		}
	case '}', ']':
		e.depth--
	case ':':
		if e.depth == 1 {
			e.expectKey = false
			e.valueKey = e.lastKey
		}
	case ',':
		if e.depth == 1 {
			e.expectKey = true
			e.valueKey = ""
		}
	case '"':
		e.inString = true
		if e.depth != 1 {
			break
		}
		if e.expectKey {
			e.readingKey = true
			e.key = e.key[:0]
		} else if e.valueKey == "response" && !e.done {
			e.emitting = true
		}
	}
	return out
}

func (e *ResponseExtractor) emit(c byte, out []byte) []byte {
	if e.inUnicode {
		e.hex = append(e.hex, c)
		if len(e.hex) < 4 {
			return out
		}
		e.inUnicode = false
		v, err := strconv.ParseUint(string(e.hex), 16, 32)
		e.hex = e.hex[:0]
		if err != nil {
			out = e.flushHigh(out)
			return utf8.AppendRune(out, utf8.RuneError)
		}
		r := rune(v)
		switch {
		case utf16.IsSurrogate(r) && r < 0xDC00 && e.high == 0:
			e.high = r
			return out
		case utf16.IsSurrogate(r) && e.high != 0:
			combined := utf16.DecodeRune(e.high, r)
			e.high = 0
			return utf8.AppendRune(out, combined)
		case utf16.IsSurrogate(r):
			return utf8.AppendRune(out, utf8.RuneError)
		}
		out = e.flushHigh(out)
		return utf8.AppendRune(out, r)
	}

	if e.escape {
		e.escape = false
		switch c {
		case 'u':
			e.inUnicode = true
			return out
		case 'n':
			c = '\n'
		case 't':
			c = '\t'
		case 'r':
			c = '\r'
		case 'b':
			c = '\b'
		case 'f':
			c = '\f'
		}
		out = e.flushHigh(out)
		return append(out, c)
	}

	switch c {
	case '\\':
		e.escape = true
		return out
	case '"':
		e.emitting = false
		e.inString = false
		e.done = true
		return e.flushHigh(out)
	}
	out = e.flushHigh(out)
	return append(out, c)
}

func (e *ResponseExtractor) flushHigh(out []byte) []byte {
	if e.high == 0 {
		return out
	}
	e.high = 0
	return utf8.AppendRune(out, utf8.RuneError)
}

// splitRunes separates a trailing incomplete UTF-8 sequence from b.
func splitRunes(b []byte) ([]byte, []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], b[i:]
	}
	return b, nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}
