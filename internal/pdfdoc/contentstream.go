package pdfdoc

import (
	"strconv"
	"strings"
	"unicode"
)

// kernSpace is the TJ displacement (thousandths of an em) beyond which a gap reads as a word break.
const kernSpace = -200

// contentStreamText collects the operands of text-showing operators (Tj, TJ, ' and ") from a decoded
// content stream, breaking lines on text positioning operators. Bytes are read as Latin-1, which is
// right for simple fonts and merely lossy for composite ones.
func contentStreamText(data []byte) string {
	var (
		out     strings.Builder
		pending []string
		inArray bool
	)

	newline := func() {
		if out.Len() > 0 && !strings.HasSuffix(out.String(), "\n") {
			out.WriteByte('\n')
		}
	}

	for i := 0; i < len(data); {
		c := data[i]
		switch {
		case c == '%':
			for i < len(data) && data[i] != '\n' && data[i] != '\r' {
				i++
			}
		case c == '(':
			s, next := readLiteral(data, i)
			pending = append(pending, s)
			i = next
		case c == '<' && i+1 < len(data) && data[i+1] == '<':
			i += 2
		case c == '>' && i+1 < len(data) && data[i+1] == '>':
			i += 2
		case c == '<':
			s, next := readHex(data, i)
			pending = append(pending, s)
			i = next
		case c == '[':
			inArray = true
			i++
		case c == ']':
			inArray = false
			i++
		case c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9'):
			start := i
			for i < len(data) && (data[i] == '-' || data[i] == '+' || data[i] == '.' || (data[i] >= '0' && data[i] <= '9')) {
				i++
			}
			if inArray {
				if v, err := strconv.ParseFloat(string(data[start:i]), 64); err == nil && v < kernSpace {
					pending = append(pending, " ")
				}
			}
		case c == '/':
			i++
			for i < len(data) && !isDelimiter(data[i]) {
				i++
			}
		case c == '\'' || c == '"' || unicode.IsLetter(rune(c)) || c == '*':
			start := i
			if c == '\'' || c == '"' {
				i++
			} else {
				for i < len(data) && !isDelimiter(data[i]) {
					i++
				}
			}
			switch op := string(data[start:i]); op {
			case "Tj", "TJ":
				out.WriteString(strings.Join(pending, ""))
			case "'", "\"":
				newline()
				out.WriteString(strings.Join(pending, ""))
			case "Td", "TD", "T*", "ET":
				newline()
			}
			if !inArray {
				pending = pending[:0]
			}
		default:
			i++
		}
	}
	return strings.TrimSpace(out.String())
}

func isDelimiter(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0, '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// readLiteral reads a balanced literal string starting at data[start] == '('.
func readLiteral(data []byte, start int) (string, int) {
	var b strings.Builder
	depth := 0
	i := start
	for i < len(data) {
		c := data[i]
		switch {
		case c == '\\' && i+1 < len(data):
			i++
			switch e := data[i]; e {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case 'b', 'f':
			case '\r', '\n':
				// Line continuation.
			default:
				if e >= '0' && e <= '7' {
					j := i
					for j < len(data) && j < i+3 && data[j] >= '0' && data[j] <= '7' {
						j++
					}
					v, _ := strconv.ParseUint(string(data[i:j]), 8, 8)
					b.WriteRune(rune(byte(v)))
					i = j - 1
				} else {
					b.WriteRune(rune(e))
				}
			}
		case c == '(':
			if depth > 0 {
				b.WriteByte(c)
			}
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return b.String(), i + 1
			}
			b.WriteByte(c)
		default:
			b.WriteRune(rune(c))
		}
		i++
	}
	return b.String(), i
}

// readHex reads a hex string starting at data[start] == '<'.
func readHex(data []byte, start int) (string, int) {
	i := start + 1
	var digits []byte
	for i < len(data) && data[i] != '>' {
		if isHexDigit(data[i]) {
			digits = append(digits, data[i])
		}
		i++
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	var b strings.Builder
	for j := 0; j < len(digits); j += 2 {
		v, _ := strconv.ParseUint(string(digits[j:j+2]), 16, 8)
		if v >= 0x20 {
			b.WriteRune(rune(byte(v)))
		}
	}
	return b.String(), i + 1
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
