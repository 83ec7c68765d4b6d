package translate

import "strings"

// Request and response rows are tab-separated with backslash escaping of
// backslash, tab and newline, so free-form cue text can never corrupt
// record boundaries. Carriage returns are dropped on escape.

func tsvEscape(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func tsvUnescape(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); {
		ch := value[i]
		if ch != '\\' {
			b.WriteByte(ch)
			i++
			continue
		}
		if i+1 >= len(value) {
			b.WriteByte('\\')
			i++
			continue
		}
		switch value[i+1] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case '\\':
			b.WriteByte('\\')
		default:
			// Unknown escape: keep the escaped character as-is.
			b.WriteByte(value[i+1])
		}
		i += 2
	}
	return b.String()
}
