package unit

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Serializer writes the line-oriented checkpoint consumed by
// Manager.Deserialize: one key=value pair per line, units separated by
// a blank line. Values are escaped so they never contain a newline.
type Serializer struct {
	w   *bufio.Writer
	err error
}

// NewSerializer wraps w.
func NewSerializer(w io.Writer) *Serializer {
	return &Serializer{w: bufio.NewWriter(w)}
}

// Item writes one key/value pair.
func (s *Serializer) Item(key, value string) {
	if s.err != nil {
		return
	}
	_, s.err = fmt.Fprintf(s.w, "%s=%s\n", key, escapeValue(value))
}

// Itemf writes one key with a formatted value.
func (s *Serializer) Itemf(key, format string, args ...interface{}) {
	s.Item(key, fmt.Sprintf(format, args...))
}

func (s *Serializer) line(text string) {
	if s.err != nil {
		return
	}
	_, s.err = s.w.WriteString(text + "\n")
}

// Flush flushes buffered output and returns the first write error.
func (s *Serializer) Flush() error {
	if s.err != nil {
		return s.err
	}
	return s.w.Flush()
}

var valueEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

func escapeValue(v string) string {
	if !strings.ContainsAny(v, "\\\n") {
		return v
	}
	return valueEscaper.Replace(v)
}

func unescapeValue(v string) string {
	if !strings.Contains(v, `\`) {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] == '\\' && i+1 < len(v) {
			i++
			if v[i] == 'n' {
				b.WriteByte('\n')
			} else {
				b.WriteByte(v[i])
			}
			continue
		}
		b.WriteByte(v[i])
	}
	return b.String()
}

// checkpointReader walks the sections of a checkpoint.
type checkpointReader struct {
	sc   *bufio.Scanner
	line int
}

func newCheckpointReader(r io.Reader) *checkpointReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &checkpointReader{sc: sc}
}

// next returns the next line, with ok false at end of input.
func (c *checkpointReader) next() (string, bool) {
	if !c.sc.Scan() {
		return "", false
	}
	c.line++
	return strings.TrimRight(c.sc.Text(), "\r"), true
}

// items calls fn for each key=value line up to the next blank line.
// Lines without '=' are reported through bad.
func (c *checkpointReader) items(fn func(key, value string), bad func(line int, text string)) bool {
	for {
		text, ok := c.next()
		if !ok {
			return false
		}
		if text == "" {
			return true
		}
		key, value, found := strings.Cut(text, "=")
		if !found {
			bad(c.line, text)
			continue
		}
		fn(key, unescapeValue(value))
	}
}
