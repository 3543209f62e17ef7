package proxy

import (
	"bufio"
	"io"
	"strings"
)

type HeaderField struct {
	Name  string
	Value string
}

// Header keeps fields in the order they were received. Repeated names stay
// separate entries; lookups are case-insensitive.
type Header []HeaderField

func (h *Header) Add(name, value string) {
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// Get returns the first value for name.
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

func (h Header) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

func (h Header) Values(name string) []string {
	var values []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

// Without returns a copy of h minus every field matching one of names.
func (h Header) Without(names ...string) Header {
	out := make(Header, 0, len(h))
next:
	for _, f := range h {
		for _, name := range names {
			if strings.EqualFold(f.Name, name) {
				continue next
			}
		}
		out = append(out, f)
	}
	return out
}

// WriteTo writes the fields in wire format without the terminating blank
// line.
func (h Header) WriteTo(w io.Writer) (int64, error) {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriter(w)
	}
	var n int64
	for _, f := range h {
		m, err := bw.WriteString(f.Name + ": " + f.Value + "\r\n")
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	if !ok {
		return n, bw.Flush()
	}
	return n, nil
}

// isChunked reports whether the final transfer coding is chunked.
func (h Header) isChunked() bool {
	values := h.Values("Transfer-Encoding")
	if len(values) == 0 {
		return false
	}
	codings := strings.Split(values[len(values)-1], ",")
	return strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked")
}
