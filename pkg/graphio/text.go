package graphio

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/stepwise-graph/stepwise/pkg/graph"
	"github.com/stepwise-graph/stepwise/pkg/sys/intern"
)

func init() {
	RegisterEdgeInput("text-edges", func(r io.Reader) EdgeReader { return NewTextEdgeReader(r) })
	RegisterEdgeInput("text-edges-reverse", func(r io.Reader) EdgeReader {
		return NewReverseDuplicator(NewTextEdgeReader(r))
	})
	RegisterVertexInput("text-vertices", func(r io.Reader) VertexReader { return NewTextVertexReader(r) })
	RegisterOutput("id-with-value", func(w io.Writer) OutputWriter { return NewIDWithValueWriter(w) })
}

// TextEdgeReader parses whitespace-separated "source target" lines. A
// malformed line fails the load; no partial graph is computed on bad data.
type TextEdgeReader struct {
	scanner *bufio.Scanner
	line    int
}

func NewTextEdgeReader(r io.Reader) *TextEdgeReader {
	return &TextEdgeReader{scanner: bufio.NewScanner(r)}
}

func (t *TextEdgeReader) Read() (*EdgeRecord, error) {
	for t.scanner.Scan() {
		t.line++
		text := strings.TrimSpace(t.scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed edge record on line %d: %q", t.line, text)
		}
		// Ids repeat across edge records; interning keeps one copy each.
		return &EdgeRecord{
			Source: graph.VertexID(intern.Canonical(fields[0])),
			Target: graph.VertexID(intern.Canonical(fields[1])),
		}, nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// ReverseDuplicator decorates an edge reader so every edge also yields its
// reverse.
type ReverseDuplicator struct {
	inner   EdgeReader
	pending *EdgeRecord
}

func NewReverseDuplicator(inner EdgeReader) *ReverseDuplicator {
	return &ReverseDuplicator{inner: inner}
}

func (d *ReverseDuplicator) Read() (*EdgeRecord, error) {
	if d.pending != nil {
		rec := d.pending
		d.pending = nil
		return rec, nil
	}
	rec, err := d.inner.Read()
	if err != nil {
		return nil, err
	}
	d.pending = &EdgeRecord{Source: rec.Target, Target: rec.Source, Value: rec.Value}
	return rec, nil
}

// TextVertexReader parses "id value" lines with int64 values.
type TextVertexReader struct {
	scanner *bufio.Scanner
	line    int
}

func NewTextVertexReader(r io.Reader) *TextVertexReader {
	return &TextVertexReader{scanner: bufio.NewScanner(r)}
}

func (t *TextVertexReader) Read() (*VertexRecord, error) {
	for t.scanner.Scan() {
		t.line++
		text := strings.TrimSpace(t.scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed vertex record on line %d: %q", t.line, text)
		}
		value, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed vertex value on line %d: %q: %w", t.line, text, err)
		}
		return &VertexRecord{ID: graph.VertexID(intern.Canonical(fields[0])), Value: value}, nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// IDWithValueWriter renders one "id<TAB>value" line per vertex, sorted by
// id so output is reproducible.
type IDWithValueWriter struct {
	w     io.Writer
	lines []string
}

func NewIDWithValueWriter(w io.Writer) *IDWithValueWriter {
	return &IDWithValueWriter{w: w}
}

func (o *IDWithValueWriter) Write(id graph.VertexID, value any) error {
	o.lines = append(o.lines, fmt.Sprintf("%s\t%v", id, value))
	return nil
}

func (o *IDWithValueWriter) Flush() error {
	sort.Strings(o.lines)
	for _, line := range o.lines {
		if _, err := fmt.Fprintln(o.w, line); err != nil {
			return err
		}
	}
	o.lines = nil
	return nil
}
