package jsonl

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/hupe1980/rungo/codec"
	"github.com/hupe1980/rungo/compress"
	"github.com/hupe1980/rungo/document"
)

// Writer appends one run's documents to a log file. The compression codec
// is chosen from the file name, so "scan.jsonl.gz" writes gzip. Documents
// must be written in acquisition order: start first, each descriptor before
// its events, each resource before its datum documents, stop last.
//
// A Writer is not safe for concurrent use.
type Writer struct {
	path string
	c    codec.Codec

	f  *os.File
	zw io.WriteCloser
	bw *bufio.Writer
}

// Create opens a new log file for writing. An existing file is truncated.
func Create(path string, opts ...Option) (*Writer, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create log %s: %w", path, err)
	}
	zw, err := compress.ByExtension(path).NewWriter(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create log %s: %w", path, err)
	}
	return &Writer{
		path: path,
		c:    o.Codec,
		f:    f,
		zw:   zw,
		bw:   bufio.NewWriter(zw),
	}, nil
}

// Path returns the file the writer appends to.
func (w *Writer) Path() string {
	return w.path
}

// WriteStart appends the run's start document.
func (w *Writer) WriteStart(s document.Start) error {
	return w.writeLine(document.KindStart, s.AsFields())
}

// WriteDescriptor appends a stream descriptor.
func (w *Writer) WriteDescriptor(d document.Descriptor) error {
	return w.writeLine(document.KindDescriptor, d.AsFields())
}

// WriteEvent appends a single event.
func (w *Writer) WriteEvent(ev document.Event) error {
	return w.writeLine(document.KindEvent, ev)
}

// WriteEventPage appends a columnar event page.
func (w *Writer) WriteEventPage(p document.EventPage) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return w.writeLine(document.KindEventPage, p)
}

// WriteResource appends a resource document.
func (w *Writer) WriteResource(r document.Resource) error {
	return w.writeLine(document.KindResource, r.AsFields())
}

// WriteDatum appends a single datum document.
func (w *Writer) WriteDatum(d document.Datum) error {
	return w.writeLine(document.KindDatum, d)
}

// WriteDatumPage appends a columnar datum page.
func (w *Writer) WriteDatumPage(p document.DatumPage) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return w.writeLine(document.KindDatumPage, p)
}

// WriteStop appends the run's stop document, finishing the log.
func (w *Writer) WriteStop(s document.Stop) error {
	return w.writeLine(document.KindStop, s.AsFields())
}

func (w *Writer) writeLine(kind document.Kind, doc any) error {
	line, err := EncodeLine(w.c, kind, doc)
	if err != nil {
		return err
	}
	if _, err := w.bw.Write(line); err != nil {
		return fmt.Errorf("write %s: %w", w.path, err)
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("write %s: %w", w.path, err)
	}
	return nil
}

// Flush pushes buffered lines down to the file. For uncompressed logs every
// flushed line is immediately visible to readers; compressed formats only
// guarantee visibility after Close.
func (w *Writer) Flush() error {
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", w.path, err)
	}
	return nil
}

// Close flushes and closes the log.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("close %s: %w", w.path, err)
	}
	if err := w.zw.Close(); err != nil {
		w.f.Close()
		return fmt.Errorf("close %s: %w", w.path, err)
	}
	return w.f.Close()
}
