// Package table opens delimited text and spreadsheet files as a single
// table: it picks the reader, guesses where the header row is and yields the
// data rows that follow it.
package table

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/brainless/datastorer/internal/ingesterr"
)

// Kind identifies the reader used for a table.
type Kind string

const (
	KindCSV  Kind = "csv"
	KindTSV  Kind = "tsv"
	KindXLS  Kind = "xls"
	KindXLSX Kind = "xlsx"
)

const (
	DefaultSampleSize = 1000
	DefaultTolerance  = 1
)

var (
	excelTypes = []string{
		"xls", "xlsx",
		"application/ms-excel", "application/xls", "application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	}
	tsvTypes = []string{"tsv", "text/tsv", "text/tab-separated-values"}
	csvTypes = []string{"csv", "text/csv", "text/comma-separated-values"}
)

var (
	oleSignature = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
	zipSignature = []byte("PK\x03\x04")
)

// Options tunes header detection.
type Options struct {
	// SampleSize is the number of leading rows used for header detection and
	// type inference.
	SampleSize int
	// Tolerance is how many cells short of the modal width a row may be and
	// still qualify as the header.
	Tolerance int
}

func (o Options) withDefaults() Options {
	if o.SampleSize <= 0 {
		o.SampleSize = DefaultSampleSize
	}
	if o.Tolerance < 0 {
		o.Tolerance = DefaultTolerance
	}
	return o
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{SampleSize: DefaultSampleSize, Tolerance: DefaultTolerance}
}

// rowSource replays every raw row of the underlying file in order.
type rowSource interface {
	rows(fn func(row []string) error) error
}

// Table is the first table found in a file.
type Table struct {
	Kind         Kind
	Headers      []string
	HeaderOffset int
	// Sample holds up to SampleSize data rows following the header, padded to
	// the header width.
	Sample [][]string

	src rowSource
}

// Open sniffs r and returns its first table. contentType and format are the
// hints recorded for the resource; either may be empty.
func Open(r io.ReadSeeker, contentType, format string, opts Options) (*Table, error) {
	opts = opts.withDefaults()
	contentType = strings.ToLower(contentType)
	format = strings.ToLower(format)

	head, err := peek(r, 3072)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.ParseError, err, "Unable to read file")
	}

	kind, sniffComma, err := detectKind(head, contentType, format)
	if err != nil {
		return nil, err
	}

	var src rowSource
	switch kind {
	case KindXLSX:
		src, err = openXLSX(r)
	case KindXLS:
		src, err = openXLS(r)
	case KindTSV:
		src = &textSource{r: r, comma: '\t'}
	default:
		comma := ','
		if sniffComma {
			comma = sniffDelimiter(head)
		}
		src = &textSource{r: r, comma: comma}
	}
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.ParseError, err, "Unable to open %s file", kind)
	}

	t := &Table{Kind: kind, src: src}
	if err := t.sniff(opts); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) sniff(opts Options) error {
	var sample [][]string
	err := t.src.rows(func(row []string) error {
		if len(sample) >= opts.SampleSize {
			return errStop
		}
		sample = append(sample, row)
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return ingesterr.Wrap(ingesterr.ParseError, err, "Unable to read %s table", t.Kind)
	}

	offset, ok := guessHeader(sample, opts.Tolerance)
	if !ok {
		return ingesterr.New(ingesterr.ParseError, "No table found in %s file", t.Kind)
	}

	width := trimmedLen(sample[offset])
	for _, row := range sample[offset+1:] {
		if n := trimmedLen(row); n > width {
			width = n
		}
	}

	t.HeaderOffset = offset
	t.Headers = UniqueHeaders(fit(sample[offset], width))
	for _, row := range sample[offset+1:] {
		if isBlank(row) {
			continue
		}
		t.Sample = append(t.Sample, fit(row, len(t.Headers)))
	}
	return nil
}

// Each calls fn with every data row after the header, padded or truncated to
// the header width. Blank rows are skipped. Iteration stops at the first
// error returned by fn.
func (t *Table) Each(fn func(row []string) error) error {
	index := 0
	var fnErr error
	err := t.src.rows(func(row []string) error {
		i := index
		index++
		if i <= t.HeaderOffset || isBlank(row) {
			return nil
		}
		if err := fn(fit(row, len(t.Headers))); err != nil {
			fnErr = err
			return errStop
		}
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil && !errors.Is(err, errStop) {
		return ingesterr.Wrap(ingesterr.ParseError, err, "Unable to read %s table", t.Kind)
	}
	return nil
}

var errStop = errors.New("stop")

// detectKind picks the reader from the resource hints, falling back to the
// byte signature. The second result reports whether the delimiter of a text
// table still has to be sniffed.
func detectKind(head []byte, contentType, format string) (Kind, bool, error) {
	switch {
	case contains(excelTypes, contentType) || contains(excelTypes, format):
		if bytes.HasPrefix(head, oleSignature) {
			return KindXLS, false, nil
		}
		if bytes.HasPrefix(head, zipSignature) {
			return KindXLSX, false, nil
		}
		// Mislabelled; let the signature decide.
	case contains(tsvTypes, contentType) || contains(tsvTypes, format):
		return KindTSV, false, nil
	case contains(csvTypes, contentType) || contains(csvTypes, format):
		return KindCSV, false, nil
	}

	if len(head) == 0 {
		return "", false, ingesterr.New(ingesterr.ParseError, "No table found in empty file")
	}

	for m := mimetype.Detect(head); m != nil; m = m.Parent() {
		switch {
		case m.Is("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"):
			return KindXLSX, false, nil
		case m.Is("application/vnd.ms-excel"), m.Is("application/x-ole-storage"):
			return KindXLS, false, nil
		case m.Is("text/tab-separated-values"):
			return KindTSV, false, nil
		case m.Is("text/plain"):
			return KindCSV, true, nil
		}
	}
	return "", false, ingesterr.New(ingesterr.ParseError, "Unrecognised table format")
}

func peek(r io.ReadSeeker, n int) ([]byte, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return buf[:read], nil
}

func contains(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// trimmedLen is the row length without trailing empty cells.
func trimmedLen(row []string) int {
	n := len(row)
	for n > 0 && strings.TrimSpace(row[n-1]) == "" {
		n--
	}
	return n
}

func fit(row []string, width int) []string {
	out := make([]string, width)
	copy(out, row)
	return out
}
