package table

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

const encodingSniffSize = 64 * 1024

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// candidate delimiters in preference order
var delimiters = []rune{',', '\t', ';', '|'}

// textSource reads delimited text, re-reading r from the start on every pass.
type textSource struct {
	r     io.ReadSeeker
	comma rune
}

func (s *textSource) rows(fn func(row []string) error) error {
	if _, err := s.r.Seek(0, io.SeekStart); err != nil {
		return err
	}

	reader := csv.NewReader(decodeText(s.r))
	reader.Comma = s.comma
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(record); err != nil {
			return err
		}
	}
}

// decodeText strips a UTF-8 byte order mark and falls back to Windows-1252
// when the leading bytes are not valid UTF-8.
func decodeText(r io.Reader) io.Reader {
	br := bufio.NewReaderSize(r, encodingSniffSize)
	head, _ := br.Peek(encodingSniffSize)
	if bytes.HasPrefix(head, utf8BOM) {
		br.Discard(len(utf8BOM))
		head = head[len(utf8BOM):]
	}
	if validUTF8Prefix(head, len(head) < encodingSniffSize-len(utf8BOM)) {
		return br
	}
	return transform.NewReader(br, charmap.Windows1252.NewDecoder())
}

// validUTF8Prefix reports whether b is valid UTF-8. Unless complete is set,
// b may end in the middle of a multi-byte sequence.
func validUTF8Prefix(b []byte, complete bool) bool {
	if utf8.Valid(b) {
		return true
	}
	if complete {
		return false
	}
	for cut := 1; cut < utf8.UTFMax && cut < len(b); cut++ {
		if utf8.Valid(b[:len(b)-cut]) {
			return true
		}
	}
	return false
}

// sniffDelimiter picks the candidate that splits the most leading lines into
// the same number of fields. Ties keep the earlier candidate.
func sniffDelimiter(head []byte) rune {
	if i := bytes.LastIndexByte(head, '\n'); i > 0 {
		head = head[:i]
	}
	lines := bytes.Split(head, []byte("\n"))
	if len(lines) > 20 {
		lines = lines[:20]
	}

	best, bestScore := ',', 0
	for _, d := range delimiters {
		freq := make(map[int]int)
		for _, line := range lines {
			if n := bytes.Count(line, []byte(string(d))); n > 0 {
				freq[n]++
			}
		}
		score := 0
		for _, f := range freq {
			if f > score {
				score = f
			}
		}
		if score > bestScore {
			best, bestScore = d, score
		}
	}
	return best
}
