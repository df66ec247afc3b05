package table

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/araddon/dateparse"
)

// MaxHeaderLength is the longest column name the store accepts, in bytes.
const MaxHeaderLength = 63

// guessHeader returns the offset of the header row in sample: the first row
// whose non-empty cell count is within tolerance of the modal count. The next
// qualifying row wins instead when its share of text cells is higher than both
// that row's and the rows below it, which marks it as a header over data.
func guessHeader(sample [][]string, tolerance int) (int, bool) {
	counts := make([]int, len(sample))
	freq := make(map[int]int)
	for i, row := range sample {
		counts[i] = nonEmpty(row)
		if counts[i] > 0 {
			freq[counts[i]]++
		}
	}
	if len(freq) == 0 {
		return 0, false
	}

	modal, best := 0, 0
	for n, f := range freq {
		if f > best || (f == best && n > modal) {
			modal, best = n, f
		}
	}

	var candidates []int
	for i, n := range counts {
		if n > 0 && n >= modal-tolerance {
			candidates = append(candidates, i)
			if len(candidates) == 2 {
				break
			}
		}
	}
	if len(candidates) == 2 {
		next := textRatio(sample[candidates[1]])
		below, ok := meanTextRatio(sample[candidates[1]+1:])
		if ok && next > textRatio(sample[candidates[0]]) && next > below {
			return candidates[1], true
		}
	}
	return candidates[0], true
}

// meanTextRatio averages textRatio over the non-empty rows.
func meanTextRatio(rows [][]string) (float64, bool) {
	sum, n := 0.0, 0
	for _, row := range rows {
		if nonEmpty(row) == 0 {
			continue
		}
		sum += textRatio(row)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func nonEmpty(row []string) int {
	n := 0
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			n++
		}
	}
	return n
}

// textRatio is the share of non-empty cells that are neither numbers nor
// dates.
func textRatio(row []string) float64 {
	total, text := 0, 0
	for _, c := range row {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		total++
		if _, err := strconv.ParseFloat(c, 64); err == nil {
			continue
		}
		if _, err := dateparse.ParseAny(c); err == nil {
			continue
		}
		text++
	}
	if total == 0 {
		return 0
	}
	return float64(text) / float64(total)
}

// UniqueHeaders trims names, drops leading underscores (the store reserves
// them, _id included), replaces empty ones with column_<n> and suffixes
// duplicates with _2, _3 and so on. Every result fits in MaxHeaderLength
// bytes.
func UniqueHeaders(names []string) []string {
	out := make([]string, len(names))
	seen := make(map[string]bool, len(names))
	for i, name := range names {
		name = strings.TrimLeft(strings.TrimSpace(name), "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		base := truncate(name, MaxHeaderLength)
		candidate := base
		for n := 2; seen[candidate]; n++ {
			suffix := "_" + strconv.Itoa(n)
			candidate = truncate(base, MaxHeaderLength-len(suffix)) + suffix
		}
		seen[candidate] = true
		out[i] = candidate
	}
	return out
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
