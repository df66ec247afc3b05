// Package infer guesses a column type for every column of a table sample.
package infer

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Type is the inferred type of a column.
type Type int

const (
	Text Type = iota
	Integer
	Float
	Decimal
	Timestamp
)

// candidates in priority order; Text is the fallback.
var candidates = []Type{Integer, Float, Decimal, Timestamp}

func (t Type) String() string {
	switch t {
	case Integer:
		return "Integer"
	case Float:
		return "Float"
	case Decimal:
		return "Decimal"
	case Timestamp:
		return "Timestamp"
	default:
		return "Text"
	}
}

// StoreType is the data store column type for t. Integers map to numeric
// since the sample may not show how large they get.
func (t Type) StoreType() string {
	switch t {
	case Integer, Decimal:
		return "numeric"
	case Float:
		return "float"
	case Timestamp:
		return "timestamp"
	default:
		return "text"
	}
}

// MaxFloatDigits is the most significant digits a value may carry and still
// be stored as a float without losing precision.
const MaxFloatDigits = 15

var (
	integerPattern = regexp.MustCompile(`^[+-]?\d+$`)
	decimalPattern = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)$`)
	floatPattern   = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)
)

// Accepts reports whether the trimmed, non-empty value v is a valid t.
func (t Type) Accepts(v string) bool {
	switch t {
	case Integer:
		return integerPattern.MatchString(v)
	case Float:
		if !floatPattern.MatchString(v) {
			return false
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return false
		}
		return significantDigits(v) <= MaxFloatDigits
	case Decimal:
		return decimalPattern.MatchString(v)
	case Timestamp:
		_, err := ParseTimestamp(v)
		return err == nil
	default:
		return true
	}
}

// ParseTimestamp parses v with a permissive, locale-agnostic date parser.
// Numbers are never timestamps.
func ParseTimestamp(v string) (time.Time, error) {
	if floatPattern.MatchString(v) {
		return time.Time{}, strconv.ErrSyntax
	}
	return dateparse.ParseAny(v)
}

func significantDigits(v string) int {
	if i := strings.IndexAny(v, "eE"); i >= 0 {
		v = v[:i]
	}
	v = strings.TrimLeft(v, "+-")
	v = strings.Replace(v, ".", "", 1)
	v = strings.TrimLeft(v, "0")
	if v == "" {
		return 1
	}
	return len(v)
}

// Column is a named, typed column.
type Column struct {
	Name string
	Type Type
}

// Guess picks a type for every header from the sample rows. Empty cells do
// not vote and columns without values are Text.
//
// With strict set, a type survives only if every value satisfies it. Without
// it, the first type satisfied by more than half of the values wins.
func Guess(headers []string, rows [][]string, strict bool) []Column {
	columns := make([]Column, len(headers))
	for col, name := range headers {
		columns[col] = Column{Name: name, Type: guessColumn(rows, col, strict)}
	}
	return columns
}

func guessColumn(rows [][]string, col int, strict bool) Type {
	total := 0
	matches := make(map[Type]int, len(candidates))
	for _, row := range rows {
		if col >= len(row) {
			continue
		}
		v := strings.TrimSpace(row[col])
		if v == "" {
			continue
		}
		total++
		for _, t := range candidates {
			if t.Accepts(v) {
				matches[t]++
			}
		}
	}
	if total == 0 {
		return Text
	}

	for _, t := range candidates {
		n := matches[t]
		if strict && n == total {
			return t
		}
		if !strict && n*2 > total {
			return t
		}
	}
	return Text
}
