// Package normalize converts raw table cells into store record values
// according to the inferred column types.
package normalize

import (
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/brainless/datastorer/internal/datastore"
	"github.com/brainless/datastorer/internal/infer"
	"github.com/brainless/datastorer/internal/ingesterr"
)

const (
	timestampLayout      = "2006-01-02T15:04:05.999999999"
	timestampLayoutZoned = "2006-01-02T15:04:05.999999999-07:00"
)

// zoneCheck is a location no source uses, to tell whether a parsed value
// carried its own offset.
var zoneCheck = time.FixedZone("check", 37*60)

// Normalizer turns rows into records keyed by column name.
type Normalizer struct {
	Columns []infer.Column
	// Strict makes values that fail their column type an error; otherwise they
	// become null.
	Strict bool
}

// Record converts one row. Cells beyond the row length are null.
func (n Normalizer) Record(row []string) (datastore.Record, error) {
	rec := make(datastore.Record, len(n.Columns))
	for i, col := range n.Columns {
		if i >= len(row) {
			rec[col.Name] = nil
			continue
		}
		v, err := Value(col.Type, row[i])
		if err != nil {
			if n.Strict {
				return nil, ingesterr.Wrap(ingesterr.ParseError, err,
					"Column %q: %q is not a valid %s", col.Name, row[i], col.Type)
			}
			rec[col.Name] = nil
			continue
		}
		rec[col.Name] = v
	}
	return rec, nil
}

// Value normalizes a single cell. Empty cells are nil.
func Value(t infer.Type, raw string) (any, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil, nil
	}

	switch t {
	case infer.Integer:
		if !t.Accepts(v) {
			return nil, strconv.ErrSyntax
		}
		i, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil, strconv.ErrSyntax
		}
		return i.String(), nil

	case infer.Float:
		if !t.Accepts(v) {
			return nil, strconv.ErrSyntax
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, err
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil

	case infer.Decimal:
		if !t.Accepts(v) {
			return nil, strconv.ErrSyntax
		}
		return v, nil

	case infer.Timestamp:
		return timestamp(v)

	default:
		return v, nil
	}
}

// timestamp renders v as ISO-8601, keeping the offset only when v had one.
func timestamp(v string) (any, error) {
	if _, err := infer.ParseTimestamp(v); err != nil {
		return nil, err
	}
	ts, err := dateparse.ParseIn(v, time.UTC)
	if err != nil {
		return nil, err
	}
	shifted, err := dateparse.ParseIn(v, zoneCheck)
	if err == nil && shifted.Equal(ts) {
		return ts.Format(timestampLayoutZoned), nil
	}
	return ts.Format(timestampLayout), nil
}
