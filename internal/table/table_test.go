package table

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/brainless/datastorer/internal/ingesterr"
)

const simpleCSV = `date,temperature,place
2011-01-01,1,Galway
2011-01-02,-1,Galway
2011-01-03,0,Galway
2011-01-01,6,Berkeley
2011-01-02,8,Berkeley
2011-01-03,5,Berkeley
`

func openString(t *testing.T, body, contentType, format string) *Table {
	t.Helper()
	tbl, err := Open(strings.NewReader(body), contentType, format, DefaultOptions())
	require.NoError(t, err)
	return tbl
}

func collect(t *testing.T, tbl *Table) [][]string {
	t.Helper()
	var rows [][]string
	require.NoError(t, tbl.Each(func(row []string) error {
		rows = append(rows, row)
		return nil
	}))
	return rows
}

func TestOpen_SimpleCSV(t *testing.T) {
	tbl := openString(t, simpleCSV, "text/csv", "csv")

	assert.Equal(t, KindCSV, tbl.Kind)
	assert.Equal(t, 0, tbl.HeaderOffset)
	assert.Equal(t, []string{"date", "temperature", "place"}, tbl.Headers)
	assert.Len(t, tbl.Sample, 6)

	rows := collect(t, tbl)
	require.Len(t, rows, 6)
	assert.Equal(t, []string{"2011-01-01", "1", "Galway"}, rows[0])
	assert.Equal(t, []string{"2011-01-03", "5", "Berkeley"}, rows[5])

	// Iteration can be repeated.
	assert.Len(t, collect(t, tbl), 6)
}

func TestOpen_NumericHeaderNames(t *testing.T) {
	tbl := openString(t, "country,2019,2020\nIreland,high,low\nFrance,low,high\n", "text/csv", "csv")

	assert.Equal(t, 0, tbl.HeaderOffset)
	assert.Equal(t, []string{"country", "2019", "2020"}, tbl.Headers)
	assert.Equal(t, [][]string{{"Ireland", "high", "low"}, {"France", "low", "high"}}, collect(t, tbl))
}

func TestOpen_SkipsTitleRows(t *testing.T) {
	body := "Weather report for January\n\n" + simpleCSV
	tbl := openString(t, body, "", "csv")

	assert.Equal(t, 1, tbl.HeaderOffset)
	assert.Equal(t, []string{"date", "temperature", "place"}, tbl.Headers)
	assert.Len(t, collect(t, tbl), 6)
}

func TestOpen_TSVByFormat(t *testing.T) {
	body := "name\tvalue\nfoo\t1\nbar\t2\n"
	tbl := openString(t, body, "", "tsv")

	assert.Equal(t, KindTSV, tbl.Kind)
	assert.Equal(t, []string{"name", "value"}, tbl.Headers)
	assert.Equal(t, [][]string{{"foo", "1"}, {"bar", "2"}}, collect(t, tbl))
}

func TestOpen_SniffsDelimiterForPlainText(t *testing.T) {
	body := "name;value;unit\nfoo;1,5;kg\nbar;2,0;kg\n"
	tbl := openString(t, body, "text/plain", "txt")

	assert.Equal(t, KindCSV, tbl.Kind)
	assert.Equal(t, []string{"name", "value", "unit"}, tbl.Headers)
	assert.Equal(t, []string{"foo", "1,5", "kg"}, tbl.Sample[0])
}

func TestOpen_StripsBOM(t *testing.T) {
	tbl := openString(t, "\ufeffname,value\nx,1\n", "text/csv", "")
	assert.Equal(t, []string{"name", "value"}, tbl.Headers)
}

func TestOpen_Windows1252Fallback(t *testing.T) {
	body := "name,city\nJos\xe9,Malm\xf6\n"
	tbl := openString(t, body, "text/csv", "")

	rows := collect(t, tbl)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"José", "Malmö"}, rows[0])
}

func TestOpen_PadsRaggedRowsAndSkipsBlankRows(t *testing.T) {
	body := "a,b,c\n1,2\n,,\n4,5,6,\n"
	tbl := openString(t, body, "text/csv", "")

	assert.Equal(t, []string{"a", "b", "c"}, tbl.Headers)
	assert.Equal(t, [][]string{{"1", "2", ""}, {"4", "5", "6"}}, collect(t, tbl))
}

func TestOpen_UnnamedAndDuplicateColumns(t *testing.T) {
	body := "id,,id\n1,2,3\n"
	tbl := openString(t, body, "text/csv", "")
	assert.Equal(t, []string{"id", "column_2", "id_2"}, tbl.Headers)
}

func TestOpen_NoTable(t *testing.T) {
	for name, body := range map[string]string{
		"empty": "",
		"blank": "\n\n , \n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Open(strings.NewReader(body), "text/csv", "csv", DefaultOptions())
			require.Error(t, err)
			assert.True(t, ingesterr.Is(err, ingesterr.ParseError))
		})
	}
}

func TestOpen_BinaryIsParseError(t *testing.T) {
	body := "%PDF-1.4\n\x00\x01\x02\x03binary"
	_, err := Open(strings.NewReader(body), "application/pdf", "pdf", DefaultOptions())
	assert.True(t, ingesterr.Is(err, ingesterr.ParseError))
}

func TestOpen_MislabelledSpreadsheet(t *testing.T) {
	tbl := openString(t, simpleCSV, "application/vnd.ms-excel", "xls")
	assert.Equal(t, KindCSV, tbl.Kind)
	assert.Len(t, collect(t, tbl), 6)
}

func TestEach_StopsOnError(t *testing.T) {
	tbl := openString(t, simpleCSV, "text/csv", "")

	boom := errors.New("boom")
	seen := 0
	err := tbl.Each(func(row []string) error {
		seen++
		if seen == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, seen)
}

func TestOpen_SampleSizeLimitsSample(t *testing.T) {
	tbl, err := Open(strings.NewReader(simpleCSV), "text/csv", "", Options{SampleSize: 3, Tolerance: 1})
	require.NoError(t, err)

	assert.Len(t, tbl.Sample, 2)
	assert.Len(t, collect(t, tbl), 6)
}

func TestOpen_XLS(t *testing.T) {
	for _, hint := range []struct{ name, contentType, format string }{
		{"by format", "", "xls"},
		{"by content type", "application/vnd.ms-excel", ""},
		{"by signature", "application/octet-stream", ""},
	} {
		t.Run(hint.name, func(t *testing.T) {
			f, err := os.Open("testdata/codes.xls")
			require.NoError(t, err)
			defer f.Close()

			tbl, err := Open(f, hint.contentType, hint.format, DefaultOptions())
			require.NoError(t, err)

			assert.Equal(t, KindXLS, tbl.Kind)
			assert.Equal(t, 0, tbl.HeaderOffset)
			assert.Equal(t, []string{"Code", "Name", "Description"}, tbl.Headers)

			rows := collect(t, tbl)
			require.Len(t, rows, 11)
			assert.Equal(t, []string{"code1", "name1", "description1"}, rows[0])
			assert.Equal(t, []string{"code11", "name11", "description11"}, rows[10])
		})
	}
}

func TestOpen_XLSX(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()

	rows := [][]any{
		{"date", "temperature", "place"},
		{"2011-01-01", 1, "Galway"},
		{"2011-01-02", -1, "Galway"},
		{"2011-01-03", 0, "Galway"},
	}
	for i, row := range rows {
		for j, v := range row {
			cell, err := excelize.CoordinatesToCellName(j+1, i+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue("Sheet1", cell, v))
		}
	}
	// Only the first sheet is read.
	_, err := f.NewSheet("Other")
	require.NoError(t, err)
	require.NoError(t, f.SetCellValue("Other", "A1", "ignored"))

	var buf bytes.Buffer
	_, err = f.WriteTo(&buf)
	require.NoError(t, err)

	tbl, err := Open(bytes.NewReader(buf.Bytes()), "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "xlsx", DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, KindXLSX, tbl.Kind)
	assert.Equal(t, []string{"date", "temperature", "place"}, tbl.Headers)
	got := collect(t, tbl)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"2011-01-02", "-1", "Galway"}, got[1])
}

func TestGuessHeader(t *testing.T) {
	t.Run("first qualifying row", func(t *testing.T) {
		sample := [][]string{
			{"Title"},
			{"a", "b", "c"},
			{"1", "2", "3"},
			{"4", "5", "6"},
		}
		offset, ok := guessHeader(sample, 1)
		require.True(t, ok)
		assert.Equal(t, 1, offset)
	})

	t.Run("prefers the more textual row", func(t *testing.T) {
		sample := [][]string{
			{"2011", "12", "1"},
			{"year", "month", "day"},
			{"2012", "1", "4"},
		}
		offset, ok := guessHeader(sample, 1)
		require.True(t, ok)
		assert.Equal(t, 1, offset)
	})

	t.Run("numeric header names over text data", func(t *testing.T) {
		sample := [][]string{
			{"country", "2019", "2020"},
			{"Ireland", "high", "low"},
			{"France", "low", "high"},
		}
		offset, ok := guessHeader(sample, 1)
		require.True(t, ok)
		assert.Equal(t, 0, offset)
	})

	t.Run("nothing", func(t *testing.T) {
		_, ok := guessHeader([][]string{{"", " "}}, 1)
		assert.False(t, ok)
	})
}

func TestUniqueHeaders(t *testing.T) {
	assert.Equal(t,
		[]string{"a", "column_2", "a_2", "a_3", "b"},
		UniqueHeaders([]string{" a ", "", "a", "a", "b"}))

	assert.Equal(t,
		[]string{"id", "name", "id_2", "column_4"},
		UniqueHeaders([]string{"_id", "name", "__id", "_"}))

	long := strings.Repeat("é", 40)
	got := UniqueHeaders([]string{long, long})
	assert.Equal(t, strings.Repeat("é", 31), got[0])
	assert.Equal(t, strings.Repeat("é", 30)+"_2", got[1])
	for _, h := range got {
		assert.LessOrEqual(t, len(h), MaxHeaderLength)
	}
}

func TestSniffDelimiter(t *testing.T) {
	assert.Equal(t, '|', sniffDelimiter([]byte("a|b|c\n1|2|3\n")))
	assert.Equal(t, '\t', sniffDelimiter([]byte("a\tb\n1\t2\n")))
	assert.Equal(t, ';', sniffDelimiter([]byte("a;b;c\n1,5;2;3\n4;5,1;6\n")))
	assert.Equal(t, ',', sniffDelimiter([]byte("single\nvalues\n")))
}
