package table

import (
	"fmt"
	"io"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// sheetSource holds the rows of the first worksheet.
type sheetSource struct {
	cells [][]string
}

func (s *sheetSource) rows(fn func(row []string) error) error {
	for _, row := range s.cells {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func openXLSX(r io.ReadSeeker) (*sheetSource, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("error opening Excel file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	cells, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("error reading sheet %q: %w", sheets[0], err)
	}
	return &sheetSource{cells: cells}, nil
}

func openXLS(r io.ReadSeeker) (*sheetSource, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	wb, err := xls.OpenReader(r, "utf-8")
	if err != nil {
		return nil, fmt.Errorf("error opening Excel file: %w", err)
	}
	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, fmt.Errorf("workbook has no sheets")
	}

	var cells [][]string
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			cells = append(cells, nil)
			continue
		}
		values := make([]string, row.LastCol())
		for j := row.FirstCol(); j < row.LastCol(); j++ {
			values[j] = row.Col(j)
		}
		cells = append(cells, values)
	}
	return &sheetSource{cells: cells}, nil
}
