// Package report reads roster workbooks and writes attendance exports. It
// only produces and consumes rows; validation and storage stay in the
// attendance service.
package report

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"rollcall/internal/attendance"
)

// ErrMissingColumns is returned when the upload lacks the required headers.
var ErrMissingColumns = errors.New("sheet must contain Roll Number and Name columns")

// ParseRoster reads the first sheet of an .xlsx upload. The header row must
// contain "Roll Number" and "Name" (any casing); "Branch" is optional. Rows
// with an empty roll or name are skipped, same as blank sheet lines.
func ParseRoster(r io.Reader) ([]attendance.ImportRow, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrMissingColumns
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrMissingColumns
	}

	rollCol, nameCol, branchCol := -1, -1, -1
	for i, header := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(header)) {
		case "roll number", "rollnumber", "roll":
			rollCol = i
		case "name":
			nameCol = i
		case "branch":
			branchCol = i
		}
	}
	if rollCol < 0 || nameCol < 0 {
		return nil, ErrMissingColumns
	}

	cell := func(row []string, col int) string {
		if col < 0 || col >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[col])
	}

	var out []attendance.ImportRow
	for _, row := range rows[1:] {
		roll := cell(row, rollCol)
		name := cell(row, nameCol)
		if roll == "" || name == "" {
			continue
		}
		out = append(out, attendance.ImportRow{
			Roll:   roll,
			Name:   name,
			Branch: cell(row, branchCol),
		})
	}
	return out, nil
}

// WriteAttendees writes the export workbook: one "Present Students" sheet
// with S.No, Roll Number, Name, Branch, and check-in time.
func WriteAttendees(w io.Writer, records []attendance.Record) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Present Students"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{"S.No", "Roll Number", "Name", "Branch", "Time"}
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}

	for i, rec := range records {
		values := []any{i + 1, rec.Roll, rec.Name, rec.Branch, rec.RecordedAt.Format("15:04:05")}
		for j, v := range values {
			cell, err := excelize.CoordinatesToCellName(j+1, i+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}

	return f.Write(w)
}
