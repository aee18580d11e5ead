package database

import (
	"fmt"

	domainErrors "github.com/davidleathers/txsession/internal/domain/errors"
)

// ProjectedRow holds the raw bytes of the requested columns, in request order.
// A nil entry is SQL NULL.
type ProjectedRow [][]byte

// projector resolves requested column names against a result description once
// and then extracts values row by row.
type projector struct {
	columns []string
	indices []int
}

func newProjector(columns []string) *projector {
	return &projector{columns: columns}
}

// resolve maps each requested name to the first result column with that name.
func (p *projector) resolve(resultColumns []string) error {
	if p.indices != nil {
		return nil
	}

	positions := make(map[string]int, len(resultColumns))
	for i, name := range resultColumns {
		if _, ok := positions[name]; !ok {
			positions[name] = i
		}
	}

	indices := make([]int, len(p.columns))
	for i, name := range p.columns {
		pos, ok := positions[name]
		if !ok {
			return domainErrors.NewValidationError("COLUMN_NOT_FOUND",
				fmt.Sprintf("column %q not found in result set", name)).
				WithDetails(map[string]interface{}{
					"column":    name,
					"available": resultColumns,
				})
		}
		indices[i] = pos
	}
	p.indices = indices
	return nil
}

// project copies the selected values out of the driver's row buffer.
func (p *projector) project(raw [][]byte) ProjectedRow {
	row := make(ProjectedRow, len(p.indices))
	for i, idx := range p.indices {
		if raw[idx] == nil {
			continue
		}
		v := make([]byte, len(raw[idx]))
		copy(v, raw[idx])
		row[i] = v
	}
	return row
}

// ProjectAll drains rows, projecting each one onto columns in result order.
// Rows are always closed.
func ProjectAll(rows Rows, columns []string) ([]ProjectedRow, error) {
	defer rows.Close()

	p := newProjector(columns)
	result := make([]ProjectedRow, 0)
	for rows.Next() {
		if err := p.resolve(rows.Columns()); err != nil {
			return nil, err
		}
		result = append(result, p.project(rows.RawValues()))
	}
	if err := rows.Err(); err != nil {
		return nil, driverError(err, "query failed")
	}
	if err := p.resolve(rows.Columns()); err != nil {
		return nil, err
	}
	return result, nil
}

// ProjectOne expects zero or one row. It reports false when the result is
// empty and fails with MULTIPLE_ROWS when more than one row is returned.
func ProjectOne(rows Rows, columns []string) (ProjectedRow, bool, error) {
	defer rows.Close()

	p := newProjector(columns)
	var (
		row   ProjectedRow
		found bool
	)
	for rows.Next() {
		if found {
			return nil, false, domainErrors.NewDriverError("MULTIPLE_ROWS", "query returned more than one row")
		}
		if err := p.resolve(rows.Columns()); err != nil {
			return nil, false, err
		}
		row = p.project(rows.RawValues())
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, false, driverError(err, "query failed")
	}
	if err := p.resolve(rows.Columns()); err != nil {
		return nil, false, err
	}
	return row, found, nil
}
