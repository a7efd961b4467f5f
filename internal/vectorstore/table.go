package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// Row is a generic record: text/bool columns by name, plus an optional
// vector and, for nearest() results, a synthetic "_distance" score.
type Row map[string]any

// table is the shared append/nearest/scan/update/delete primitive the spec
// asks each entity table to expose (§4.B). It has no notion of "topic" or
// "question" — those are layered on by Store's entity-specific methods.
type table struct {
	db   *sql.DB
	name string
	// textCols are the table's non-vector string columns, in schema order.
	textCols []string
	// boolCol is the optional boolean column name ("" if none).
	boolCol string
	// listCol is the optional []string column name, JSON-encoded ("" if none).
	listCol string
	dim     int
}

func (t *table) columns() []string {
	cols := append([]string{}, t.textCols...)
	if t.boolCol != "" {
		cols = append(cols, t.boolCol)
	}
	if t.listCol != "" {
		cols = append(cols, t.listCol)
	}
	cols = append(cols, "vector")
	return cols
}

// append batch-inserts rows. Each Row must supply every text column and the
// bool/list column if the table has one, plus "vector".
func (t *table) append(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	cols := t.columns()
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "?"
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.name, joinCols(cols), joinCols(placeholders))
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vectorstore: begin append on %s: %w", t.name, err)
	}
	defer tx.Rollback() //nolint:errcheck

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("vectorstore: prepare append on %s: %w", t.name, err)
	}
	defer prepared.Close()

	for _, r := range rows {
		args := make([]any, 0, len(cols))
		for _, c := range t.textCols {
			args = append(args, asString(r[c]))
		}
		if t.boolCol != "" {
			args = append(args, asBool(r[t.boolCol]))
		}
		if t.listCol != "" {
			args = append(args, encodeList(asStringSlice(r[t.listCol])))
		}
		args = append(args, encodeVector(asVector(r["vector"])))
		if _, err := prepared.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("vectorstore: append row into %s: %w", t.name, err)
		}
	}
	return tx.Commit()
}

// scan returns every row matching filter (or all rows if filter is empty),
// without computing a distance.
func (t *table) scan(ctx context.Context, filter Filter) ([]Row, error) {
	query := fmt.Sprintf("SELECT %s FROM %s", joinCols(t.columns()), t.name)
	if filter != "" {
		query += " WHERE " + string(filter)
	}
	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: scan %s: %w", t.name, err)
	}
	defer rows.Close()
	return t.scanRows(rows)
}

// nearest returns up to limit rows matching filter, ordered by ascending
// squared-L2 distance to vector, each carrying a "_distance" key.
func (t *table) nearest(ctx context.Context, vector []float32, limit int, filter Filter) ([]Row, error) {
	all, err := t.scan(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i := range all {
		all[i]["_distance"] = squaredL2(vector, asVector(all[i]["vector"]))
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i]["_distance"].(float32) < all[j]["_distance"].(float32)
	})
	if limit >= 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// update sets column := value on every row matching filter.
func (t *table) update(ctx context.Context, filter Filter, column string, value any) error {
	query := fmt.Sprintf("UPDATE %s SET %s = ?", t.name, column)
	if filter != "" {
		query += " WHERE " + string(filter)
	}
	if _, err := t.db.ExecContext(ctx, query, value); err != nil {
		return fmt.Errorf("vectorstore: update %s: %w", t.name, err)
	}
	return nil
}

// delete removes every row matching filter.
func (t *table) delete(ctx context.Context, filter Filter) error {
	query := fmt.Sprintf("DELETE FROM %s", t.name)
	if filter != "" {
		query += " WHERE " + string(filter)
	}
	if _, err := t.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("vectorstore: delete from %s: %w", t.name, err)
	}
	return nil
}

func (t *table) scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		dest := make([]any, 0, len(t.columns()))
		texts := make([]sql.NullString, len(t.textCols))
		for i := range texts {
			dest = append(dest, &texts[i])
		}
		var boolVal sql.NullBool
		if t.boolCol != "" {
			dest = append(dest, &boolVal)
		}
		var listVal sql.NullString
		if t.listCol != "" {
			dest = append(dest, &listVal)
		}
		var vecBlob []byte
		dest = append(dest, &vecBlob)

		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("vectorstore: scan row in %s: %w", t.name, err)
		}
		r := Row{}
		for i, c := range t.textCols {
			r[c] = texts[i].String
		}
		if t.boolCol != "" {
			r[t.boolCol] = boolVal.Bool
		}
		if t.listCol != "" {
			r[t.listCol] = decodeList(listVal.String)
		}
		r["vector"] = decodeVector(vecBlob, t.dim)
		out = append(out, r)
	}
	return out, rows.Err()
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	if v == nil {
		return false
	}
	b, _ := v.(bool)
	return b
}

func asStringSlice(v any) []string {
	if v == nil {
		return nil
	}
	s, _ := v.([]string)
	return s
}

func asVector(v any) []float32 {
	if v == nil {
		return nil
	}
	f, _ := v.([]float32)
	return f
}
