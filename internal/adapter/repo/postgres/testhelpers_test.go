package postgres_test

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakePool is a scriptable postgres.PgxPool. Responses are consumed in
// FIFO order; an empty script yields success with zero rows. Executed
// SQL is recorded with collapsed whitespace for assertions.
type fakePool struct {
	SQL []string

	execTags []pgconn.CommandTag
	execErrs []error
	rows     []fakeRowScript
	queries  []queryScript
}

type fakeRowScript struct {
	values []any
	err    error
}

type queryScript struct {
	rows [][]any
	err  error
}

func normalizeSQL(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func (p *fakePool) queueExec(tag string, err error) {
	p.execTags = append(p.execTags, pgconn.NewCommandTag(tag))
	p.execErrs = append(p.execErrs, err)
}

func (p *fakePool) queueRow(err error, values ...any) {
	p.rows = append(p.rows, fakeRowScript{values: values, err: err})
}

func (p *fakePool) queueQuery(err error, rows ...[]any) {
	p.queries = append(p.queries, queryScript{rows: rows, err: err})
}

func (p *fakePool) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	p.SQL = append(p.SQL, normalizeSQL(sql))
	if len(p.execTags) == 0 {
		return pgconn.NewCommandTag("OK 1"), nil
	}
	tag, err := p.execTags[0], p.execErrs[0]
	p.execTags, p.execErrs = p.execTags[1:], p.execErrs[1:]
	return tag, err
}

func (p *fakePool) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	p.SQL = append(p.SQL, normalizeSQL(sql))
	if len(p.rows) == 0 {
		return fakeRow{err: pgx.ErrNoRows}
	}
	script := p.rows[0]
	p.rows = p.rows[1:]
	return fakeRow{values: script.values, err: script.err}
}

func (p *fakePool) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	p.SQL = append(p.SQL, normalizeSQL(sql))
	if len(p.queries) == 0 {
		return &fakeRows{}, nil
	}
	script := p.queries[0]
	p.queries = p.queries[1:]
	if script.err != nil {
		return nil, script.err
	}
	return &fakeRows{rows: script.rows}, nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignAll(dest, r.values)
}

type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return assignAll(dest, r.rows[r.idx-1])
}

func assignAll(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan arity mismatch: %d dest, %d values", len(dest), len(values))
	}
	for i := range dest {
		if err := assign(dest[i], values[i]); err != nil {
			return err
		}
	}
	return nil
}

func assign(dest, src any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("scan dest must be a non-nil pointer, got %T", dest)
	}
	ev := dv.Elem()
	if src == nil {
		ev.Set(reflect.Zero(ev.Type()))
		return nil
	}
	sv := reflect.ValueOf(src)
	switch {
	case sv.Type().AssignableTo(ev.Type()):
		ev.Set(sv)
	case sv.Type().ConvertibleTo(ev.Type()):
		ev.Set(sv.Convert(ev.Type()))
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dest)
	}
	return nil
}
