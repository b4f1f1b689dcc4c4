package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type stepKind string

const (
	stepExec     stepKind = "exec"
	stepQuery    stepKind = "query"
	stepBegin    stepKind = "begin"
	stepCommit   stepKind = "commit"
	stepRollback stepKind = "rollback"
)

// step 是脚本化驱动期望收到的一次调用。
type step struct {
	kind     stepKind
	sql      string
	affected int64
	columns  []string
	rows     [][]driver.Value
	err      error
}

func expectExec(sql string, affected int64) step {
	return step{kind: stepExec, sql: sql, affected: affected}
}

func expectQuery(sql string, columns []string, rows ...[]driver.Value) step {
	return step{kind: stepQuery, sql: sql, columns: columns, rows: rows}
}

func expectBegin() step    { return step{kind: stepBegin} }
func expectCommit() step   { return step{kind: stepCommit} }
func expectRollback() step { return step{kind: stepRollback} }

func (s step) failWith(err error) step {
	s.err = err
	return s
}

// scriptedDriver 按顺序校验调用并回放预设结果。
type scriptedDriver struct {
	mu     sync.Mutex
	steps  []step
	pos    int
	params [][]driver.Value
}

var scriptSeq atomic.Int32

func openScripted(t *testing.T, steps ...step) (*sql.DB, *scriptedDriver) {
	t.Helper()
	drv := &scriptedDriver{steps: steps, params: make([][]driver.Value, len(steps))}
	name := fmt.Sprintf("scripted-mysql-%d", scriptSeq.Add(1))
	sql.Register(name, drv)
	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open scripted db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
		drv.mu.Lock()
		defer drv.mu.Unlock()
		if drv.pos != len(drv.steps) {
			t.Errorf("scripted driver consumed %d of %d steps", drv.pos, len(drv.steps))
		}
	})
	return db, drv
}

// paramsAt 返回第 i 步收到的参数。
func (d *scriptedDriver) paramsAt(i int) []driver.Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.params[i]
}

func (d *scriptedDriver) advance(kind stepKind, query string, args []driver.NamedValue) (step, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pos >= len(d.steps) {
		return step{}, fmt.Errorf("unexpected %s %q", kind, query)
	}
	want := d.steps[d.pos]
	if want.kind != kind {
		return step{}, fmt.Errorf("step %d: want %s, got %s", d.pos, want.kind, kind)
	}
	if want.sql != "" && squash(want.sql) != squash(query) {
		return step{}, fmt.Errorf("step %d: want %q, got %q", d.pos, squash(want.sql), squash(query))
	}
	vals := make([]driver.Value, len(args))
	for i, arg := range args {
		vals[i] = arg.Value
	}
	d.params[d.pos] = vals
	d.pos++
	return want, want.err
}

func (d *scriptedDriver) Open(string) (driver.Conn, error) { return &scriptedConn{d: d}, nil }

type scriptedConn struct{ d *scriptedDriver }

func (c *scriptedConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *scriptedConn) Close() error { return nil }

func (c *scriptedConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *scriptedConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.d.advance(stepBegin, "", nil); err != nil {
		return nil, err
	}
	return scriptedTx{d: c.d}, nil
}

func (c *scriptedConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	s, err := c.d.advance(stepExec, query, args)
	if err != nil {
		return nil, err
	}
	return driver.RowsAffected(s.affected), nil
}

func (c *scriptedConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	s, err := c.d.advance(stepQuery, query, args)
	if err != nil {
		return nil, err
	}
	return &scriptedRows{columns: s.columns, rows: s.rows}, nil
}

func (c *scriptedConn) Ping(context.Context) error { return nil }

type scriptedTx struct{ d *scriptedDriver }

func (t scriptedTx) Commit() error {
	_, err := t.d.advance(stepCommit, "", nil)
	return err
}

func (t scriptedTx) Rollback() error {
	_, err := t.d.advance(stepRollback, "", nil)
	return err
}

type scriptedRows struct {
	columns []string
	rows    [][]driver.Value
	next    int
}

func (r *scriptedRows) Columns() []string { return r.columns }
func (r *scriptedRows) Close() error      { return nil }

func (r *scriptedRows) Next(dest []driver.Value) error {
	if r.next >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.next])
	r.next++
	return nil
}

func squash(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
