// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package compat adapts a Handle to database/sql/driver, so existing code
// written against database/sql can run queries over the private
// X-protocol dialect without learning internal/handle's own surface. It
// is never imported by internal/handle or internal/pool: wiring it in is
// entirely the importing program's choice, made by blank-importing this
// package, so the compatibility facade stays an optional collaborator
// rather than a core dependency.
package compat

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"sync"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/xiaoma20082008/polardbx-glue/internal/config"
	"github.com/xiaoma20082008/polardbx-glue/internal/dsn"
	"github.com/xiaoma20082008/polardbx-glue/internal/handle"
	"github.com/xiaoma20082008/polardbx-glue/internal/pool"
	"github.com/xiaoma20082008/polardbx-glue/internal/transport"
	"github.com/xiaoma20082008/polardbx-glue/internal/wire"
)

// DriverName is the name registered with database/sql when this package
// is blank-imported.
const DriverName = "polardbx-compat"

func init() {
	sql.Register(DriverName, &Driver{})
}

func defaultPoolConfig() config.PoolConfig { return config.DefaultPoolConfig() }

// Driver implements database/sql/driver.Driver and driver.DriverContext,
// each Open lazily creating (and caching) a Pool for the Target named by
// the DSN, so repeated Opens of the same DSN share one Pool rather than
// one Transport directory per *sql.DB.
type Driver struct {
	pools poolCache
}

// Open parses dataSourceName as a polarx:// DSN and returns a Conn backed
// by a freshly acquired Handle.
func (d *Driver) Open(dataSourceName string) (driver.Conn, error) {
	c, err := d.OpenConnector(dataSourceName)
	if err != nil {
		return nil, err
	}
	return c.Connect(context.Background())
}

// OpenConnector implements driver.DriverContext so database/sql can reuse
// one parsed DSN/Pool pair across the lifetime of an *sql.DB.
func (d *Driver) OpenConnector(dataSourceName string) (driver.Connector, error) {
	info, err := dsn.Parse(dataSourceName)
	if err != nil {
		return nil, err
	}
	target := transport.Target{
		Host:     info.Host,
		Port:     info.Port,
		User:     info.User,
		Password: info.Password,
		Schema:   info.Schema,
	}
	p := d.pools.get(target)
	return &connector{driver: d, pool: p, target: target}, nil
}

// poolCache hands out one Pool per distinct Target so concurrent
// *sql.DB.Open calls for the same DSN share a Transport/Session directory
// instead of each opening its own.
type poolCache struct {
	mu    sync.Mutex
	pools map[string]*pool.Pool
}

func (c *poolCache) get(target transport.Target) *pool.Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pools == nil {
		c.pools = make(map[string]*pool.Pool)
	}
	if p, ok := c.pools[target.Key()]; ok {
		return p
	}
	cfg := defaultPoolConfig()
	p := pool.New(cfg)
	c.pools[target.Key()] = p
	return p
}

// connector implements driver.Connector, acquiring (and initializing) a
// fresh Handle on every Connect.
type connector struct {
	driver *Driver
	pool   *pool.Pool
	target transport.Target
}

func (c *connector) Connect(ctx context.Context) (driver.Conn, error) {
	h, err := c.pool.Acquire(ctx, c.target, c.target.Schema)
	if err != nil {
		return nil, err
	}
	if err := h.Init(ctx, 0); err != nil {
		_ = h.Close()
		return nil, err
	}
	return &Conn{h: h}, nil
}

func (c *connector) Driver() driver.Driver { return c.driver }

// Conn implements driver.Conn, driver.QueryerContext, driver.ExecerContext
// and driver.Pinger over a single Handle lease.
type Conn struct {
	h *handle.Handle
}

func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return &Stmt{conn: c, query: query}, nil
}

func (c *Conn) Close() error { return c.h.Close() }

// Begin starts a transaction with default options by delegating to
// BeginTx; database/sql itself calls BeginTx, since Conn implements
// driver.ConnBeginTx.
func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if err := c.h.SetAutoCommit(ctx, false); err != nil {
		return nil, err
	}
	return &tx{h: c.h}, nil
}

type tx struct{ h *handle.Handle }

func (t *tx) Commit() error {
	ctx := context.Background()
	_, _, err := t.h.ExecUpdate(ctx, "COMMIT", nil, handle.ExecOptions{})
	if err != nil {
		return err
	}
	return t.h.SetAutoCommit(ctx, true)
}

func (t *tx) Rollback() error {
	ctx := context.Background()
	_, _, err := t.h.ExecUpdate(ctx, "ROLLBACK", nil, handle.ExecOptions{})
	if err != nil {
		return err
	}
	return t.h.SetAutoCommit(ctx, true)
}

func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.h.GetConnectionID(ctx)
	return err
}

func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	params, err := toParams(args)
	if err != nil {
		return nil, err
	}
	stream, err := c.h.ExecQuery(ctx, query, params, handle.ExecOptions{})
	if err != nil {
		return nil, err
	}
	return &Rows{stream: stream}, nil
}

func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	params, err := toParams(args)
	if err != nil {
		return nil, err
	}
	affected, lastID, err := c.h.ExecUpdate(ctx, query, params, handle.ExecOptions{})
	if err != nil {
		return nil, err
	}
	return execResult{affected: affected, lastID: lastID}, nil
}

// Stmt is a thin closure over Conn plus a fixed query text; the storage
// node has no prepare/execute split in this dialect distinct from a plain
// ExecSQL, so Prepare does no round trip.
type Stmt struct {
	conn  *Conn
	query string
}

func (s *Stmt) Close() error { return nil }

func (s *Stmt) NumInput() int { return -1 }

func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.conn.ExecContext(context.Background(), s.query, valuesToNamed(args))
}

func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.conn.QueryContext(context.Background(), s.query, valuesToNamed(args))
}

func valuesToNamed(args []driver.Value) []driver.NamedValue {
	out := make([]driver.NamedValue, len(args))
	for i, v := range args {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return out
}

// execResult implements driver.Result.
type execResult struct {
	affected uint64
	lastID   uint64
}

func (r execResult) LastInsertId() (int64, error) { return int64(r.lastID), nil }
func (r execResult) RowsAffected() (int64, error) { return int64(r.affected), nil }

// Rows adapts a resultstream.Stream to driver.Rows, coercing wire values
// through pgtype into database/sql's driver.Value set.
type Rows struct {
	stream interface {
		Columns() []*wire.ColumnMeta
		Next() bool
		Row() []wire.Param
		Err() error
	}
}

func (r *Rows) Columns() []string {
	cols := r.stream.Columns()
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

func (r *Rows) Close() error { return nil }

func (r *Rows) Next(dest []driver.Value) error {
	if !r.stream.Next() {
		if err := r.stream.Err(); err != nil {
			return err
		}
		return io.EOF
	}
	row := r.stream.Row()
	for i, p := range row {
		if i >= len(dest) {
			break
		}
		dest[i] = paramToValue(p)
	}
	return nil
}

func paramToValue(p wire.Param) driver.Value {
	switch p.Kind {
	case wire.ParamNull:
		return nil
	case wire.ParamInt64:
		var n pgtype.Int8
		_ = n.Scan(p.I64)
		return n.Int64
	case wire.ParamDouble:
		var f pgtype.Float8
		_ = f.Scan(p.F64)
		return f.Float64
	case wire.ParamString:
		return p.Str
	case wire.ParamBytes:
		return p.Buf
	case wire.ParamBool:
		return p.Bool
	default:
		return nil
	}
}

func toParams(args []driver.NamedValue) ([]wire.Param, error) {
	out := make([]wire.Param, len(args))
	for i, a := range args {
		out[i] = valueToParam(a.Value)
	}
	return out, nil
}

func valueToParam(v driver.Value) wire.Param {
	switch t := v.(type) {
	case nil:
		return wire.Param{Kind: wire.ParamNull}
	case int64:
		return wire.Param{Kind: wire.ParamInt64, I64: t}
	case float64:
		return wire.Param{Kind: wire.ParamDouble, F64: t}
	case bool:
		return wire.Param{Kind: wire.ParamBool, Bool: t}
	case []byte:
		return wire.Param{Kind: wire.ParamBytes, Buf: t}
	case string:
		return wire.Param{Kind: wire.ParamString, Str: t}
	default:
		return wire.Param{Kind: wire.ParamString, Str: ""}
	}
}
