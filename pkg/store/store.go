// Package store is the table store behind reminders and emergency alerts.
//
// Callers build queries fluently, the way a hosted row store client does:
//
//	rows, err := client.From(store.TableReminders).Select().Eq("pair_id", id).Order("date", false).Execute(ctx)
//
// The Executor interface keeps the builder independent of the backend.
package store

import (
	"context"
	"errors"
	"fmt"
)

const (
	TableReminders       = "reminders"
	TableEmergencyAlerts = "emergency_alerts"
)

var (
	ErrUnknownTable  = errors.New("store: unknown table")
	ErrUnknownColumn = errors.New("store: unknown column")
	ErrEmptyRecord   = errors.New("store: empty record")
	ErrNoFilter      = errors.New("store: update and delete require at least one filter")
)

// Record is one row keyed by column name.
type Record map[string]any

// String returns the column as a string, or "" when absent or not textual.
func (r Record) String(column string) string {
	switch v := r[column].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

type Operation int

const (
	OpSelect Operation = iota
	OpUpdate
	OpDelete
)

type Filter struct {
	Column string
	Value  any
}

type OrderBy struct {
	Column     string
	Descending bool
}

// Query is the backend-neutral description of a select, update or delete.
type Query struct {
	Table   string
	Op      Operation
	Filters []Filter
	Orders  []OrderBy
	Limit   int
	Values  Record
}

// Result mirrors a hosted store response: returned rows plus affected count.
type Result struct {
	Rows     []Record
	Affected int64
}

// Executor runs queries against a concrete backend.
type Executor interface {
	Insert(ctx context.Context, table string, rec Record) (Record, error)
	Run(ctx context.Context, q Query) (Result, error)
}

type Client struct {
	exec Executor
}

func NewClient(exec Executor) *Client {
	return &Client{exec: exec}
}

// TableRef scopes operations to one table.
type TableRef struct {
	client *Client
	table  string
}

func (c *Client) From(table string) *TableRef {
	return &TableRef{client: c, table: table}
}

// Insert stores rec and returns the row as persisted, including generated columns.
func (t *TableRef) Insert(ctx context.Context, rec Record) (Record, error) {
	if len(rec) == 0 {
		return nil, ErrEmptyRecord
	}
	return t.client.exec.Insert(ctx, t.table, rec)
}

func (t *TableRef) Select() *QueryBuilder {
	return &QueryBuilder{client: t.client, q: Query{Table: t.table, Op: OpSelect}}
}

func (t *TableRef) Update(values Record) *QueryBuilder {
	return &QueryBuilder{client: t.client, q: Query{Table: t.table, Op: OpUpdate, Values: values}}
}

func (t *TableRef) Delete() *QueryBuilder {
	return &QueryBuilder{client: t.client, q: Query{Table: t.table, Op: OpDelete}}
}

type QueryBuilder struct {
	client *Client
	q      Query
}

func (b *QueryBuilder) Eq(column string, value any) *QueryBuilder {
	b.q.Filters = append(b.q.Filters, Filter{Column: column, Value: value})
	return b
}

func (b *QueryBuilder) Order(column string, descending bool) *QueryBuilder {
	b.q.Orders = append(b.q.Orders, OrderBy{Column: column, Descending: descending})
	return b
}

func (b *QueryBuilder) Limit(n int) *QueryBuilder {
	b.q.Limit = n
	return b
}

// Query returns a copy of the built query.
func (b *QueryBuilder) Query() Query {
	q := b.q
	q.Filters = append([]Filter(nil), b.q.Filters...)
	q.Orders = append([]OrderBy(nil), b.q.Orders...)
	return q
}

func (b *QueryBuilder) Execute(ctx context.Context) (Result, error) {
	if (b.q.Op == OpUpdate || b.q.Op == OpDelete) && len(b.q.Filters) == 0 {
		return Result{}, ErrNoFilter
	}
	if b.q.Op == OpUpdate && len(b.q.Values) == 0 {
		return Result{}, ErrEmptyRecord
	}
	return b.client.exec.Run(ctx, b.Query())
}
