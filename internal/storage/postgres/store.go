// Package postgres хранит каталог, заказы, outbox и ключи идемпотентности в PostgreSQL
// через pgx, подключённый к database/sql.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

const (
	pingTimeout = 5 * time.Second
	opTimeout   = 5 * time.Second

	defaultApplicationName = "ordercore"
)

var errStoreNotInitialized = errors.New("postgres store is not initialized")

// pool — параметры database/sql пула; idle-лимит всегда равен open-лимиту.
type pool struct {
	maxConns    int
	maxLifetime time.Duration
	maxIdleTime time.Duration
	appName     string
}

func defaultPool() pool {
	return pool{
		maxConns:    25,
		maxLifetime: 30 * time.Minute,
		maxIdleTime: 5 * time.Minute,
		appName:     defaultApplicationName,
	}
}

func (p pool) apply(db *sql.DB) {
	db.SetMaxOpenConns(p.maxConns)
	db.SetMaxIdleConns(p.maxConns)
	db.SetConnMaxLifetime(p.maxLifetime)
	db.SetConnMaxIdleTime(p.maxIdleTime)
}

// Option настраивает пул подключений.
type Option func(*pool)

func WithMaxOpenConns(n int) Option {
	return func(p *pool) {
		if n > 0 {
			p.maxConns = n
		}
	}
}

func WithConnMaxLifetime(d time.Duration) Option {
	return func(p *pool) {
		if d > 0 {
			p.maxLifetime = d
		}
	}
}

// WithApplicationName подписывает подключения в pg_stat_activity.
func WithApplicationName(name string) Option {
	return func(p *pool) {
		if name != "" {
			p.appName = name
		}
	}
}

// Store держит пул подключений; репозитории пакета работают поверх него.
type Store struct {
	db *sql.DB
}

// Open разбирает DSN, открывает пул и дожидается ответа базы.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	p := defaultPool()
	for _, opt := range opts {
		opt(&p)
	}

	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if _, set := connCfg.RuntimeParams["application_name"]; !set {
		connCfg.RuntimeParams["application_name"] = p.appName
	}

	db := stdlib.OpenDB(*connCfg)
	p.apply(db)

	store := &Store{db: db}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// EnsureSchema доводит схему до последней встроенной миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// queryer: общее подмножество *sql.DB и *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// queryAll выполняет запрос и сканирует каждую строку через scan; op попадает в текст ошибки.
func queryAll[T any](ctx context.Context, q queryer, op string, scan func(rowScanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, wrapErr(op+": scan", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op, err)
	}
	return out, nil
}
