package identity

import (
	"context"
	"errors"
	"fmt"

	"PPresence/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLoader reads users from a table with columns id, username, roles (text[]).
type PostgresLoader struct {
	pool  *pgxpool.Pool
	query string
}

func NewPostgresLoader(ctx context.Context, dsn, table string) (*PostgresLoader, error) {
	if dsn == "" {
		return nil, errs.ErrArgs.WrapMsg("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.WrapMsg(err, "pgxpool new")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.WrapMsg(err, "postgres ping")
	}
	return &PostgresLoader{pool: pool, query: userQuery(table)}, nil
}

func userQuery(table string) string {
	if table == "" {
		table = "users"
	}
	return fmt.Sprintf("SELECT username, coalesce(roles, '{}') FROM %s WHERE id::text = $1",
		pgx.Identifier{table}.Sanitize())
}

func (l *PostgresLoader) Load(ctx context.Context, userID string) (*User, error) {
	u := User{ID: userID}
	err := l.pool.QueryRow(ctx, l.query, userID).Scan(&u.Username, &u.Roles)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound.WrapMsg("", "user_id", userID)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "postgres load user", "user_id", userID)
	}
	return &u, nil
}

func (l *PostgresLoader) Close() { l.pool.Close() }
