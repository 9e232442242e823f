// Package storage is the persistence gateway: Proxy/Location CRUD plus
// the atomic claim-due operation, backed by a pgxpool connection pool.
//
// Grounded on the original's db_work.py (ProxyDb/LocationDb,
// select_and_set_proxy_to_process) and db.py's table shapes, ported onto
// github.com/jackc/pgx/v5/pgxpool in place of asyncpg/sqlalchemy.
package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prxfinder/prxfinder/internal/proxyval"
)

// ErrNotFound is returned by Select when no row matches.
var ErrNotFound = errors.New("storage: not found")

const proxyColumns = `host, port, login, password, date_creation, date_update, scheme, latency, is_alive, anonymous, in_process`

const locationColumns = `ip, country_name, country_code, region_code, region_name, city, time_zone, latitude, longitude, metro_code, zip_code`

// Gateway is everything the pipeline needs from the persistence layer.
// Implemented by *Postgres; tests substitute a fake.
type Gateway interface {
	InsertProxy(ctx context.Context, p *proxyval.Proxy) error
	UpdateProxy(ctx context.Context, p *proxyval.Proxy) error
	DeleteProxy(ctx context.Context, host string, port int) error
	SelectProxy(ctx context.Context, host string, port int) (*proxyval.Proxy, error)
	ClaimDue(ctx context.Context, staleAfter time.Duration) (*proxyval.Proxy, error)
	GetRandomAlive(ctx context.Context, scheme string, limit int) (*proxyval.Proxy, error)

	InsertLocation(ctx context.Context, l *proxyval.Location) error
	SelectLocation(ctx context.Context, ip string) (*proxyval.Location, error)
	DeleteLocation(ctx context.Context, ip string) error
	LocationExists(ctx context.Context, ip string) (bool, error)

	Close()
}

// Postgres is the pgx/v5-backed Gateway implementation.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects to uri and returns a ready Postgres gateway.
func Open(ctx context.Context, uri string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

// InsertProxy inserts p, doing nothing on a (host, port) conflict. The
// DB supplies date_creation; p.DateCreation is ignored.
func (s *Postgres) InsertProxy(ctx context.Context, p *proxyval.Proxy) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO proxy (host, port, login, password, scheme, latency, is_alive, anonymous, in_process)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (host, port) DO NOTHING`,
		p.Host, p.Port, nullStr(p.Login), nullStr(p.Password), string(p.Scheme),
		p.LatencySeconds, p.IsAlive, p.Anonymous, p.InProcess)
	if err != nil {
		return fmt.Errorf("storage: insert proxy: %w", err)
	}
	return nil
}

// UpdateProxy updates every supplied non-key column for p's (host, port)
// and sets date_update = now(). Callers that are releasing the row MUST
// set p.InProcess = false before calling.
func (s *Postgres) UpdateProxy(ctx context.Context, p *proxyval.Proxy) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE proxy SET login=$3, password=$4, scheme=$5, latency=$6, is_alive=$7,
			anonymous=$8, in_process=$9, date_update=now()
		WHERE host=$1 AND port=$2`,
		p.Host, p.Port, nullStr(p.Login), nullStr(p.Password), string(p.Scheme),
		p.LatencySeconds, p.IsAlive, p.Anonymous, p.InProcess)
	if err != nil {
		return fmt.Errorf("storage: update proxy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProxy removes the row identified by (host, port).
func (s *Postgres) DeleteProxy(ctx context.Context, host string, port int) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM proxy WHERE host=$1 AND port=$2`, host, port)
	if err != nil {
		return fmt.Errorf("storage: delete proxy: %w", err)
	}
	return nil
}

// SelectProxy fetches the row identified by (host, port).
func (s *Postgres) SelectProxy(ctx context.Context, host string, port int) (*proxyval.Proxy, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+proxyColumns+` FROM proxy WHERE host=$1 AND port=$2`, host, port)
	p, err := scanProxy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: select proxy: %w", err)
	}
	return p, nil
}

// ClaimDue atomically selects one row due for a recheck and marks it
// in_process=true within a single transaction, so two concurrent
// reschedulers cannot claim the same row: the selected row is locked
// FOR UPDATE, and a row another transaction holds is skipped. Returns
// ErrNotFound if nothing qualifies.
func (s *Postgres) ClaimDue(ctx context.Context, staleAfter time.Duration) (*proxyval.Proxy, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+proxyColumns+` FROM proxy WHERE date_update IS NULL AND in_process=false LIMIT 1 FOR UPDATE SKIP LOCKED`)
	p, err := scanProxy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		cutoff := time.Now().Add(-staleAfter)
		row = tx.QueryRow(ctx, `SELECT `+proxyColumns+` FROM proxy WHERE date_update < $1 AND in_process=false LIMIT 1 FOR UPDATE SKIP LOCKED`, cutoff)
		p, err = scanProxy(row)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: claim select: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE proxy SET in_process=true WHERE host=$1 AND port=$2`, p.Host, p.Port); err != nil {
		return nil, fmt.Errorf("storage: claim update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: claim commit: %w", err)
	}
	p.InProcess = true
	return p, nil
}

// GetRandomAlive selects rows where is_alive=true, optionally filtered
// by scheme (empty string means any), ordered by latency ascending,
// limited to limit rows, then picks uniformly at random among them.
// Returns ErrNotFound if nothing qualifies.
func (s *Postgres) GetRandomAlive(ctx context.Context, scheme string, limit int) (*proxyval.Proxy, error) {
	var rows pgx.Rows
	var err error
	if scheme == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT `+proxyColumns+` FROM proxy WHERE is_alive=true
			ORDER BY latency ASC LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+proxyColumns+` FROM proxy WHERE is_alive=true AND scheme=$2
			ORDER BY latency ASC LIMIT $1`, limit, scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get random alive: %w", err)
	}
	defer rows.Close()

	var candidates []*proxyval.Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan random alive row: %w", err)
		}
		candidates = append(candidates, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: get random alive: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// InsertLocation inserts l, doing nothing on an ip conflict.
func (s *Postgres) InsertLocation(ctx context.Context, l *proxyval.Location) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO location (`+locationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (ip) DO NOTHING`,
		l.IP, l.CountryName, l.CountryCode, l.RegionCode, l.RegionName,
		l.City, l.TimeZone, l.Latitude, l.Longitude, l.MetroCode, l.ZipCode)
	if err != nil {
		return fmt.Errorf("storage: insert location: %w", err)
	}
	return nil
}

// SelectLocation fetches the location row for ip.
func (s *Postgres) SelectLocation(ctx context.Context, ip string) (*proxyval.Location, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+locationColumns+` FROM location WHERE ip=$1`, ip)
	l, err := scanLocation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: select location: %w", err)
	}
	return l, nil
}

// DeleteLocation removes the location row for ip.
func (s *Postgres) DeleteLocation(ctx context.Context, ip string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM location WHERE ip=$1`, ip)
	if err != nil {
		return fmt.Errorf("storage: delete location: %w", err)
	}
	return nil
}

// LocationExists reports whether a location row exists for ip.
func (s *Postgres) LocationExists(ctx context.Context, ip string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM location WHERE ip=$1)`, ip).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: location exists: %w", err)
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProxy(row rowScanner) (*proxyval.Proxy, error) {
	var (
		p        proxyval.Proxy
		login    *string
		password *string
		scheme   *string
	)
	err := row.Scan(&p.Host, &p.Port, &login, &password, &p.DateCreation, &p.DateUpdate,
		&scheme, &p.LatencySeconds, &p.IsAlive, &p.Anonymous, &p.InProcess)
	if err != nil {
		return nil, err
	}
	if login != nil {
		p.Login = *login
	}
	if password != nil {
		p.Password = *password
	}
	if scheme != nil {
		p.Scheme = proxyval.Scheme(*scheme)
	}
	return &p, nil
}

func scanLocation(row rowScanner) (*proxyval.Location, error) {
	var l proxyval.Location
	err := row.Scan(&l.IP, &l.CountryName, &l.CountryCode, &l.RegionCode, &l.RegionName,
		&l.City, &l.TimeZone, &l.Latitude, &l.Longitude, &l.MetroCode, &l.ZipCode)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
