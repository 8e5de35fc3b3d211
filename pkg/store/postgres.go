package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/speedrun-hq/sentinel/pkg/logger"
	"github.com/speedrun-hq/sentinel/pkg/models"
	"github.com/speedrun-hq/sentinel/pkg/retry"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS sweep_transactions (
  hash         text        PRIMARY KEY,
  wallet       text        NOT NULL,
  to_address   text        NOT NULL,
  token_kind   text        NOT NULL,
  amount       text        NOT NULL,
  status       text        NOT NULL,
  gas_used     bigint      NOT NULL DEFAULT 0,
  block_number bigint      NOT NULL DEFAULT 0,
  error        text        NOT NULL DEFAULT '',
  created_at   timestamptz NOT NULL DEFAULT now(),
  updated_at   timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sweep_transactions_wallet_status ON sweep_transactions(wallet, status, created_at);

CREATE TABLE IF NOT EXISTS gas_funding_events (
  id         bigserial   PRIMARY KEY,
  target     text        NOT NULL,
  amount     text        NOT NULL,
  hash       text,
  reason     text        NOT NULL,
  success    boolean     NOT NULL,
  error      text        NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS error_log (
  id         bigserial   PRIMARY KEY,
  wallet     text        NOT NULL,
  source     text        NOT NULL,
  error_type text        NOT NULL,
  message    text        NOT NULL,
  hash       text,
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_error_log_created_at ON error_log(created_at);

CREATE TABLE IF NOT EXISTS lifecycle_events (
  id         text        PRIMARY KEY,
  type       text        NOT NULL,
  wallet     text        NOT NULL,
  data       jsonb,
  created_at timestamptz NOT NULL DEFAULT now()
);
`

// Postgres is a Datastore backed by PostgreSQL through the pgx database/sql driver.
// Writes are retried with backoff; reads are not.
type Postgres struct {
	db     *sql.DB
	policy retry.Policy
	logger logger.Logger
}

var _ Datastore = (*Postgres)(nil)

// OpenPostgres connects to dsn and verifies the connection
func OpenPostgres(ctx context.Context, dsn string, log logger.Logger) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database url is empty")
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(8)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	p := &Postgres{db: db, logger: log}
	p.policy = retry.DefaultPolicy
	p.policy.Classify = classifyDBError
	p.policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		log.Debug("Datastore write failed (attempt %d), retrying in %s: %v", attempt, wait, err)
	}
	return p, nil
}

// EnsureSchema creates the tables if they do not exist
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schemaDDL)
	return err
}

func (p *Postgres) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// classifyDBError stops retrying on cancellation and on missing rows
func classifyDBError(err error) retry.Class {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNotFound) {
		return retry.Fatal
	}
	return retry.Retryable
}

func (p *Postgres) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := retry.Do(ctx, p.policy, func(ctx context.Context) error {
		var err error
		result, err = p.db.ExecContext(ctx, query, args...)
		return err
	})
	return result, err
}

func (p *Postgres) SaveTransaction(ctx context.Context, rec models.TransactionRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := p.exec(ctx, `
INSERT INTO sweep_transactions(hash, wallet, to_address, token_kind, amount, status, gas_used, block_number, error, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
ON CONFLICT (hash) DO UPDATE SET status = EXCLUDED.status, amount = EXCLUDED.amount, error = EXCLUDED.error, updated_at = now()`,
		rec.Hash.Hex(), rec.Wallet.Hex(), rec.To.Hex(), string(rec.TokenKind), rec.Amount, string(rec.Status),
		int64(rec.GasUsed), int64(rec.BlockNumber), rec.Error, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save transaction %s: %w", rec.Hash.Hex(), err)
	}
	return nil
}

func (p *Postgres) UpdateTransactionStatus(ctx context.Context, hash common.Hash, status models.TxStatus, update models.StatusUpdate) error {
	res, err := p.exec(ctx, `
UPDATE sweep_transactions
SET status = $2,
    gas_used = CASE WHEN $3 > 0 THEN $3 ELSE gas_used END,
    block_number = CASE WHEN $4 > 0 THEN $4 ELSE block_number END,
    error = CASE WHEN $5 <> '' THEN $5 ELSE error END,
    updated_at = now()
WHERE hash = $1`,
		hash.Hex(), string(status), int64(update.GasUsed), int64(update.BlockNumber), update.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction %s: %w", hash.Hex(), err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetFailedTransactions(ctx context.Context, wallet common.Address, limit int) ([]models.TransactionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
SELECT hash, wallet, to_address, token_kind, amount, status, gas_used, block_number, error, created_at, updated_at
FROM sweep_transactions
WHERE wallet = $1 AND status = $2
ORDER BY created_at DESC
LIMIT $3`, wallet.Hex(), string(models.TxFailed), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TransactionRecord
	for rows.Next() {
		var (
			rec                      models.TransactionRecord
			hash, from, to, kind, st string
			gasUsed, blockNumber     int64
		)
		if err := rows.Scan(&hash, &from, &to, &kind, &rec.Amount, &st, &gasUsed, &blockNumber, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Hash = common.HexToHash(hash)
		rec.Wallet = common.HexToAddress(from)
		rec.To = common.HexToAddress(to)
		rec.TokenKind = models.TokenKind(kind)
		rec.Status = models.TxStatus(st)
		rec.GasUsed = uint64(gasUsed)
		rec.BlockNumber = uint64(blockNumber)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveError(ctx context.Context, ev models.ErrorEvent) error {
	_, err := p.exec(ctx,
		`INSERT INTO error_log(wallet, source, error_type, message, hash, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		ev.Wallet.Hex(), ev.Source, ev.ErrorType, ev.Message, nullableHash(ev.Hash), timeOrNow(ev.CreatedAt),
	)
	return err
}

func (p *Postgres) SaveEvent(ctx context.Context, ev models.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %v", err)
	}
	_, err = p.exec(ctx,
		`INSERT INTO lifecycle_events(id, type, wallet, data, created_at) VALUES ($1,$2,$3,$4,$5) ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Type, ev.Wallet.Hex(), data, timeOrNow(ev.CreatedAt),
	)
	return err
}

func (p *Postgres) SaveFundingEvent(ctx context.Context, ev models.GasFundingEvent) error {
	_, err := p.exec(ctx,
		`INSERT INTO gas_funding_events(target, amount, hash, reason, success, error, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ev.Target.Hex(), ev.Amount, nullableHash(ev.Hash), ev.Reason, ev.Success, ev.Error, timeOrNow(ev.CreatedAt),
	)
	return err
}

func (p *Postgres) CountErrorsSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM error_log WHERE created_at >= $1`, since).Scan(&count)
	return count, err
}

func (p *Postgres) ListRecentErrors(ctx context.Context, limit int) ([]models.ErrorEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
SELECT wallet, source, error_type, message, hash, created_at
FROM error_log
ORDER BY created_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ErrorEvent
	for rows.Next() {
		var (
			ev     models.ErrorEvent
			wallet string
			hash   sql.NullString
		)
		if err := rows.Scan(&wallet, &ev.Source, &ev.ErrorType, &ev.Message, &hash, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Wallet = common.HexToAddress(wallet)
		if hash.Valid {
			h := common.HexToHash(hash.String)
			ev.Hash = &h
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteErrorsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.exec(ctx, `DELETE FROM error_log WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullableHash(h *common.Hash) interface{} {
	if h == nil {
		return nil
	}
	return h.Hex()
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
