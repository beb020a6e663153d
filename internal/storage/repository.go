package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrAlertLimitReached is returned when the owner already holds the maximum number of alerts.
	ErrAlertLimitReached = errors.New("storage: alert limit reached")
)

const (
	saveStateSQL = `INSERT INTO market_state (id, payload, updated_at)
    VALUES (1, $1, now())
    ON CONFLICT (id) DO UPDATE
    SET payload    = EXCLUDED.payload,
        updated_at = EXCLUDED.updated_at;`

	loadStateSQL = `SELECT payload FROM market_state WHERE id = 1;`

	countActiveAlertsSQL = `SELECT COUNT(*) FROM alerts WHERE owner_id = $1;`

	lockOwnerAlertsSQL = `SELECT pg_advisory_xact_lock($1);`

	insertAlertSQL = `INSERT INTO alerts (
        owner_id,
        target,
        condition
    ) VALUES (
        $1,$2,$3
    )
    RETURNING id, owner_id, target, condition, created_at;`

	deleteTriggeredAlertsSQL = `DELETE FROM alerts
    WHERE (condition = 'ABOVE' AND target <= $1::numeric)
       OR (condition = 'BELOW' AND target >= $1::numeric)
    RETURNING id, owner_id, target, condition, created_at;`

	listAlertsSQL = `SELECT
        id,
        owner_id,
        target,
        condition,
        created_at
    FROM alerts
    WHERE owner_id = $1
    ORDER BY created_at, id;`

	accumulateDailyStatSQL = `INSERT INTO daily_stats (
        day,
        price_sum,
        price_count,
        reference_sum,
        reference_count
    ) VALUES (
        $1,$2,1,$3,$4
    )
    ON CONFLICT (day) DO UPDATE
    SET
        price_sum       = daily_stats.price_sum + EXCLUDED.price_sum,
        price_count     = daily_stats.price_count + 1,
        reference_sum   = daily_stats.reference_sum + EXCLUDED.reference_sum,
        reference_count = daily_stats.reference_count + EXCLUDED.reference_count;`

	listDailyStatsSQL = `SELECT
        day,
        price_sum,
        price_count,
        reference_sum,
        reference_count
    FROM daily_stats
    WHERE day >= $1
      AND day < $2
    ORDER BY day;`

	enqueueJobSQL = `INSERT INTO broadcast_jobs (body, status)
    VALUES ($1, 'pending')
    RETURNING id, body, status, created_at, started_at, finished_at, sent_count, failed_count;`

	// a processing job whose lease expired is claimed again
	claimNextJobSQL = `UPDATE broadcast_jobs
    SET status = 'processing', started_at = now()
    WHERE id = (
        SELECT id FROM broadcast_jobs
        WHERE status = 'pending'
           OR ($1::bigint > 0 AND status = 'processing' AND started_at < now() - $1::bigint * interval '1 second')
        ORDER BY created_at, id
        LIMIT 1
        FOR UPDATE SKIP LOCKED
    )
    RETURNING id, body, status, created_at, started_at, finished_at, sent_count, failed_count;`

	markJobDoneSQL = `UPDATE broadcast_jobs
    SET status = 'done', finished_at = now(), sent_count = $2, failed_count = $3
    WHERE id = $1 AND status = 'processing';`

	listActiveRecipientsSQL = `SELECT id FROM users WHERE active ORDER BY id;`

	upsertRecipientSQL = `INSERT INTO users (id, active) VALUES ($1, $2)
    ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active;`
)

// StateStore checkpoints the published snapshot and price history.
type StateStore interface {
	SaveState(ctx context.Context, state PersistedState) error
	LoadState(ctx context.Context) (*PersistedState, error)
}

// AlertStore defines operations on user price alerts.
type AlertStore interface {
	CountActiveAlerts(ctx context.Context, owner int64) (int, error)
	InsertAlert(ctx context.Context, owner int64, target decimal.Decimal, cond Condition, limit int) (Alert, error)
	DeleteTriggeredAlerts(ctx context.Context, price decimal.Decimal) ([]Alert, error)
	ListAlerts(ctx context.Context, owner int64) ([]Alert, error)
}

// StatsStore accumulates per-day aggregates.
type StatsStore interface {
	AccumulateDailyStat(ctx context.Context, day time.Time, price decimal.Decimal, reference decimal.NullDecimal) error
	ListDailyStats(ctx context.Context, from, to time.Time) ([]DailyStat, error)
}

// JobStore defines the durable broadcast queue.
type JobStore interface {
	EnqueueJob(ctx context.Context, body string) (BroadcastJob, error)
	ClaimNextPendingJob(ctx context.Context, lease time.Duration) (*BroadcastJob, error)
	MarkJobDone(ctx context.Context, id int64, sent, failed int64) error
	ListActiveRecipients(ctx context.Context) ([]int64, error)
}

// Store aggregates every table behind one pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// SaveState overwrites the single checkpoint row.
func (s *Store) SaveState(ctx context.Context, state PersistedState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if _, err := pool.Exec(ctx, saveStateSQL, payload); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// LoadState returns the checkpoint, or nil when none was written yet.
func (s *Store) LoadState(ctx context.Context) (*PersistedState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var payload []byte
	if err := pool.QueryRow(ctx, loadStateSQL).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	var state PersistedState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}

// CountActiveAlerts counts an owner's outstanding alerts.
func (s *Store) CountActiveAlerts(ctx context.Context, owner int64) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int
	if err := pool.QueryRow(ctx, countActiveAlertsSQL, owner).Scan(&count); err != nil {
		return 0, fmt.Errorf("count alerts: %w", err)
	}
	return count, nil
}

// InsertAlert 在事务中按 owner 加锁后再次检查数量上限, 避免并发创建超出限制。
func (s *Store) InsertAlert(ctx context.Context, owner int64, target decimal.Decimal, cond Condition, limit int) (Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return Alert{}, fmt.Errorf("begin insert alert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, lockOwnerAlertsSQL, owner); err != nil {
		return Alert{}, fmt.Errorf("lock owner alerts: %w", err)
	}

	var count int
	if err := tx.QueryRow(ctx, countActiveAlertsSQL, owner).Scan(&count); err != nil {
		return Alert{}, fmt.Errorf("count alerts: %w", err)
	}
	if limit > 0 && count >= limit {
		return Alert{}, ErrAlertLimitReached
	}

	alert, err := scanAlert(tx.QueryRow(ctx, insertAlertSQL, owner, target.String(), string(cond)))
	if err != nil {
		return Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Alert{}, fmt.Errorf("commit insert alert: %w", err)
	}
	return alert, nil
}

// DeleteTriggeredAlerts removes and returns every alert satisfied by price in one statement.
func (s *Store) DeleteTriggeredAlerts(ctx context.Context, price decimal.Decimal) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, deleteTriggeredAlertsSQL, price.String())
	if err != nil {
		return nil, fmt.Errorf("delete triggered alerts: %w", err)
	}
	return collectAlerts(rows)
}

// ListAlerts lists an owner's outstanding alerts, oldest first.
func (s *Store) ListAlerts(ctx context.Context, owner int64) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listAlertsSQL, owner)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return collectAlerts(rows)
}

// AccumulateDailyStat adds one observation to the day's totals.
func (s *Store) AccumulateDailyStat(ctx context.Context, day time.Time, price decimal.Decimal, reference decimal.NullDecimal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	refSum := "0"
	refCount := 0
	if reference.Valid {
		refSum = reference.Decimal.String()
		refCount = 1
	}

	_, execErr := pool.Exec(ctx, accumulateDailyStatSQL,
		truncateDay(day),
		price.String(),
		refSum,
		refCount,
	)
	if execErr != nil {
		return fmt.Errorf("accumulate daily stat: %w", execErr)
	}
	return nil
}

// ListDailyStats lists the days in [from, to).
func (s *Store) ListDailyStats(ctx context.Context, from, to time.Time) ([]DailyStat, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDailyStatsSQL, truncateDay(from), truncateDay(to))
	if queryErr != nil {
		return nil, fmt.Errorf("list daily stats: %w", queryErr)
	}
	defer rows.Close()

	stats := make([]DailyStat, 0)
	for rows.Next() {
		var (
			stat            DailyStat
			priceSumStr     string
			referenceSumStr string
		)
		if err := rows.Scan(&stat.Day, &priceSumStr, &stat.PriceCount, &referenceSumStr, &stat.ReferenceCount); err != nil {
			return nil, err
		}
		var convErr error
		stat.PriceSum, convErr = decimal.NewFromString(priceSumStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse price sum: %w", convErr)
		}
		stat.ReferenceSum, convErr = decimal.NewFromString(referenceSumStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse reference sum: %w", convErr)
		}
		stats = append(stats, stat)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return stats, nil
}

// EnqueueJob inserts a pending broadcast.
func (s *Store) EnqueueJob(ctx context.Context, body string) (BroadcastJob, error) {
	pool, err := s.getPool()
	if err != nil {
		return BroadcastJob{}, err
	}
	job, err := scanJob(pool.QueryRow(ctx, enqueueJobSQL, body))
	if err != nil {
		return BroadcastJob{}, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// ClaimNextPendingJob moves the oldest claimable job to processing and returns it, or nil.
func (s *Store) ClaimNextPendingJob(ctx context.Context, lease time.Duration) (*BroadcastJob, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	job, err := scanJob(pool.QueryRow(ctx, claimNextJobSQL, int64(lease/time.Second)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// MarkJobDone records the delivery counts and finishes the job.
func (s *Store) MarkJobDone(ctx context.Context, id int64, sent, failed int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, markJobDoneSQL, id, sent, failed)
	if execErr != nil {
		return fmt.Errorf("mark job done: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListActiveRecipients returns every active user's chat id.
func (s *Store) ListActiveRecipients(ctx context.Context) ([]int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listActiveRecipientsSQL)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan recipients: %w", err)
	}
	return ids, nil
}

// UpsertRecipient registers or deactivates a chat.
func (s *Store) UpsertRecipient(ctx context.Context, id int64, active bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertRecipientSQL, id, active); err != nil {
		return fmt.Errorf("upsert recipient: %w", err)
	}
	return nil
}

func collectAlerts(rows pgx.Rows) ([]Alert, error) {
	defer rows.Close()

	alerts := make([]Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanAlert(row pgx.Row) (Alert, error) {
	var (
		alert     Alert
		targetStr string
		cond      string
	)
	if err := row.Scan(&alert.ID, &alert.OwnerID, &targetStr, &cond, &alert.CreatedAt); err != nil {
		return Alert{}, err
	}
	target, err := decimal.NewFromString(targetStr)
	if err != nil {
		return Alert{}, fmt.Errorf("parse target: %w", err)
	}
	alert.Target = target
	alert.Condition = Condition(cond)
	return alert, nil
}

func scanJob(row pgx.Row) (BroadcastJob, error) {
	var (
		job    BroadcastJob
		status string
	)
	if err := row.Scan(
		&job.ID,
		&job.Body,
		&status,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
		&job.Sent,
		&job.Failed,
	); err != nil {
		return BroadcastJob{}, err
	}
	job.Status = JobStatus(status)
	return job, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var (
	_ StateStore = (*Store)(nil)
	_ AlertStore = (*Store)(nil)
	_ StatsStore = (*Store)(nil)
	_ JobStore   = (*Store)(nil)
)
