package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shohag/fanrelay/internal/models"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStorage implements Storage on database/sql for both supported drivers.
// Queries are written with ? placeholders and rebound per dialect.
type SQLStorage struct {
	db      *sql.DB
	dialect dialect
}

func (s *SQLStorage) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStorage) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStorage) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStorage) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStorage) Migrate(ctx context.Context) error {
	queries := sqliteSchema
	if s.dialect == dialectPostgres {
		queries = postgresSchema
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Subscriptions ---

func (s *SQLStorage) InsertSubscription(ctx context.Context, sub *models.Subscription) error {
	_, err := s.exec(ctx,
		`INSERT INTO subscriptions (id, url, created_at, is_active) VALUES (?, ?, ?, ?)`,
		sub.ID, sub.URL, sub.CreatedAt.UTC(), boolToInt(sub.IsActive),
	)
	return err
}

func (s *SQLStorage) scanSubscription(row interface{ Scan(...interface{}) error }) (*models.Subscription, error) {
	var sub models.Subscription
	var active int
	if err := row.Scan(&sub.ID, &sub.URL, &sub.CreatedAt, &active); err != nil {
		return nil, err
	}
	sub.IsActive = active == 1
	return &sub, nil
}

func (s *SQLStorage) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	row := s.queryRow(ctx, `SELECT id, url, created_at, is_active FROM subscriptions WHERE id = ?`, id)
	sub, err := s.scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

func (s *SQLStorage) ListSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	rows, err := s.query(ctx, `SELECT id, url, created_at, is_active FROM subscriptions ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		sub, err := s.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (s *SQLStorage) SetSubscriptionActive(ctx context.Context, id string, active bool) error {
	res, err := s.exec(ctx, `UPDATE subscriptions SET is_active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Instances ---

const instanceColumns = `id, message_id, input, status, snapshot_taken, attempts, next_run_at, lease_owner, lease_until, last_error, created_at, updated_at`

func (s *SQLStorage) scanInstance(row interface{ Scan(...interface{}) error }) (*models.Instance, error) {
	var inst models.Instance
	var snapshot int
	err := row.Scan(&inst.ID, &inst.MessageID, &inst.Input, &inst.Status, &snapshot, &inst.Attempts,
		&inst.NextRunAt, &inst.LeaseOwner, &inst.LeaseUntil, &inst.LastError, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inst.SnapshotTaken = snapshot == 1
	return &inst, nil
}

func (s *SQLStorage) CreateInstance(ctx context.Context, inst *models.Instance) (bool, error) {
	input := inst.Input
	if input == nil {
		input = []byte{}
	}
	res, err := s.exec(ctx,
		`INSERT INTO instances (`+instanceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		inst.ID, inst.MessageID, input, inst.Status, boolToInt(inst.SnapshotTaken), inst.Attempts,
		inst.NextRunAt, inst.LeaseOwner, inst.LeaseUntil, inst.LastError, inst.CreatedAt.UTC(), inst.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStorage) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	row := s.queryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := s.scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return inst, err
}

func (s *SQLStorage) ListInstances(ctx context.Context, status models.InstanceStatus, limit int) ([]models.Instance, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + instanceColumns + ` FROM instances`
	args := []interface{}{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []models.Instance
	for rows.Next() {
		inst, err := s.scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

func (s *SQLStorage) ClaimDueInstances(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]models.Instance, error) {
	now = now.UTC()
	rows, err := s.query(ctx,
		`SELECT id FROM instances
		 WHERE status = 'running'
		   AND (next_run_at IS NULL OR next_run_at <= ?)
		   AND (lease_until IS NULL OR lease_until <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		now, now, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	until := now.Add(lease)
	var claimed []models.Instance
	for _, id := range ids {
		// The guarded update makes the claim atomic across processes sharing the database.
		res, err := s.exec(ctx,
			`UPDATE instances SET lease_owner = ?, lease_until = ?, updated_at = ?
			 WHERE id = ? AND status = 'running' AND (lease_until IS NULL OR lease_until <= ?)`,
			owner, until, now, id, now)
		if err != nil {
			return claimed, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		inst, err := s.GetInstance(ctx, id)
		if err != nil {
			return claimed, err
		}
		if inst != nil {
			claimed = append(claimed, *inst)
		}
	}
	return claimed, nil
}

func (s *SQLStorage) RenewLease(ctx context.Context, id, owner string, until time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE instances SET lease_until = ?, updated_at = ? WHERE id = ? AND status = 'running' AND lease_owner = ?`,
		until.UTC(), time.Now().UTC(), id, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrLeaseLost
	}
	return nil
}

func (s *SQLStorage) CompleteInstance(ctx context.Context, id string) error {
	return s.finishInstance(ctx,
		`UPDATE instances SET status = 'completed', lease_owner = '', lease_until = NULL, next_run_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
}

func (s *SQLStorage) RetryInstance(ctx context.Context, id string, attempts int, nextRunAt time.Time, lastErr string) error {
	return s.finishInstance(ctx,
		`UPDATE instances SET attempts = ?, next_run_at = ?, last_error = ?, lease_owner = '', lease_until = NULL, updated_at = ? WHERE id = ?`,
		attempts, nextRunAt.UTC(), lastErr, time.Now().UTC(), id)
}

func (s *SQLStorage) FailInstance(ctx context.Context, id string, attempts int, lastErr string) error {
	return s.finishInstance(ctx,
		`UPDATE instances SET status = 'failed', attempts = ?, last_error = ?, lease_owner = '', lease_until = NULL, next_run_at = NULL, updated_at = ? WHERE id = ?`,
		attempts, lastErr, time.Now().UTC(), id)
}

func (s *SQLStorage) finishInstance(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Tasks ---

const taskColumns = `id, instance_id, subscription_id, url, position, status, status_code, error, created_at, completed_at`

func (s *SQLStorage) RecordSnapshot(ctx context.Context, instanceID string, tasks []models.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		s.rebind(`UPDATE instances SET snapshot_taken = 1, updated_at = ? WHERE id = ? AND snapshot_taken = 0`),
		time.Now().UTC(), instanceID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		inst, err := s.getInstanceTx(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		if inst == nil {
			return ErrNotFound
		}
		return nil
	}

	insert := s.rebind(`INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for i := range tasks {
		t := &tasks[i]
		if _, err := tx.ExecContext(ctx, insert,
			t.ID, instanceID, t.SubscriptionID, t.URL, t.Position, t.Status, t.StatusCode, t.Error, t.CreatedAt.UTC(), t.CompletedAt,
		); err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStorage) getInstanceTx(ctx context.Context, tx *sql.Tx, id string) (*models.Instance, error) {
	row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+instanceColumns+` FROM instances WHERE id = ?`), id)
	inst, err := s.scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return inst, err
}

func (s *SQLStorage) ListTasks(ctx context.Context, instanceID string) ([]models.Task, error) {
	rows, err := s.query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE instance_id = ? ORDER BY position`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.ID, &t.InstanceID, &t.SubscriptionID, &t.URL, &t.Position, &t.Status,
			&t.StatusCode, &t.Error, &t.CreatedAt, &t.CompletedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLStorage) CompleteTask(ctx context.Context, t *models.Task) error {
	completedAt := time.Now().UTC()
	if t.CompletedAt != nil {
		completedAt = t.CompletedAt.UTC()
	}
	_, err := s.exec(ctx,
		`UPDATE tasks SET status = ?, status_code = ?, error = ?, completed_at = ? WHERE id = ? AND status = 'pending'`,
		t.Status, t.StatusCode, t.Error, completedAt, t.ID,
	)
	return err
}

// --- Stats ---

func (s *SQLStorage) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	counts := []struct {
		dest  *int64
		query string
	}{
		{&stats.TotalSubscriptions, `SELECT COUNT(*) FROM subscriptions`},
		{&stats.ActiveSubscriptions, `SELECT COUNT(*) FROM subscriptions WHERE is_active = 1`},
		{&stats.RunningInstances, `SELECT COUNT(*) FROM instances WHERE status = 'running'`},
		{&stats.CompletedInstances, `SELECT COUNT(*) FROM instances WHERE status = 'completed'`},
		{&stats.FailedInstances, `SELECT COUNT(*) FROM instances WHERE status = 'failed'`},
		{&stats.DeliveredTasks, `SELECT COUNT(*) FROM tasks WHERE status = 'delivered'`},
		{&stats.FailedTasks, `SELECT COUNT(*) FROM tasks WHERE status = 'failed'`},
	}
	for _, c := range counts {
		if err := s.queryRow(ctx, c.query).Scan(c.dest); err != nil {
			return nil, err
		}
	}
	return stats, nil
}
