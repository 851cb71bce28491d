// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/campus-rewards-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserNotFound возвращается, если пользователь не найден.
var (
	ErrUserNotFound = errors.New("user not found")
	// ErrStallNotFound возвращается, если точка питания не найдена или неактивна.
	ErrStallNotFound = errors.New("food stall not found")
	// ErrRedemptionNotFound возвращается, если заявка на погашение не найдена.
	ErrRedemptionNotFound = errors.New("redemption not found")
	// ErrInsufficientPoints возвращается при списании, превышающем баланс.
	ErrInsufficientPoints = errors.New("insufficient reward points")
	// ErrConflict возвращается при проигрыше гонки за оптимистичное обновление.
	ErrConflict = errors.New("concurrent update conflict")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure или Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetBalance возвращает текущий баланс баллов и репутацию пользователя.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, int64, error) {
	var points, reputation int64
	err := r.pool.QueryRow(ctx,
		`SELECT reward_points, reputation_score FROM users WHERE id = $1`,
		userID,
	).Scan(&points, &reputation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrUserNotFound
		}
		return 0, 0, fmt.Errorf("get balance: %w", err)
	}
	return points, reputation, nil
}

// AppendTransaction атомарно применяет дельту к балансу и записывает транзакцию журнала.
// Списание проходит только если итоговый баланс неотрицателен; иначе не фиксируется
// ни изменение баланса, ни запись журнала.
func (r *PostgresRepository) AppendTransaction(ctx context.Context, userID, points int64, reason string, ref model.Reference) (*model.Transaction, error) {
	var tr *model.Transaction
	err := r.withRetry(ctx, func() error {
		t, err := r.appendTransactionOnce(ctx, userID, points, reason, ref)
		if err != nil {
			return err
		}
		tr = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

func (r *PostgresRepository) appendTransactionOnce(ctx context.Context, userID, points int64, reason string, ref model.Reference) (*model.Transaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := applyDeltaGuarded(ctx, tx, userID, points); err != nil {
		return nil, err
	}

	t := model.Transaction{
		UserID:    userID,
		Points:    points,
		Reason:    reason,
		Reference: ref,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO reward_transactions (user_id, points, reason, reference_type, reference_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		userID, points, reason, string(ref.Type), ref.ID,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &t, nil
}

// applyDeltaGuarded выполняет условное обновление баланса: списание проходит
// только при неотрицательном итоге. Решение о достаточности баллов принимает
// само условие UPDATE, отдельное чтение баланса для этого не используется.
func applyDeltaGuarded(ctx context.Context, tx pgx.Tx, userID, points int64) error {
	cmdTag, err := tx.Exec(ctx,
		`UPDATE users
		 SET reward_points = reward_points + $2,
		     reputation_score = reputation_score + $3
		 WHERE id = $1 AND reward_points + $2 >= 0`,
		userID, points, model.ReputationGain(points),
	)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check user exists: %w", err)
		}
		if !exists {
			return ErrUserNotFound
		}
		return ErrInsufficientPoints
	}

	return nil
}

// ListTransactions возвращает страницу журнала транзакций пользователя, новые первыми.
func (r *PostgresRepository) ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, points, reason, reference_type, reference_id, created_at
		 FROM reward_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var (
			t       model.Transaction
			refType string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Points, &t.Reason, &refType, &t.Reference.ID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Reference.Type = model.ReferenceType(refType)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SumPositiveTransactions возвращает сумму всех начислений пользователя за всё время.
func (r *PostgresRepository) SumPositiveTransactions(ctx context.Context, userID int64) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(points), 0)
		 FROM reward_transactions
		 WHERE user_id = $1 AND points > 0`,
		userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum positive transactions: %w", err)
	}
	return total, nil
}

// Leaderboard возвращает активных пользователей с наибольшим балансом или репутацией.
func (r *PostgresRepository) Leaderboard(ctx context.Context, byReputation bool, limit int) ([]model.User, error) {
	query := `SELECT id, full_name, COALESCE(hostel, ''), COALESCE(batch, ''), reward_points, reputation_score
		 FROM users
		 WHERE account_status = $1
		 ORDER BY reward_points DESC, id
		 LIMIT $2`
	if byReputation {
		query = `SELECT id, full_name, COALESCE(hostel, ''), COALESCE(batch, ''), reward_points, reputation_score
		 FROM users
		 WHERE account_status = $1
		 ORDER BY reputation_score DESC, id
		 LIMIT $2`
	}

	rows, err := r.pool.Query(ctx, query, string(model.AccountStatusActive), limit)
	if err != nil {
		return nil, fmt.Errorf("select leaderboard: %w", err)
	}
	defer rows.Close()

	var res []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.FullName, &u.Hostel, &u.Batch, &u.RewardPoints, &u.ReputationScore); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.AccountStatus = model.AccountStatusActive
		res = append(res, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateRedemption в одной транзакции БД создаёт заявку на погашение, списывает
// баллы условным обновлением и записывает дебетовую транзакцию журнала со ссылкой
// на заявку. При нехватке баллов не остаётся никакого частичного состояния.
func (r *PostgresRepository) CreateRedemption(ctx context.Context, userID, stallID, points int64) (*model.Redemption, int64, error) {
	var (
		red       *model.Redemption
		remaining int64
	)
	err := r.withRetry(ctx, func() error {
		rd, rem, err := r.createRedemptionOnce(ctx, userID, stallID, points)
		if err != nil {
			return err
		}
		red, remaining = rd, rem
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return red, remaining, nil
}

func (r *PostgresRepository) createRedemptionOnce(ctx context.Context, userID, stallID, points int64) (*model.Redemption, int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		stallName string
		isActive  bool
	)
	err = tx.QueryRow(ctx,
		`SELECT name, is_active FROM food_stalls WHERE id = $1`, stallID,
	).Scan(&stallName, &isActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrStallNotFound
		}
		return nil, 0, fmt.Errorf("get stall: %w", err)
	}
	if !isActive {
		return nil, 0, ErrStallNotFound
	}

	// Списание без изменения репутации: репутация отражает только вклад.
	var remaining int64
	err = tx.QueryRow(ctx,
		`UPDATE users
		 SET reward_points = reward_points - $2
		 WHERE id = $1 AND reward_points - $2 >= 0
		 RETURNING reward_points`,
		userID, points,
	).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID,
			).Scan(&exists); err != nil {
				return nil, 0, fmt.Errorf("check user exists: %w", err)
			}
			if !exists {
				return nil, 0, ErrUserNotFound
			}
			return nil, 0, ErrInsufficientPoints
		}
		return nil, 0, fmt.Errorf("debit balance: %w", err)
	}

	red := model.Redemption{
		UserID:     userID,
		StallID:    stallID,
		PointsUsed: points,
		Status:     model.RedemptionStatusPending,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO reward_redemptions (user_id, stall_id, points_used, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, redeemed_at`,
		userID, stallID, points, string(red.Status),
	).Scan(&red.ID, &red.RedeemedAt)
	if err != nil {
		return nil, 0, fmt.Errorf("insert redemption: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO reward_transactions (user_id, points, reason, reference_type, reference_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		userID, -points, fmt.Sprintf("Redeemed at %s", stallName), string(model.ReferenceManual), red.ID,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("insert debit transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("commit tx: %w", err)
	}

	return &red, remaining, nil
}

// GetRedemption возвращает заявку на погашение по идентификатору.
func (r *PostgresRepository) GetRedemption(ctx context.Context, id int64) (*model.Redemption, error) {
	var (
		red    model.Redemption
		status string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, stall_id, points_used, status, redeemed_at
		 FROM reward_redemptions
		 WHERE id = $1`,
		id,
	).Scan(&red.ID, &red.UserID, &red.StallID, &red.PointsUsed, &status, &red.RedeemedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRedemptionNotFound
		}
		return nil, fmt.Errorf("get redemption: %w", err)
	}
	red.Status = model.RedemptionStatus(status)
	return &red, nil
}

// UpdateRedemptionStatus переводит заявку из ожидаемого состояния в целевое.
// Оптимистичная проверка: при гонке двух переходов побеждает ровно один,
// проигравший получает ErrConflict.
func (r *PostgresRepository) UpdateRedemptionStatus(ctx context.Context, id int64, from, to model.RedemptionStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE reward_redemptions SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return fmt.Errorf("update redemption status: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM reward_redemptions WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check redemption exists: %w", err)
		}
		if !exists {
			return ErrRedemptionNotFound
		}
		return ErrConflict
	}

	return nil
}

// ListRedemptionsByUser возвращает заявки пользователя, новые первыми.
func (r *PostgresRepository) ListRedemptionsByUser(ctx context.Context, userID int64) ([]model.Redemption, error) {
	return r.listRedemptions(ctx,
		`SELECT id, user_id, stall_id, points_used, status, redeemed_at
		 FROM reward_redemptions
		 WHERE user_id = $1
		 ORDER BY redeemed_at DESC, id DESC`,
		userID,
	)
}

// ListRedemptionsByStatus возвращает заявки в указанном состоянии, старые первыми.
func (r *PostgresRepository) ListRedemptionsByStatus(ctx context.Context, status model.RedemptionStatus) ([]model.Redemption, error) {
	return r.listRedemptions(ctx,
		`SELECT id, user_id, stall_id, points_used, status, redeemed_at
		 FROM reward_redemptions
		 WHERE status = $1
		 ORDER BY redeemed_at, id`,
		string(status),
	)
}

func (r *PostgresRepository) listRedemptions(ctx context.Context, query string, arg any) ([]model.Redemption, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("select redemptions: %w", err)
	}
	defer rows.Close()

	var res []model.Redemption
	for rows.Next() {
		var (
			red    model.Redemption
			status string
		)
		if err := rows.Scan(&red.ID, &red.UserID, &red.StallID, &red.PointsUsed, &status, &red.RedeemedAt); err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		red.Status = model.RedemptionStatus(status)
		res = append(res, red)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListActiveStalls возвращает активные точки питания в алфавитном порядке.
func (r *PostgresRepository) ListActiveStalls(ctx context.Context) ([]model.Stall, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, location, is_active
		 FROM food_stalls
		 WHERE is_active
		 ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("select stalls: %w", err)
	}
	defer rows.Close()

	var res []model.Stall
	for rows.Next() {
		var s model.Stall
		if err := rows.Scan(&s.ID, &s.Name, &s.Location, &s.IsActive); err != nil {
			return nil, fmt.Errorf("scan stall: %w", err)
		}
		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// EnqueueAward кладёт начисление в очередь отложенных повторных попыток.
func (r *PostgresRepository) EnqueueAward(ctx context.Context, userID, points int64, reason string, ref model.Reference) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO award_queue (user_id, points, reason, reference_type, reference_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		userID, points, reason, string(ref.Type), ref.ID,
	)
	if err != nil {
		return fmt.Errorf("enqueue award: %w", err)
	}
	return nil
}

// DequeueAwards возвращает очередные отложенные начисления, старые первыми.
func (r *PostgresRepository) DequeueAwards(ctx context.Context, limit int) ([]model.PendingAward, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, points, reason, reference_type, reference_id, attempts, created_at
		 FROM award_queue
		 ORDER BY created_at, id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending awards: %w", err)
	}
	defer rows.Close()

	var res []model.PendingAward
	for rows.Next() {
		var (
			a       model.PendingAward
			refType string
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Points, &a.Reason, &refType, &a.Reference.ID, &a.Attempts, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending award: %w", err)
		}
		a.Reference.Type = model.ReferenceType(refType)
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkAwardDone удаляет выполненное начисление из очереди.
func (r *PostgresRepository) MarkAwardDone(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM award_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete pending award: %w", err)
	}
	return nil
}

// MarkAwardFailed увеличивает счётчик неудачных попыток начисления.
// Запись остаётся в очереди: молчаливая потеря начисления недопустима.
func (r *PostgresRepository) MarkAwardFailed(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE award_queue SET attempts = attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark pending award failed: %w", err)
	}
	return nil
}
