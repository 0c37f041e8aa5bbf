package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ProPass/postgres"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const uniqueViolation = "23505"

const recordColumns = `user_id, is_active, status, started_at, expires_at, correlation_key,
	latest_transaction_id, latest_purchase_at, product_id, source, revoked, updated_at`

// statusRank mirrors Status.rank for SQL guards.
const statusRank = `CASE %s WHEN 'active' THEN 0 WHEN 'expired' THEN 1 ELSE 2 END`

// PGStore keeps entitlements in the user_entitlements table.
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Get(ctx context.Context, userID int) (*Record, error) {
	row := s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM user_entitlements WHERE user_id = $1`, userID)
	r, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement for user %d: %w", userID, err)
	}
	return r, nil
}

func (s *PGStore) FindByCorrelationKey(ctx context.Context, correlationKey string) (*Record, error) {
	if correlationKey == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM user_entitlements WHERE correlation_key = $1`, correlationKey)
	r, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to find entitlement by correlation key: %w", err)
	}
	return r, nil
}

const upsertSQL = `
	INSERT INTO user_entitlements AS e (
		user_id, is_active, status, started_at, expires_at, correlation_key,
		latest_transaction_id, latest_purchase_at, product_id, source, revoked, updated_at
	) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, NULLIF($9, ''), $10, $11, NOW())
	ON CONFLICT (user_id) DO UPDATE SET
		is_active = EXCLUDED.is_active,
		status = EXCLUDED.status,
		started_at = EXCLUDED.started_at,
		expires_at = EXCLUDED.expires_at,
		correlation_key = EXCLUDED.correlation_key,
		latest_transaction_id = EXCLUDED.latest_transaction_id,
		latest_purchase_at = EXCLUDED.latest_purchase_at,
		product_id = EXCLUDED.product_id,
		source = EXCLUDED.source,
		revoked = EXCLUDED.revoked,
		updated_at = NOW()
`

var updateIfNewerSQL = upsertSQL + fmt.Sprintf(`
	WHERE e.latest_purchase_at IS NULL
		OR e.latest_purchase_at < EXCLUDED.latest_purchase_at
		OR (e.latest_purchase_at = EXCLUDED.latest_purchase_at AND (
			e.latest_transaction_id IS NULL
			OR e.latest_transaction_id COLLATE "C" < EXCLUDED.latest_transaction_id COLLATE "C"
			OR (e.latest_transaction_id = EXCLUDED.latest_transaction_id AND NOT e.revoked AND (
				EXCLUDED.revoked
				OR (e.status = 'cancelled' AND EXCLUDED.status = 'active')
				OR %s < %s))))
`, fmt.Sprintf(statusRank, "e.status"), fmt.Sprintf(statusRank, "EXCLUDED.status"))

func updateArgs(userID int, u Update) []interface{} {
	return []interface{}{
		userID, u.IsActive, string(u.Status), u.StartedAt, u.ExpiresAt, u.CorrelationKey,
		u.TransactionID, u.PurchasedAt, u.ProductID, u.Source, u.Revoked,
	}
}

func (s *PGStore) UpdateIfNewer(ctx context.Context, userID int, u Update) (bool, error) {
	tag, err := s.db.Exec(ctx, updateIfNewerSQL, updateArgs(userID, u)...)
	if err != nil {
		return false, mapWriteError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// errNotSwapped rolls back the payment record when the entitlement moved on.
var errNotSwapped = errors.New("entitlement changed concurrently")

func (s *PGStore) CompareAndSwap(ctx context.Context, userID int, prevTransactionID string, u Update) (bool, error) {
	args := updateArgs(userID, u)

	var query string
	if prevTransactionID == "" {
		query = upsertSQL + `WHERE e.latest_transaction_id IS NULL`
	} else {
		query = `
			UPDATE user_entitlements SET
				is_active = $2,
				status = $3,
				started_at = $4,
				expires_at = $5,
				correlation_key = NULLIF($6, ''),
				latest_transaction_id = NULLIF($7, ''),
				latest_purchase_at = $8,
				product_id = NULLIF($9, ''),
				source = $10,
				revoked = $11,
				updated_at = NOW()
			WHERE user_id = $1 AND latest_transaction_id = $12
		`
		args = append(args, prevTransactionID)
	}

	err := postgres.WithTransaction(ctx, s.db, func(ctx context.Context, tx pgx.Tx) error {
		if u.TransactionID != "" {
			tag, err := tx.Exec(ctx, `
				INSERT INTO direct_payments (payment_id, user_id)
				VALUES ($1, $2)
				ON CONFLICT (payment_id) DO NOTHING
			`, u.TransactionID, userID)
			if err != nil {
				return fmt.Errorf("failed to record direct payment: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrPaymentApplied
			}
		}

		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return mapWriteError(err)
		}
		if tag.RowsAffected() != 1 {
			return errNotSwapped
		}
		return nil
	})
	if errors.Is(err, errNotSwapped) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PGStore) FindDirectPayment(ctx context.Context, paymentID string) (int, error) {
	var userID int
	err := s.db.QueryRow(ctx, `SELECT user_id FROM direct_payments WHERE payment_id = $1`, paymentID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find direct payment: %w", err)
	}
	return userID, nil
}

func (s *PGStore) ListExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]int, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(ctx, `
		SELECT user_id
		FROM user_entitlements
		WHERE status = 'active' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired entitlements: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired entitlements: %w", err)
	}
	return ids, nil
}

func (s *PGStore) ExpireIfDue(ctx context.Context, userID int, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE user_entitlements
		SET status = 'expired', is_active = false, updated_at = NOW()
		WHERE user_id = $1 AND status = 'active' AND expires_at <= $2
	`, userID, now)
	if err != nil {
		return false, fmt.Errorf("failed to expire entitlement for user %d: %w", userID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) CreateEmpty(ctx context.Context, userID int) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_entitlements (user_id, is_active, status)
		VALUES ($1, false, 'expired')
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to create entitlement for user %d: %w", userID, err)
	}
	return nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var status string
	var correlationKey, transactionID, productID *string
	err := row.Scan(&r.UserID, &r.IsActive, &status, &r.StartedAt, &r.ExpiresAt, &correlationKey,
		&transactionID, &r.LatestPurchaseAt, &productID, &r.Source, &r.Revoked, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.CorrelationKey = deref(correlationKey)
	r.LatestTransactionID = deref(transactionID)
	r.ProductID = deref(productID)
	return &r, nil
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrCorrelationConflict
	}
	return fmt.Errorf("failed to write entitlement: %w", err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
