package plots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/plotledger/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for plots and receipts.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Ledger = (*Repository)(nil)

const receiptColumns = `id, plot_id, receipt_type, status, amount, total_amount, token_expiry_date, created_at, updated_at`

// countedAmountExpr mirrors Receipt.CountedAmount.
const countedAmountExpr = `CASE WHEN total_amount IS NULL OR total_amount = 0 THEN amount ELSE total_amount END`

// --- Plot Operations ---

// GetPlot retrieves a plot by ID.
func (r *Repository) GetPlot(ctx context.Context, id int64) (*Plot, error) {
	query := `
		SELECT id, site_name, plot_number, area, rate, status, received_amount, created_at, updated_at
		FROM plots
		WHERE id = $1`

	var p Plot
	var area, rate, received pgtype.Numeric
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.SiteName, &p.PlotNumber, &area, &rate, &p.Status, &received, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Area = numericToDecimal(area)
	p.Rate = numericToDecimal(rate)
	p.ReceivedAmount = numericToDecimal(received)
	return &p, nil
}

// CreatePlot inserts a plot in AVAILABLE status.
func (r *Repository) CreatePlot(ctx context.Context, p Plot) (*Plot, error) {
	query := `
		INSERT INTO plots (site_name, plot_number, area, rate, status, received_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'AVAILABLE', 0, NOW(), NOW())
		RETURNING id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query, p.SiteName, p.PlotNumber, decimalToNumeric(p.Area), decimalToNumeric(p.Rate)).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = PlotStatusAvailable
	p.ReceivedAmount = decimal.Zero
	return &p, nil
}

// SavePlot writes the plot's derived status and received amount.
func (r *Repository) SavePlot(ctx context.Context, p Plot) error {
	tag, err := r.pool.Exec(ctx, updatePlotSQL, p.ID, p.Status, decimalToNumeric(p.ReceivedAmount), p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const updatePlotSQL = `UPDATE plots SET status = $2, received_amount = $3, updated_at = $4 WHERE id = $1`

const updateReceiptSQL = `UPDATE receipts SET status = $2, updated_at = $3 WHERE id = $1`

// --- Receipt Operations ---

// CreateReceipt inserts a receipt as given.
func (r *Repository) CreateReceipt(ctx context.Context, rc Receipt) (*Receipt, error) {
	query := `
		INSERT INTO receipts (plot_id, receipt_type, status, amount, total_amount, token_expiry_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()), NOW())
		RETURNING id, created_at, updated_at`

	var createdAt pgtype.Timestamptz
	if !rc.CreatedAt.IsZero() {
		createdAt = pgtype.Timestamptz{Time: rc.CreatedAt, Valid: true}
	}
	err := r.pool.QueryRow(ctx, query,
		int8Ptr(rc.PlotID),
		rc.ReceiptType,
		rc.Status,
		decimalToNumeric(rc.Amount),
		decimalToNumeric(rc.TotalAmount),
		timestamptzPtr(rc.TokenExpiryDate),
		createdAt,
	).Scan(&rc.ID, &rc.CreatedAt, &rc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

// SaveReceipt writes a receipt's status.
func (r *Repository) SaveReceipt(ctx context.Context, rc Receipt) error {
	tag, err := r.pool.Exec(ctx, updateReceiptSQL, rc.ID, rc.Status, rc.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListReceiptsForPlot returns every receipt referencing the plot.
func (r *Repository) ListReceiptsForPlot(ctx context.Context, plotID int64) ([]Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE plot_id = $1 ORDER BY id`
	return r.queryReceipts(ctx, query, plotID)
}

const findExpiredTokensSQL = `
	SELECT ` + receiptColumns + `
	FROM receipts
	WHERE receipt_type = 'token'
		AND status = 'APPROVED'
		AND token_expiry_date IS NOT NULL
		AND token_expiry_date < $1
	ORDER BY id`

const approvedSumSQL = `
	SELECT COALESCE(SUM(` + countedAmountExpr + `), 0)
	FROM receipts
	WHERE plot_id = $1 AND status IN ('APPROVED', 'CONVERTED')`

const laterBookingSQL = `
	SELECT EXISTS (
		SELECT 1 FROM receipts
		WHERE plot_id = $1 AND receipt_type = 'booking' AND status = 'APPROVED' AND created_at > $2
	)`

const otherActiveTokenSQL = `
	SELECT EXISTS (
		SELECT 1 FROM receipts
		WHERE plot_id = $1 AND id <> $2 AND receipt_type = 'token' AND status = 'APPROVED'
			AND token_expiry_date > $3
	)`

// FindExpiredApprovedTokenReceipts returns approved token receipts expired before now.
func (r *Repository) FindExpiredApprovedTokenReceipts(ctx context.Context, now time.Time) ([]Receipt, error) {
	return r.queryReceipts(ctx, findExpiredTokensSQL, now)
}

// ApprovedBookingSum totals the counted amount of approved and converted receipts.
func (r *Repository) ApprovedBookingSum(ctx context.Context, plotID int64) (decimal.Decimal, error) {
	var sum pgtype.Numeric
	if err := r.pool.QueryRow(ctx, approvedSumSQL, plotID).Scan(&sum); err != nil {
		return decimal.Zero, err
	}
	return numericToDecimal(sum), nil
}

// HasLaterApprovedBooking reports whether an approved booking on the plot was
// created after the given instant.
func (r *Repository) HasLaterApprovedBooking(ctx context.Context, plotID int64, after time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, laterBookingSQL, plotID, after).Scan(&exists)
	return exists, err
}

// HasOtherActiveToken reports whether another approved token on the plot is
// still unexpired at now.
func (r *Repository) HasOtherActiveToken(ctx context.Context, plotID, excludeReceiptID int64, now time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, otherActiveTokenSQL, plotID, excludeReceiptID, now).Scan(&exists)
	return exists, err
}

const batchReceiptSQL = `UPDATE receipts SET status = $2, updated_at = $3 WHERE id = $1 AND status = 'APPROVED'`

const batchPlotSQL = `UPDATE plots SET status = $2, received_amount = $3, updated_at = $4 WHERE id = $1 AND updated_at = $5`

// SaveBatch applies receipt and plot writes in one transaction. A guarded row
// that no longer matches rolls the whole batch back with ErrConflict.
func (r *Repository) SaveBatch(ctx context.Context, batch Batch) error {
	if batch.Empty() {
		return nil
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, rc := range batch.Receipts {
			b.Queue(batchReceiptSQL, rc.ID, rc.Status, rc.UpdatedAt)
		}
		for _, p := range batch.Plots {
			if version, ok := batch.PlotVersions[p.ID]; ok {
				b.Queue(batchPlotSQL, p.ID, p.Status, decimalToNumeric(p.ReceivedAmount), p.UpdatedAt, version)
				continue
			}
			b.Queue(updatePlotSQL, p.ID, p.Status, decimalToNumeric(p.ReceivedAmount), p.UpdatedAt)
		}
		results := tx.SendBatch(ctx, b)
		for i := 0; i < b.Len(); i++ {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return fmt.Errorf("plots: batch statement %d: %w", i, err)
			}
			if tag.RowsAffected() == 0 {
				_ = results.Close()
				return fmt.Errorf("plots: batch statement %d: %w", i, ErrConflict)
			}
		}
		return results.Close()
	})
}

func (r *Repository) queryReceipts(ctx context.Context, query string, args ...any) ([]Receipt, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Receipt
	for rows.Next() {
		var rc Receipt
		var plotID pgtype.Int8
		var amount, totalAmount pgtype.Numeric
		var expiry pgtype.Timestamptz
		if err := rows.Scan(&rc.ID, &plotID, &rc.ReceiptType, &rc.Status, &amount, &totalAmount, &expiry, &rc.CreatedAt, &rc.UpdatedAt); err != nil {
			return nil, err
		}
		if plotID.Valid {
			id := plotID.Int64
			rc.PlotID = &id
		}
		if expiry.Valid {
			t := expiry.Time
			rc.TokenExpiryDate = &t
		}
		rc.Amount = numericToDecimal(amount)
		rc.TotalAmount = numericToDecimal(totalAmount)
		out = append(out, rc)
	}
	return out, rows.Err()
}

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.NaN || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func decimalToNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func int8Ptr(v *int64) pgtype.Int8 {
	if v == nil {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: *v, Valid: true}
}

func timestamptzPtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
