package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rl1809/wholesale-allocation/internal/core/domain"
	"github.com/rl1809/wholesale-allocation/internal/port"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) RunInTx(ctx context.Context, fn func(ctx context.Context, tx port.LedgerTx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &mysqlTx{q: tx, lock: " FOR UPDATE"}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) ListBatches(ctx context.Context, productID string) ([]domain.InventoryBatch, error) {
	return (&mysqlTx{q: m.db}).queryBatches(ctx, `
		SELECT id, product_id, capacity, quantity, expiry_date, received_at, version
		FROM inventory_batches WHERE product_id = ?
		ORDER BY expiry_date IS NULL, expiry_date, received_at, id`, productID)
}

func (m *MySQLAdapter) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return (&mysqlTx{q: m.db}).GetOrder(ctx, orderID)
}

func (m *MySQLAdapter) UpsertProduct(ctx context.Context, p domain.Product) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO products (id, base_price, tax_rate, volume_discount_enabled, unit_count)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE base_price = VALUES(base_price), tax_rate = VALUES(tax_rate),
			volume_discount_enabled = VALUES(volume_discount_enabled), unit_count = VALUES(unit_count)`,
		p.ID, p.BasePrice, p.TaxRate, p.VolumeDiscountEnabled, p.UnitCount,
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) AddDiscountTier(ctx context.Context, tier domain.DiscountTier) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO discount_tiers (id, min_quantity, discount_percentage, created_at)
		VALUES (?, ?, ?, ?)`,
		tier.ID, tier.MinQuantity, tier.DiscountPercentage, tier.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert discount tier: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) FetchUnpublished(ctx context.Context, limit int) ([]domain.OrderEvent, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, order_id, event_type, payload, created_at
		FROM order_events WHERE published_at IS NULL
		ORDER BY seq LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []domain.OrderEvent
	for rows.Next() {
		var (
			e       domain.OrderEvent
			typ     string
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &typ, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = domain.EventType(typ)
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}

func (m *MySQLAdapter) MarkPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, at)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := m.db.ExecContext(ctx,
		`UPDATE order_events SET published_at = ? WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark events published: %w", err)
	}
	return nil
}

type mysqlTx struct {
	q    queryer
	lock string
}

func (t *mysqlTx) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	var p domain.Product
	err := t.q.QueryRowContext(ctx, `
		SELECT id, base_price, tax_rate, volume_discount_enabled, unit_count
		FROM products WHERE id = ?`, productID,
	).Scan(&p.ID, &p.BasePrice, &p.TaxRate, &p.VolumeDiscountEnabled, &p.UnitCount)

	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, domain.ErrProductNotFound
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("query product: %w", err)
	}
	return p, nil
}

func (t *mysqlTx) ListDiscountTiers(ctx context.Context) ([]domain.DiscountTier, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, min_quantity, discount_percentage, created_at
		FROM discount_tiers ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query discount tiers: %w", err)
	}
	defer rows.Close()

	var tiers []domain.DiscountTier
	for rows.Next() {
		var tier domain.DiscountTier
		if err := rows.Scan(&tier.ID, &tier.MinQuantity, &tier.DiscountPercentage, &tier.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan discount tier: %w", err)
		}
		tiers = append(tiers, tier)
	}
	return tiers, rows.Err()
}

func (t *mysqlTx) ListAvailableBatches(ctx context.Context, productID string) ([]domain.InventoryBatch, error) {
	return t.queryBatches(ctx, `
		SELECT id, product_id, capacity, quantity, expiry_date, received_at, version
		FROM inventory_batches WHERE product_id = ? AND quantity > 0
		ORDER BY expiry_date IS NULL, expiry_date, received_at, id`+t.lock, productID)
}

func (t *mysqlTx) GetBatches(ctx context.Context, ids []string) (map[string]domain.InventoryBatch, error) {
	out := make(map[string]domain.InventoryBatch, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	batches, err := t.queryBatches(ctx, `
		SELECT id, product_id, capacity, quantity, expiry_date, received_at, version
		FROM inventory_batches WHERE id IN (`+placeholders(len(ids))+`)
		ORDER BY id`+t.lock, args...)
	if err != nil {
		return nil, err
	}
	for _, b := range batches {
		out[b.ID] = b
	}
	return out, nil
}

func (t *mysqlTx) queryBatches(ctx context.Context, query string, args ...any) ([]domain.InventoryBatch, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var batches []domain.InventoryBatch
	for rows.Next() {
		var (
			b      domain.InventoryBatch
			expiry sql.NullTime
		)
		if err := rows.Scan(&b.ID, &b.ProductID, &b.Capacity, &b.Quantity, &expiry, &b.ReceivedAt, &b.Version); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		if expiry.Valid {
			exp := expiry.Time
			b.ExpiryDate = &exp
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (t *mysqlTx) CreateBatch(ctx context.Context, b domain.InventoryBatch) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO inventory_batches (id, product_id, capacity, quantity, expiry_date, received_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ProductID, b.Capacity, b.Quantity, nullTime(b.ExpiryDate), b.ReceivedAt, b.Version,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (t *mysqlTx) UpdateBatch(ctx context.Context, b domain.InventoryBatch) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE inventory_batches
		SET quantity = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		b.Quantity, b.ID, b.Version,
	)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrConcurrentUpdate
	}
	return nil
}

func (t *mysqlTx) CreateOrder(ctx context.Context, order domain.Order) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO orders (id, total_amount, status, cancellation_reason, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.TotalAmount, order.Status, nullString(order.CancellationReason),
		order.CreatedAt, order.UpdatedAt, order.Version,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i, line := range order.Lines {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO order_lines (order_id, line_no, product_id, quantity, unit_price_excl_tax, tax_amount,
				unit_price_incl_tax, discount_percentage, volume_discount_amount, net_unit_price, line_total)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			order.ID, i, line.ProductID, line.Quantity, line.UnitPriceExclTax, line.TaxAmount,
			line.UnitPriceInclTax, line.DiscountPercentage, line.VolumeDiscountAmount, line.NetUnitPrice, line.LineTotal,
		)
		if err != nil {
			return fmt.Errorf("insert order line: %w", err)
		}
		for seq, entry := range line.Plan {
			_, err := t.q.ExecContext(ctx, `
				INSERT INTO order_line_allocations (order_id, line_no, seq, batch_id, amount)
				VALUES (?, ?, ?, ?, ?)`,
				order.ID, i, seq, entry.BatchID, entry.Amount,
			)
			if err != nil {
				return fmt.Errorf("insert allocation: %w", err)
			}
		}
	}
	return nil
}

func (t *mysqlTx) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var (
		order  domain.Order
		status string
		reason sql.NullString
	)
	err := t.q.QueryRowContext(ctx, `
		SELECT id, total_amount, status, cancellation_reason, created_at, updated_at, version
		FROM orders WHERE id = ?`+t.lock, orderID,
	).Scan(&order.ID, &order.TotalAmount, &status, &reason, &order.CreatedAt, &order.UpdatedAt, &order.Version)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	order.Status = domain.OrderStatus(status)
	order.CancellationReason = reason.String

	rows, err := t.q.QueryContext(ctx, `
		SELECT product_id, quantity, unit_price_excl_tax, tax_amount, unit_price_incl_tax,
			discount_percentage, volume_discount_amount, net_unit_price, line_total
		FROM order_lines WHERE order_id = ? ORDER BY line_no`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order lines: %w", err)
	}
	for rows.Next() {
		var l domain.OrderLine
		if err := rows.Scan(&l.ProductID, &l.Quantity, &l.UnitPriceExclTax, &l.TaxAmount, &l.UnitPriceInclTax,
			&l.DiscountPercentage, &l.VolumeDiscountAmount, &l.NetUnitPrice, &l.LineTotal); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		order.Lines = append(order.Lines, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read order lines: %w", err)
	}

	rows, err = t.q.QueryContext(ctx, `
		SELECT line_no, batch_id, amount
		FROM order_line_allocations WHERE order_id = ? ORDER BY line_no, seq`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			lineNo int
			entry  domain.ConsumptionEntry
		)
		if err := rows.Scan(&lineNo, &entry.BatchID, &entry.Amount); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		if lineNo < 0 || lineNo >= len(order.Lines) {
			return nil, errUnknownLine(lineNo, orderID)
		}
		order.Lines[lineNo].Plan = append(order.Lines[lineNo].Plan, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read allocations: %w", err)
	}

	return &order, nil
}

func (t *mysqlTx) UpdateOrder(ctx context.Context, order domain.Order) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, cancellation_reason = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		order.Status, nullString(order.CancellationReason), order.UpdatedAt, order.ID, order.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrConcurrentUpdate
	}
	return nil
}

func (t *mysqlTx) RecordReconciliation(ctx context.Context, w domain.ReconciliationWarning) error {
	plan, err := json.Marshal(w.Plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO reconciliation_warnings (id, order_id, product_id, unrestored, plan, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.OrderID, w.ProductID, w.Unrestored, plan, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert reconciliation warning: %w", err)
	}
	return nil
}

func (t *mysqlTx) AppendEvent(ctx context.Context, e domain.OrderEvent) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO order_events (id, order_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.OrderID, string(e.Type), []byte(e.Payload), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
