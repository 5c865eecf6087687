package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresStore implementa TicketingStore usando PostgreSQL. Cada venda ou
// reembolso é um UPDATE condicional na linha do tier; o lock de linha tomado pelo
// UPDATE serializa compradores concorrentes e o predicado é reavaliado após a espera.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore cria uma nova instância de PostgresStore
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

type txKey struct{}

// WithTx executa fn numa transação. Chamadas aninhadas reaproveitam a transação do contexto.
func (r *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("erro ao iniciar transação: %w", err)
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

func (r *PostgresStore) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.db.Exec(ctx, sql, args...)
}

func (r *PostgresStore) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.db.QueryRow(ctx, sql, args...)
}

func (r *PostgresStore) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.db.Query(ctx, sql, args...)
}

// Migrate aplica as migrações embutidas em ordem de nome de arquivo
func (r *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	conn, err := r.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	const advisoryLockID int64 = 604112025
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, advisoryLockID)
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	for _, name := range names {
		var applied bool
		if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, name).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		sqlBytes, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		sql := strings.TrimSpace(string(sqlBytes))
		if sql == "" {
			continue
		}
		if _, err := conn.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if _, err := conn.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Create grava o inventário e seus tiers
func (r *PostgresStore) Create(ctx context.Context, inventory *PaidRoomInventory) error {
	if err := inventory.CheckInvariants(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInventory, err)
	}

	return r.WithTx(ctx, func(ctx context.Context) error {
		tag, err := r.exec(ctx, `
			INSERT INTO paid_room_inventories (room_id, total_capacity, total_sold, total_available, total_revenue, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			ON CONFLICT (room_id) DO NOTHING
		`, inventory.RoomID, inventory.TotalCapacity, inventory.TotalSold, inventory.TotalAvailable, inventory.TotalRevenue, inventory.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert inventory: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrInventoryExists
		}

		for i, t := range inventory.Tiers {
			if _, err := r.exec(ctx, `
				INSERT INTO ticket_tiers (room_id, name, position, title, description, unit_price, total_capacity, sold, available, active)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, inventory.RoomID, t.Name, i, t.Title, t.Description, t.UnitPrice, t.TotalCapacity, t.Sold, t.Available, t.Active); err != nil {
				return fmt.Errorf("failed to insert tier %s: %w", t.Name, err)
			}
		}
		return nil
	})
}

// Load busca o inventário completo de uma sala
func (r *PostgresStore) Load(ctx context.Context, roomID string) (*PaidRoomInventory, error) {
	inv := &PaidRoomInventory{RoomID: roomID}
	err := r.queryRow(ctx, `
		SELECT total_capacity, total_sold, total_available, total_revenue, created_at, updated_at
		FROM paid_room_inventories
		WHERE room_id = $1
	`, roomID).Scan(&inv.TotalCapacity, &inv.TotalSold, &inv.TotalAvailable, &inv.TotalRevenue, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInventoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load inventory: %w", err)
	}

	rows, err := r.query(ctx, `
		SELECT name, title, description, unit_price, total_capacity, sold, available, active
		FROM ticket_tiers
		WHERE room_id = $1
		ORDER BY position
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiers: %w", err)
	}
	inv.Tiers, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Tier, error) {
		var t Tier
		err := row.Scan(&t.Name, &t.Title, &t.Description, &t.UnitPrice, &t.TotalCapacity, &t.Sold, &t.Available, &t.Active)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan tiers: %w", err)
	}

	inv.AppliedEventIDs, err = r.collectStrings(ctx, `
		SELECT event_id FROM applied_payment_events WHERE room_id = $1 ORDER BY applied_at, event_id
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load applied events: %w", err)
	}

	inv.PaidUsers, err = r.collectStrings(ctx, `
		SELECT user_id FROM paid_room_users WHERE room_id = $1 ORDER BY added_at, user_id
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load paid users: %w", err)
	}

	return inv, nil
}

func (r *PostgresStore) collectStrings(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := r.query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ConditionalDecrement vende unidades do tier com UPDATE condicional
func (r *PostgresStore) ConditionalDecrement(ctx context.Context, roomID, tierName string, quantity int, buyerID string) (TierMutation, error) {
	if quantity < 1 {
		return TierMutation{}, ErrInvalidQuantity
	}

	var mutation TierMutation
	err := r.WithTx(ctx, func(ctx context.Context) error {
		err := r.queryRow(ctx, `
			UPDATE ticket_tiers
			SET sold = sold + $3,
				available = available - $3
			WHERE room_id = $1
				AND name = $2
				AND active
				AND available >= $3
			RETURNING name, unit_price, sold, available
		`, roomID, tierName, quantity).Scan(&mutation.TierName, &mutation.UnitPrice, &mutation.Sold, &mutation.Available)
		if errors.Is(err, pgx.ErrNoRows) {
			return r.classifyDecrementFailure(ctx, roomID, tierName)
		}
		if err != nil {
			return fmt.Errorf("failed to decrease tier: %w", err)
		}

		if _, err := r.exec(ctx, `
			UPDATE paid_room_inventories
			SET total_sold = total_sold + $2,
				total_available = total_available - $2,
				total_revenue = total_revenue + $3,
				updated_at = NOW()
			WHERE room_id = $1
		`, roomID, quantity, mutation.UnitPrice*int64(quantity)); err != nil {
			return fmt.Errorf("failed to update inventory aggregates: %w", err)
		}

		if buyerID != "" {
			if _, err := r.exec(ctx, `
				INSERT INTO paid_room_users (room_id, user_id, held_units)
				VALUES ($1, $2, $3)
				ON CONFLICT (room_id, user_id)
				DO UPDATE SET held_units = paid_room_users.held_units + EXCLUDED.held_units
			`, roomID, buyerID, quantity); err != nil {
				return fmt.Errorf("failed to add paid user: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return TierMutation{}, err
	}
	return mutation, nil
}

func (r *PostgresStore) classifyDecrementFailure(ctx context.Context, roomID, tierName string) error {
	var active bool
	var available int
	err := r.queryRow(ctx, `
		SELECT active, available FROM ticket_tiers WHERE room_id = $1 AND name = $2
	`, roomID, tierName).Scan(&active, &available)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.missingTierError(ctx, roomID, tierName)
	}
	if err != nil {
		return fmt.Errorf("failed to inspect tier: %w", err)
	}
	if !active {
		return fmt.Errorf("%w: %s", ErrTierInactive, tierName)
	}
	return ErrInsufficientStock
}

func (r *PostgresStore) missingTierError(ctx context.Context, roomID, tierName string) error {
	var exists bool
	if err := r.queryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM paid_room_inventories WHERE room_id = $1)
	`, roomID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to inspect inventory: %w", err)
	}
	if !exists {
		return ErrInventoryNotFound
	}
	return fmt.Errorf("%w: %s", ErrTierNotFound, tierName)
}

// ConditionalIncrement devolve unidades ao tier, estornando unitPrice*quantity da receita
func (r *PostgresStore) ConditionalIncrement(ctx context.Context, roomID, tierName string, quantity int) (TierMutation, error) {
	if quantity < 1 {
		return TierMutation{}, ErrInvalidQuantity
	}

	var mutation TierMutation
	err := r.WithTx(ctx, func(ctx context.Context) error {
		var err error
		mutation, err = r.releaseTier(ctx, roomID, tierName, quantity)
		if err != nil {
			return err
		}
		return r.releaseAggregates(ctx, roomID, quantity, mutation.UnitPrice*int64(quantity))
	})
	if err != nil {
		return TierMutation{}, err
	}
	return mutation, nil
}

func (r *PostgresStore) releaseTier(ctx context.Context, roomID, tierName string, quantity int) (TierMutation, error) {
	var mutation TierMutation
	err := r.queryRow(ctx, `
		UPDATE ticket_tiers
		SET sold = sold - $3,
			available = available + $3
		WHERE room_id = $1
			AND name = $2
			AND sold >= $3
		RETURNING name, unit_price, sold, available
	`, roomID, tierName, quantity).Scan(&mutation.TierName, &mutation.UnitPrice, &mutation.Sold, &mutation.Available)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := r.queryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM ticket_tiers WHERE room_id = $1 AND name = $2)
		`, roomID, tierName).Scan(&exists); err != nil {
			return TierMutation{}, fmt.Errorf("failed to inspect tier: %w", err)
		}
		if !exists {
			return TierMutation{}, r.missingTierError(ctx, roomID, tierName)
		}
		return TierMutation{}, ErrInvalidRefund
	}
	if err != nil {
		return TierMutation{}, fmt.Errorf("failed to increase tier: %w", err)
	}
	return mutation, nil
}

func (r *PostgresStore) releaseAggregates(ctx context.Context, roomID string, quantity int, revenue int64) error {
	if _, err := r.exec(ctx, `
		UPDATE paid_room_inventories
		SET total_sold = total_sold - $2,
			total_available = total_available + $2,
			total_revenue = total_revenue - $3,
			updated_at = NOW()
		WHERE room_id = $1
	`, roomID, quantity, revenue); err != nil {
		return fmt.Errorf("failed to update inventory aggregates: %w", err)
	}
	return nil
}

// RecordEventApplied insere o evento no ledger; a chave primária garante unicidade
func (r *PostgresStore) RecordEventApplied(ctx context.Context, roomID, eventID string) (bool, error) {
	tag, err := r.exec(ctx, `
		INSERT INTO applied_payment_events (room_id, event_id)
		VALUES ($1, $2)
		ON CONFLICT (room_id, event_id) DO NOTHING
	`, roomID, eventID)
	if isForeignKeyViolation(err) {
		return false, ErrInventoryNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const receiptColumns = `
	receipt_id, user_id, room_id, tier_name, quantity, unit_price, total_amount,
	payment_reference, ticket_id, entry_credential, qr_code, status, failure_reason,
	created_at, updated_at, refunded_at
`

func scanReceipt(row pgx.Row) (*Receipt, error) {
	var rc Receipt
	var status string
	err := row.Scan(
		&rc.ReceiptID, &rc.UserID, &rc.RoomID, &rc.TierName, &rc.Quantity, &rc.UnitPrice, &rc.TotalAmount,
		&rc.PaymentReference, &rc.TicketID, &rc.EntryCredential, &rc.QRCode, &status, &rc.FailureReason,
		&rc.CreatedAt, &rc.UpdatedAt, &rc.RefundedAt,
	)
	if err != nil {
		return nil, err
	}
	rc.Status = ReceiptStatus(status)
	return &rc, nil
}

// Save grava o recibo; se já existir um recibo para o mesmo PaymentReference ele é devolvido
func (r *PostgresStore) Save(ctx context.Context, receipt *Receipt) (*Receipt, bool, error) {
	tag, err := r.exec(ctx, `
		INSERT INTO ticket_receipts (`+receiptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (payment_reference) DO NOTHING
	`,
		receipt.ReceiptID, receipt.UserID, receipt.RoomID, receipt.TierName, receipt.Quantity, receipt.UnitPrice, receipt.TotalAmount,
		receipt.PaymentReference, receipt.TicketID, receipt.EntryCredential, receipt.QRCode, string(receipt.Status), receipt.FailureReason,
		receipt.CreatedAt, receipt.UpdatedAt, receipt.RefundedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to save receipt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := r.GetByPaymentReference(ctx, receipt.PaymentReference)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	saved := *receipt
	return &saved, true, nil
}

// Finalize grava o desfecho de um recibo pendente; o predicado de status torna a regravação idempotente
func (r *PostgresStore) Finalize(ctx context.Context, receipt *Receipt) error {
	if err := receipt.checkOutcome(); err != nil {
		return err
	}

	tag, err := r.exec(ctx, `
		UPDATE ticket_receipts
		SET ticket_id = $2,
			entry_credential = $3,
			qr_code = $4,
			unit_price = $5,
			total_amount = $6,
			status = $7,
			failure_reason = $8,
			updated_at = $9
		WHERE receipt_id = $1
			AND status IN ('pending', $7)
	`,
		receipt.ReceiptID, receipt.TicketID, receipt.EntryCredential, receipt.QRCode, receipt.UnitPrice, receipt.TotalAmount,
		string(receipt.Status), receipt.FailureReason, receipt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize receipt: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := r.Get(ctx, receipt.ReceiptID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: receipt %s is already %s", ErrInvalidReceipt, receipt.ReceiptID, current.Status)
}

func (r *PostgresStore) Get(ctx context.Context, receiptID string) (*Receipt, error) {
	rc, err := scanReceipt(r.queryRow(ctx, `SELECT `+receiptColumns+` FROM ticket_receipts WHERE receipt_id = $1`, receiptID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	return rc, nil
}

func (r *PostgresStore) GetByPaymentReference(ctx context.Context, paymentReference string) (*Receipt, error) {
	rc, err := scanReceipt(r.queryRow(ctx, `SELECT `+receiptColumns+` FROM ticket_receipts WHERE payment_reference = $1`, paymentReference))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	return rc, nil
}

func (r *PostgresStore) GetByTicketID(ctx context.Context, ticketID string) (*Receipt, error) {
	if ticketID == "" {
		return nil, ErrReceiptNotFound
	}
	rc, err := scanReceipt(r.queryRow(ctx, `SELECT `+receiptColumns+` FROM ticket_receipts WHERE ticket_id = $1`, ticketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	return rc, nil
}

func (r *PostgresStore) List(ctx context.Context, filter ReceiptFilter) ([]*Receipt, error) {
	var conds []string
	var args []any
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("user_id", filter.UserID)
	add("room_id", filter.RoomID)
	add("ticket_id", filter.TicketID)
	add("status", string(filter.Status))

	sql := `SELECT ` + receiptColumns + ` FROM ticket_receipts`
	if len(conds) > 0 {
		sql += ` WHERE ` + strings.Join(conds, " AND ")
	}
	sql += ` ORDER BY created_at DESC, receipt_id`

	rows, err := r.query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	receipts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Receipt, error) {
		return scanReceipt(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan receipts: %w", err)
	}
	return receipts, nil
}

func (r *PostgresStore) UpdateCredential(ctx context.Context, receiptID string, cred Credential) error {
	tag, err := r.exec(ctx, `
		UPDATE ticket_receipts
		SET entry_credential = $2, qr_code = $3, updated_at = NOW()
		WHERE receipt_id = $1
	`, receiptID, cred.Token, cred.QRCode)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

// ApplyRefund aplica o reembolso numa única transação com lock no recibo
func (r *PostgresStore) ApplyRefund(ctx context.Context, receiptID string, refundedAt time.Time) (RefundOutcome, error) {
	var outcome RefundOutcome
	err := r.WithTx(ctx, func(ctx context.Context) error {
		receipt, err := scanReceipt(r.queryRow(ctx, `
			SELECT `+receiptColumns+` FROM ticket_receipts WHERE receipt_id = $1 FOR UPDATE
		`, receiptID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrReceiptNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock receipt: %w", err)
		}
		if receipt.Status != ReceiptStatusCompleted {
			outcome = RefundOutcome{Receipt: receipt}
			return nil
		}

		mutation, err := r.releaseTier(ctx, receipt.RoomID, receipt.TierName, receipt.Quantity)
		if err != nil {
			return err
		}
		if err := r.releaseAggregates(ctx, receipt.RoomID, receipt.Quantity, receipt.TotalAmount); err != nil {
			return err
		}

		if _, err := r.exec(ctx, `
			UPDATE ticket_receipts
			SET status = 'refunded', refunded_at = $2, updated_at = $2
			WHERE receipt_id = $1 AND status = 'completed'
		`, receiptID, refundedAt); err != nil {
			return fmt.Errorf("failed to mark receipt refunded: %w", err)
		}

		revoked, err := r.releaseHolding(ctx, receipt.RoomID, receipt.UserID, receipt.Quantity)
		if err != nil {
			return err
		}

		if err := receipt.MarkRefunded(refundedAt); err != nil {
			return err
		}
		outcome = RefundOutcome{Receipt: receipt, Applied: true, Mutation: mutation, MembershipRevoked: revoked}
		return nil
	})
	if err != nil {
		return RefundOutcome{}, err
	}
	return outcome, nil
}

// releaseHolding devolve as unidades do comprador na sala. Quando não sobra nenhuma
// ele deixa de ser pagante. O UPDATE trava a linha, então uma venda concorrente
// para o mesmo comprador espera o reembolso terminar ou é vista por ele.
func (r *PostgresStore) releaseHolding(ctx context.Context, roomID, userID string, quantity int) (bool, error) {
	var held int
	err := r.queryRow(ctx, `
		UPDATE paid_room_users
		SET held_units = GREATEST(held_units - $3, 0)
		WHERE room_id = $1 AND user_id = $2
		RETURNING held_units
	`, roomID, userID, quantity).Scan(&held)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to release held units: %w", err)
	}
	if held > 0 {
		return false, nil
	}

	if _, err := r.exec(ctx, `
		DELETE FROM paid_room_users WHERE room_id = $1 AND user_id = $2
	`, roomID, userID); err != nil {
		return false, fmt.Errorf("failed to remove paid user: %w", err)
	}
	return true, nil
}

func (r *PostgresStore) Close(ctx context.Context) error {
	r.db.Close()
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
