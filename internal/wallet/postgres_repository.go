package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// PostgresRepository stores wallets and their journal in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a wallet record.
func (r *PostgresRepository) Create(ctx context.Context, wallet Wallet) error {
	walletID, err := uuid.Parse(wallet.ID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO wallets (id, owner_id, balance, currency, status, version, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		walletID, ownerKey(wallet.OwnerID), wallet.Balance.StringFixed(2), wallet.Currency, wallet.Status,
		wallet.Version, wallet.CreatedAt.UTC(), wallet.UpdatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrAlreadyExists
	}
	return err
}

const selectWallet = `SELECT id, owner_id, balance::text, currency, status, version, created_at, updated_at FROM wallets`

// Get fetches a wallet by identifier.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Wallet, error) {
	walletUUID, err := uuid.Parse(id)
	if err != nil {
		return Wallet{}, ErrNotFound
	}
	return scanWallet(r.db.QueryRow(ctx, selectWallet+` WHERE id = $1`, walletUUID))
}

// GetByOwner fetches the wallet held by ownerID.
func (r *PostgresRepository) GetByOwner(ctx context.Context, ownerID string) (Wallet, error) {
	return scanWallet(r.db.QueryRow(ctx, selectWallet+` WHERE owner_id = $1`, ownerKey(ownerID)))
}

// ApplyPosting applies every conditioned update and its journal lines in one
// transaction. A version mismatch on any row rolls the whole posting back.
func (r *PostgresRepository) ApplyPosting(ctx context.Context, posting Posting) error {
	txID, err := uuid.Parse(posting.ID)
	if err != nil {
		return fmt.Errorf("posting id: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	createdAt := posting.CreatedAt.UTC()
	if _, err := tx.Exec(ctx, `INSERT INTO transactions (id, kind, reference, description, created_at) VALUES ($1, $2, $3, $4, $5)`,
		txID, posting.Kind, posting.Reference, posting.Description, createdAt); err != nil {
		return err
	}

	for _, u := range posting.Updates {
		walletID, err := uuid.Parse(u.WalletID)
		if err != nil {
			return ErrNotFound
		}
		tag, err := tx.Exec(ctx, `UPDATE wallets SET balance = $1, version = version + 1, updated_at = $2
            WHERE id = $3 AND version = $4`,
			u.NewBalance.StringFixed(2), createdAt, walletID, u.ExpectedVersion)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallets WHERE id = $1)`, walletID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrVersionConflict
		}
		if _, err := tx.Exec(ctx, `INSERT INTO entries (id, transaction_id, wallet_id, amount, balance_after, created_at)
            VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New(), txID, walletID, u.Amount.StringFixed(2), u.NewBalance.StringFixed(2), createdAt); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// Entries lists the most recent journal lines for a wallet.
func (r *PostgresRepository) Entries(ctx context.Context, walletID string, limit int) ([]Entry, error) {
	walletUUID, err := uuid.Parse(walletID)
	if err != nil {
		return nil, ErrNotFound
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `SELECT e.transaction_id, t.kind, t.reference, t.description, e.amount::text, e.balance_after::text, e.created_at
        FROM entries e
        INNER JOIN transactions t ON t.id = e.transaction_id
        WHERE e.wallet_id = $1
        ORDER BY e.created_at DESC
        LIMIT $2`, walletUUID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e             Entry
			txID          uuid.UUID
			amount, after string
			createdAt     time.Time
		)
		if err := rows.Scan(&txID, &e.Kind, &e.Reference, &e.Description, &amount, &after, &createdAt); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if e.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, err
		}
		e.TransactionID = txID.String()
		e.WalletID = walletID
		e.CreatedAt = createdAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var (
		w       Wallet
		id      uuid.UUID
		balance string
	)
	if err := row.Scan(&id, &w.OwnerID, &balance, &w.Currency, &w.Status, &w.Version, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(balance))
	if err != nil {
		return Wallet{}, fmt.Errorf("parse balance: %w", err)
	}
	w.ID = id.String()
	w.Balance = amount
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}
