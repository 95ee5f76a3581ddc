package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	database "ledgerlink-server/src/db"
	"ledgerlink-server/src/models"
	"ledgerlink-server/src/util"
)

const uniqueViolation = "23505"

// LedgerStore persists linked items and transactions. Every query is scoped to the
// store's application id plus the caller's user id.
type LedgerStore struct {
	pool          *pgxpool.Pool
	applicationID string
}

func NewLedgerStore(p *pgxpool.Pool, applicationID string) *LedgerStore {
	return &LedgerStore{pool: p, applicationID: applicationID}
}

func (s *LedgerStore) ApplicationID() string {
	return s.applicationID
}

func storageErr(err error, format string, args ...interface{}) error {
	return errors.WithType(errors.Annotatef(err, format, args...), util.ErrStorage)
}

func (s *LedgerStore) GetLinkedItem(ctx context.Context, userID, itemID string) (*models.LinkedItem, error) {
	query := `
		SELECT item_id, user_id, access_token, institution_id, institution_name, accounts,
		       created_at, updated_at, last_synced_at
		FROM linked_items
		WHERE application_id = $1 AND user_id = $2 AND item_id = $3
	`
	var item models.LinkedItem
	err := s.pool.QueryRow(ctx, query, s.applicationID, userID, itemID).Scan(
		&item.ItemID,
		&item.UserID,
		&item.AccessToken,
		&item.InstitutionID,
		&item.InstitutionName,
		&item.Accounts,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.LastSyncedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithType(errors.Errorf("linked item %s not found", itemID), util.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr(err, "get linked item %s", itemID)
	}
	return &item, nil
}

// CreateLinkedItem writes a new item as a single row. A second create for the same
// item id in the same namespace fails rather than overwriting the access token.
func (s *LedgerStore) CreateLinkedItem(ctx context.Context, item *models.LinkedItem) error {
	query := `
		INSERT INTO linked_items (application_id, user_id, item_id, access_token, institution_id,
		                          institution_name, accounts, created_at, updated_at, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL)
	`
	accounts := item.Accounts
	if accounts == nil {
		accounts = []models.AccountSummary{}
	}
	_, err := s.pool.Exec(ctx, query,
		s.applicationID,
		item.UserID,
		item.ItemID,
		item.AccessToken,
		item.InstitutionID,
		item.InstitutionName,
		accounts,
		item.CreatedAt,
		item.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return storageErr(err, "linked item %s already exists", item.ItemID)
		}
		return storageErr(err, "create linked item %s", item.ItemID)
	}
	return nil
}

func (s *LedgerStore) ListLinkedItems(ctx context.Context, userID string) ([]models.LinkedItem, error) {
	query := `
		SELECT item_id, user_id, access_token, institution_id, institution_name, accounts,
		       created_at, updated_at, last_synced_at
		FROM linked_items
		WHERE application_id = $1 AND user_id = $2
		ORDER BY created_at
	`
	rows, err := s.pool.Query(ctx, query, s.applicationID, userID)
	if err != nil {
		return nil, storageErr(err, "list linked items")
	}
	defer rows.Close()

	items := []models.LinkedItem{}
	for rows.Next() {
		var item models.LinkedItem
		err := rows.Scan(&item.ItemID, &item.UserID, &item.AccessToken, &item.InstitutionID, &item.InstitutionName,
			&item.Accounts, &item.CreatedAt, &item.UpdatedAt, &item.LastSyncedAt)
		if err != nil {
			return nil, storageErr(err, "scan linked item")
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "list linked items")
	}
	return items, nil
}

// UpdateLastSynced touches only last_synced_at and updated_at.
func (s *LedgerStore) UpdateLastSynced(ctx context.Context, userID, itemID string, at time.Time) error {
	query := `
		UPDATE linked_items SET last_synced_at = $1, updated_at = $1
		WHERE application_id = $2 AND user_id = $3 AND item_id = $4
	`
	cmd, err := s.pool.Exec(ctx, query, at, s.applicationID, userID, itemID)
	if err != nil {
		return storageErr(err, "update last synced for %s", itemID)
	}
	if cmd.RowsAffected() == 0 {
		return errors.WithType(errors.Errorf("linked item %s not found", itemID), util.ErrNotFound)
	}
	return nil
}

// FindItemOwner resolves which user owns an item. Used to route provider webhooks,
// which carry only the item id.
func (s *LedgerStore) FindItemOwner(ctx context.Context, itemID string) (string, error) {
	query := `SELECT user_id FROM linked_items WHERE application_id = $1 AND item_id = $2 LIMIT 1`
	var userID string
	err := s.pool.QueryRow(ctx, query, s.applicationID, itemID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errors.WithType(errors.Errorf("linked item %s not found", itemID), util.ErrNotFound)
	}
	if err != nil {
		return "", storageErr(err, "find owner of %s", itemID)
	}
	return userID, nil
}

const transactionColumns = `id::text, user_id, description, amount::text, kind, category, external_transaction_id,
	external_account_id, linked_item_id, merchant_name, occurred_at, synced_at, source`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var txn models.Transaction
	var amount, kind string
	err := row.Scan(&txn.ID, &txn.UserID, &txn.Description, &amount, &kind, &txn.Category, &txn.ExternalTransactionID,
		&txn.ExternalAccountID, &txn.LinkedItemID, &txn.MerchantName, &txn.OccurredAt, &txn.SyncedAt, &txn.Source)
	if err != nil {
		return nil, err
	}
	txn.Kind = models.TransactionKind(kind)
	txn.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, errors.Annotatef(err, "parse amount %q", amount)
	}
	return &txn, nil
}

// FindTransactionByExternalID returns the transaction carrying a provider id, or nil.
func (s *LedgerStore) FindTransactionByExternalID(ctx context.Context, userID, externalID string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE application_id = $1 AND user_id = $2 AND external_transaction_id = $3
		LIMIT 1
	`
	txn, err := scanTransaction(s.pool.QueryRow(ctx, query, s.applicationID, userID, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(err, "find transaction %s", externalID)
	}
	return txn, nil
}

// InsertTransaction assigns the document id and writes the row. It reports false
// when another row already holds the same provider transaction id.
func (s *LedgerStore) InsertTransaction(ctx context.Context, txn *models.Transaction) (bool, error) {
	query := `
		INSERT INTO transactions (id, application_id, user_id, description, amount, kind, category,
		                          external_transaction_id, external_account_id, linked_item_id,
		                          merchant_name, occurred_at, synced_at, source)
		VALUES ($1::uuid, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (application_id, user_id, external_transaction_id)
		    WHERE external_transaction_id IS NOT NULL
		DO NOTHING
	`
	id := uuid.NewString()
	cmd, err := s.pool.Exec(ctx, query,
		id,
		s.applicationID,
		txn.UserID,
		txn.Description,
		txn.Amount.StringFixed(2),
		string(txn.Kind),
		txn.Category,
		txn.ExternalTransactionID,
		txn.ExternalAccountID,
		txn.LinkedItemID,
		txn.MerchantName,
		txn.OccurredAt,
		txn.SyncedAt,
		txn.Source,
	)
	if err != nil {
		return false, storageErr(err, "insert transaction")
	}
	if cmd.RowsAffected() == 0 {
		return false, nil
	}
	txn.ID = id
	return true, nil
}

func (s *LedgerStore) ListTransactionsByItem(ctx context.Context, userID, itemID string) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE application_id = $1 AND user_id = $2 AND linked_item_id = $3
		ORDER BY occurred_at DESC, synced_at DESC
	`
	rows, err := s.pool.Query(ctx, query, s.applicationID, userID, itemID)
	if err != nil {
		return nil, storageErr(err, "list transactions for %s", itemID)
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, storageErr(err, "scan transaction")
		}
		transactions = append(transactions, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "list transactions for %s", itemID)
	}
	return transactions, nil
}

// DeleteLinkedItemCascade deletes the item and then every transaction referencing
// it inside one database transaction. The matched transactions are removed as a
// single batch; the returned count is the number of matched rows.
func (s *LedgerStore) DeleteLinkedItemCascade(ctx context.Context, userID, itemID string) (int, error) {
	var deleted int
	err := database.WithTransaction(ctx, s.pool, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx, `
			DELETE FROM linked_items WHERE application_id = $1 AND user_id = $2 AND item_id = $3
		`, s.applicationID, userID, itemID)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return errors.WithType(errors.Errorf("linked item %s not found", itemID), util.ErrNotFound)
		}

		deleted, err = deleteTransactionsByItem(ctx, tx, s.applicationID, userID, itemID)
		return err
	})
	if errors.Is(err, util.ErrNotFound) {
		return 0, err
	}
	if err != nil {
		return 0, storageErr(err, "delete linked item %s", itemID)
	}
	return deleted, nil
}

func deleteTransactionsByItem(ctx context.Context, tx pgx.Tx, applicationID, userID, itemID string) (int, error) {
	rows, err := tx.Query(ctx, `
		SELECT id::text FROM transactions
		WHERE application_id = $1 AND user_id = $2 AND linked_item_id = $3
		FOR UPDATE
	`, applicationID, userID, itemID)
	if err != nil {
		return 0, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	cmd, err := tx.Exec(ctx, `DELETE FROM transactions WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return 0, err
	}
	if int(cmd.RowsAffected()) != len(ids) {
		return 0, errors.Errorf("deleted %d of %d matched transactions", cmd.RowsAffected(), len(ids))
	}
	return len(ids), nil
}
