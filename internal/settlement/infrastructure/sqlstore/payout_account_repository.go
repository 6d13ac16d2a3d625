package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	settlement "settlement-engine/internal/settlement/domain"
)

// PayoutAccountRepository reads restaurant payout accounts and records gateway linkage.
type PayoutAccountRepository struct {
	db *sqlx.DB
}

// NewPayoutAccountRepository constructs a repository.
func NewPayoutAccountRepository(db *sqlx.DB) *PayoutAccountRepository {
	return &PayoutAccountRepository{db: db}
}

type payoutAccountRow struct {
	RestaurantID  string         `db:"restaurant_id"`
	DisplayName   string         `db:"display_name"`
	ContactEmail  sql.NullString `db:"contact_email"`
	ContactPhone  sql.NullString `db:"contact_phone"`
	Method        string         `db:"method"`
	AccountHolder string         `db:"account_holder"`
	AccountNumber string         `db:"account_number"`
	IFSC          string         `db:"ifsc"`
	VPA           string         `db:"vpa"`
	TransferMode  sql.NullString `db:"transfer_mode"`
	PayeeID       sql.NullString `db:"payee_id"`
	FundingID     sql.NullString `db:"funding_id"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

// Get fetches a restaurant's payout account.
func (r *PayoutAccountRepository) Get(ctx context.Context, restaurantID string) (*settlement.PayoutAccount, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("payout account repo: nil db")
	}
	var row payoutAccountRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
SELECT restaurant_id, display_name, contact_email, contact_phone, method, account_holder,
	account_number, ifsc, vpa, transfer_mode, payee_id, funding_id, updated_at
FROM payout_accounts
WHERE restaurant_id = ?`), restaurantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: restaurant %s", settlement.ErrPayoutAccountMissing, restaurantID)
	}
	if err != nil {
		return nil, err
	}
	mode, _ := settlement.ParseTransferMode(row.TransferMode.String)
	return &settlement.PayoutAccount{
		RestaurantID:  row.RestaurantID,
		DisplayName:   row.DisplayName,
		ContactEmail:  row.ContactEmail.String,
		ContactPhone:  row.ContactPhone.String,
		Method:        settlement.PayoutMethod(row.Method),
		AccountHolder: row.AccountHolder,
		AccountNumber: row.AccountNumber,
		IFSC:          row.IFSC,
		VPA:           row.VPA,
		TransferMode:  mode,
		PayeeID:       row.PayeeID.String,
		FundingID:     row.FundingID.String,
		UpdatedAt:     row.UpdatedAt.UTC(),
	}, nil
}

// Save inserts or replaces the restaurant-owned columns of an account.
// Gateway linkage columns are left untouched on update.
func (r *PayoutAccountRepository) Save(ctx context.Context, account settlement.PayoutAccount) error {
	if r == nil || r.db == nil {
		return errors.New("payout account repo: nil db")
	}
	if account.RestaurantID == "" {
		return fmt.Errorf("%w: restaurant id required", settlement.ErrValidation)
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
INSERT INTO payout_accounts (
	restaurant_id, display_name, contact_email, contact_phone, method, account_holder,
	account_number, ifsc, vpa, transfer_mode, updated_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (restaurant_id) DO UPDATE SET
	display_name = excluded.display_name,
	contact_email = excluded.contact_email,
	contact_phone = excluded.contact_phone,
	method = excluded.method,
	account_holder = excluded.account_holder,
	account_number = excluded.account_number,
	ifsc = excluded.ifsc,
	vpa = excluded.vpa,
	transfer_mode = excluded.transfer_mode,
	updated_at = excluded.updated_at`),
		account.RestaurantID, account.DisplayName, nullString(account.ContactEmail), nullString(account.ContactPhone),
		string(account.Method), account.AccountHolder, account.AccountNumber, account.IFSC, account.VPA,
		nullString(string(account.TransferMode)), account.UpdatedAt.UTC())
	return err
}

// AttachPayee links payeeID unless another writer linked one first.
func (r *PayoutAccountRepository) AttachPayee(ctx context.Context, restaurantID, payeeID string, at time.Time) (string, error) {
	return r.attach(ctx, "payee_id", restaurantID, payeeID, at)
}

// AttachFunding links fundingID unless another writer linked one first.
func (r *PayoutAccountRepository) AttachFunding(ctx context.Context, restaurantID, fundingID string, at time.Time) (string, error) {
	return r.attach(ctx, "funding_id", restaurantID, fundingID, at)
}

func (r *PayoutAccountRepository) attach(ctx context.Context, column, restaurantID, value string, at time.Time) (string, error) {
	if r == nil || r.db == nil {
		return "", errors.New("payout account repo: nil db")
	}
	if value == "" {
		return "", fmt.Errorf("%w: empty %s", settlement.ErrValidation, column)
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
UPDATE payout_accounts
SET `+column+` = ?, updated_at = ?
WHERE restaurant_id = ? AND (`+column+` IS NULL OR `+column+` = '')`), value, at.UTC(), restaurantID)
	if err != nil {
		return "", fmt.Errorf("attach %s: %w", column, err)
	}
	var linked sql.NullString
	err = r.db.GetContext(ctx, &linked, r.db.Rebind(`SELECT `+column+` FROM payout_accounts WHERE restaurant_id = ?`), restaurantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: restaurant %s", settlement.ErrPayoutAccountMissing, restaurantID)
	}
	if err != nil {
		return "", err
	}
	return linked.String, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
