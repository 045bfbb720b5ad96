package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"lsmnet/internal/domain"
	"lsmnet/pkg/errors"
)

type AccountRepository struct {
	db *sqlx.DB
}

func NewAccountRepository(db *sqlx.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, account *domain.Account) error {
	account.UpdatedAt = time.Now().UTC()
	query := `
		INSERT INTO accounts (participant, currency, balance, pledged, updated_at)
		VALUES (:participant, :currency, :balance, :pledged, :updated_at)
	`
	_, err := r.db.NamedExecContext(ctx, query, account)
	return errors.Wrap(err, "failed to create account")
}

func (r *AccountRepository) FindByParticipant(ctx context.Context, participant string, currency domain.Currency) (*domain.Account, error) {
	account := &domain.Account{}
	query := `SELECT * FROM accounts WHERE participant = $1 AND currency = $2`
	err := r.db.GetContext(ctx, account, query, participant, currency)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrParticipantNotFound
		}
		return nil, errors.Wrap(err, "failed to find account")
	}
	return account, nil
}

// ApprovePledge raises the participant's pledged collateral, widening its
// usable limit without moving cash. Approval itself happens upstream at
// the central liquidity provider; this only records the outcome.
func (r *AccountRepository) ApprovePledge(ctx context.Context, participant string, currency domain.Currency, amount decimal.Decimal) error {
	query := `
		UPDATE accounts SET
			pledged = pledged + $1,
			updated_at = NOW()
		WHERE participant = $2 AND currency = $3
	`
	result, err := r.db.ExecContext(ctx, query, amount, participant, currency)
	if err != nil {
		return errors.Wrap(err, "failed to approve pledge")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.ErrParticipantNotFound
	}
	return nil
}

func (r *AccountRepository) FindAll(ctx context.Context, currency domain.Currency) ([]domain.Account, error) {
	var accounts []domain.Account
	query := `SELECT * FROM accounts WHERE currency = $1 ORDER BY participant ASC`
	err := r.db.SelectContext(ctx, &accounts, query, currency)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list accounts")
	}
	return accounts, nil
}
