package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"lsmnet/internal/domain"
	"lsmnet/pkg/errors"
)

type ObligationRepository struct {
	db *sqlx.DB
}

func NewObligationRepository(db *sqlx.DB) *ObligationRepository {
	return &ObligationRepository{db: db}
}

// Create issues a new obligation. The sequence number is drawn from a
// database sequence so creation order is globally consistent.
func (r *ObligationRepository) Create(ctx context.Context, ob *domain.Obligation) error {
	if ob.ID == uuid.Nil {
		ob.ID = uuid.New()
	}
	ob.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO obligations (id, debtor, creditor, amount, currency, sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, nextval('obligation_sequence'), $6)
		RETURNING sequence
	`
	err := r.db.QueryRowxContext(ctx, query,
		ob.ID, ob.Debtor, ob.Creditor, ob.Amount, ob.Currency, ob.CreatedAt,
	).Scan(&ob.Sequence)
	return errors.Wrap(err, "failed to create obligation")
}

// ListByParticipant returns every outstanding obligation the participant
// is a party to, in sequence order. The single SELECT gives detection the
// point-in-time snapshot it requires.
func (r *ObligationRepository) ListByParticipant(ctx context.Context, participant string, currency domain.Currency) ([]domain.Obligation, error) {
	var obligations []domain.Obligation
	query := `
		SELECT * FROM obligations
		WHERE (debtor = $1 OR creditor = $1) AND currency = $2
		ORDER BY sequence ASC
	`
	err := r.db.SelectContext(ctx, &obligations, query, participant, currency)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list obligations")
	}
	return obligations, nil
}

// FindByID returns a single obligation.
func (r *ObligationRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Obligation, error) {
	ob := &domain.Obligation{}
	query := `SELECT * FROM obligations WHERE id = $1`
	err := r.db.GetContext(ctx, ob, query, id)
	if err != nil {
		return nil, errors.Wrap(errors.ErrObligationNotFound, id.String())
	}
	return ob, nil
}
