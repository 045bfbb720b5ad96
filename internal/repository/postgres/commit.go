package postgres

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"lsmnet/internal/execute"
	"lsmnet/pkg/errors"
)

// CommitRepository realizes the atomic multi-party commit as a single
// serializable database transaction. Row locks on every touched account,
// taken in deterministic order, are the exclusive claim that keeps
// overlapping netting runs from interleaving; a run touching the same
// participants blocks here until the first commit finishes.
type CommitRepository struct {
	db *sqlx.DB
}

func NewCommitRepository(db *sqlx.DB) *CommitRepository {
	return &CommitRepository{db: db}
}

func (r *CommitRepository) Commit(ctx context.Context, req *execute.CommitRequest) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(err, "failed to begin commit transaction")
	}
	defer tx.Rollback()

	if err := r.lockAccounts(ctx, tx, req); err != nil {
		return err
	}
	if err := r.claimConsumed(ctx, tx, req); err != nil {
		return err
	}
	if err := r.applyTransfers(ctx, tx, req); err != nil {
		return err
	}
	if err := r.replaceObligations(ctx, tx, req); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(), "failed to commit settlement")
}

// lockAccounts takes FOR UPDATE locks on every involved account in sorted
// participant order, so two overlapping commits always acquire in the
// same order and cannot deadlock each other.
func (r *CommitRepository) lockAccounts(ctx context.Context, tx *sqlx.Tx, req *execute.CommitRequest) error {
	set := make(map[string]bool)
	for _, t := range req.Debits {
		set[t.Participant] = true
	}
	for _, t := range req.Credits {
		set[t.Participant] = true
	}
	participants := make([]string, 0, len(set))
	for p := range set {
		participants = append(participants, p)
	}
	sort.Strings(participants)

	for _, p := range participants {
		var balance string
		err := tx.GetContext(ctx, &balance,
			`SELECT balance FROM accounts WHERE participant = $1 AND currency = $2 FOR UPDATE`,
			p, req.Currency,
		)
		if err != nil {
			if err == sql.ErrNoRows {
				return errors.Wrap(errors.ErrCommitConflict, "account missing for "+p)
			}
			return errors.Wrap(err, "failed to lock account "+p)
		}
	}
	return nil
}

// claimConsumed locks the consumed obligations and refuses the commit if
// any is gone, which covers both concurrent settlement and resubmission
// of an already-executed plan.
func (r *CommitRepository) claimConsumed(ctx context.Context, tx *sqlx.Tx, req *execute.CommitRequest) error {
	ids := make([]string, 0, len(req.Consumed))
	for _, ob := range req.Consumed {
		ids = append(ids, ob.ID.String())
	}

	var found int
	err := tx.GetContext(ctx, &found,
		`SELECT COUNT(*) FROM (SELECT id FROM obligations WHERE id = ANY($1) FOR UPDATE) locked`,
		pq.Array(ids),
	)
	if err != nil {
		return errors.Wrap(err, "failed to claim consumed obligations")
	}
	if found != len(req.Consumed) {
		return errors.Wrap(errors.ErrCommitConflict, "obligation set changed since detection")
	}
	return nil
}

func (r *CommitRepository) applyTransfers(ctx context.Context, tx *sqlx.Tx, req *execute.CommitRequest) error {
	for _, debit := range req.Debits {
		result, err := tx.ExecContext(ctx, `
			UPDATE accounts SET
				balance = balance - $1,
				updated_at = NOW()
			WHERE participant = $2 AND currency = $3 AND balance + pledged >= $1
		`, debit.Amount, debit.Participant, req.Currency)
		if err != nil {
			return errors.Wrap(err, "failed to debit "+debit.Participant)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if rows == 0 {
			return errors.Wrap(errors.ErrCommitConflict, "insufficient liquidity for "+debit.Participant)
		}
	}

	for _, credit := range req.Credits {
		_, err := tx.ExecContext(ctx, `
			UPDATE accounts SET
				balance = balance + $1,
				updated_at = NOW()
			WHERE participant = $2 AND currency = $3
		`, credit.Amount, credit.Participant, req.Currency)
		if err != nil {
			return errors.Wrap(err, "failed to credit "+credit.Participant)
		}
	}
	return nil
}

func (r *CommitRepository) replaceObligations(ctx context.Context, tx *sqlx.Tx, req *execute.CommitRequest) error {
	ids := make([]string, 0, len(req.Consumed))
	for _, ob := range req.Consumed {
		ids = append(ids, ob.ID.String())
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM obligations WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return errors.Wrap(err, "failed to delete consumed obligations")
	}

	now := time.Now().UTC()
	for _, ob := range req.Residuals {
		if ob.ID == uuid.Nil {
			ob.ID = uuid.New()
		}
		if ob.CreatedAt.IsZero() {
			ob.CreatedAt = now
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO obligations (id, debtor, creditor, amount, currency, sequence, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, ob.ID, ob.Debtor, ob.Creditor, ob.Amount, ob.Currency, ob.Sequence, ob.CreatedAt)
		if err != nil {
			return errors.Wrap(err, "failed to insert residual obligation")
		}
	}

	// Residuals carry planner-assigned sequence numbers; advance the
	// issuing sequence past them so future obligations stay unique.
	if len(req.Residuals) > 0 {
		maxSeq := req.Residuals[0].Sequence
		for _, ob := range req.Residuals[1:] {
			if ob.Sequence > maxSeq {
				maxSeq = ob.Sequence
			}
		}
		_, err := tx.ExecContext(ctx,
			`SELECT setval('obligation_sequence', GREATEST($1::bigint, last_value)) FROM obligation_sequence`,
			maxSeq,
		)
		if err != nil {
			return errors.Wrap(err, "failed to advance obligation sequence")
		}
	}
	return nil
}
