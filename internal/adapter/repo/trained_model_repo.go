package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"retratai/internal/domain"
	"retratai/internal/infra"
	"retratai/internal/retry"
	"retratai/internal/sqlinline"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// TrainedModelRepositoryPG implements domain.TrainedModelRepository.
type TrainedModelRepositoryPG struct {
	db infra.SQLExecutor
}

func NewTrainedModelRepository(db infra.SQLExecutor) *TrainedModelRepositoryPG {
	return &TrainedModelRepositoryPG{db: db}
}

// EnsureSchema creates the trained_models table and its indexes if missing.
func (r *TrainedModelRepositoryPG) EnsureSchema(ctx context.Context) error {
	for _, q := range []string{sqlinline.QCreateTrainedModelsTable, sqlinline.QCreateTrainedModelsIndexes} {
		if _, err := r.db.Exec(ctx, q); err != nil {
			return fmt.Errorf("repo: ensure trained_models schema: %w", err)
		}
	}
	return nil
}

// Insert records a started training. A second insert for the same training
// id is a no-op.
func (r *TrainedModelRepositoryPG) Insert(ctx context.Context, m *domain.TrainedModel) error {
	if m == nil {
		return errors.New("repo: trained model is nil")
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, sqlinline.QInsertTrainedModel,
		m.ID,
		m.UserID,
		m.ModelName,
		m.RemoteModelID,
		m.TrainingID,
		string(m.Status),
		m.TriggerWord,
		m.Style,
		m.ZipURL,
		createdAt,
	)
	if err != nil {
		err = fmt.Errorf("repo: insert trained model: %w", err)
		if rejectedByData(err) {
			return retry.Permanent(err)
		}
		return err
	}
	return nil
}

// rejectedByData reports Postgres data exceptions (class 22) and integrity
// violations (class 23); repeating the statement cannot succeed.
func rejectedByData(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")
}

// ListByUser returns the newest models first.
func (r *TrainedModelRepositoryPG) ListByUser(ctx context.Context, userID string, limit int) ([]domain.TrainedModel, error) {
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	rows, err := r.db.Query(ctx, sqlinline.QListTrainedModelsByUser, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("repo: list trained models: %w", err)
	}
	defer rows.Close()

	out := make([]domain.TrainedModel, 0)
	for rows.Next() {
		var (
			m      domain.TrainedModel
			status string
		)
		if err := rows.Scan(
			&m.ID,
			&m.UserID,
			&m.ModelName,
			&m.RemoteModelID,
			&m.TrainingID,
			&status,
			&m.TriggerWord,
			&m.Style,
			&m.ZipURL,
			&m.CreatedAt,
			&m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("repo: scan trained model: %w", err)
		}
		m.Status = domain.TrainingStatus(status)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repo: list trained models: %w", err)
	}
	return out, nil
}

// UpdateStatusByTrainingID returns domain.ErrNotFound when no record
// carries trainingID.
func (r *TrainedModelRepositoryPG) UpdateStatusByTrainingID(ctx context.Context, trainingID string, status domain.TrainingStatus) error {
	tag, err := r.db.Exec(ctx, sqlinline.QUpdateTrainedModelStatus, trainingID, string(status))
	if err != nil {
		return fmt.Errorf("repo: update trained model status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
