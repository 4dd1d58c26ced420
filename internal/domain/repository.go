package domain

import "context"

// TrainedModelRepository persists the local record of each remote training.
type TrainedModelRepository interface {
	// Insert is idempotent on TrainingID.
	Insert(ctx context.Context, model *TrainedModel) error
	ListByUser(ctx context.Context, userID string, limit int) ([]TrainedModel, error)
	UpdateStatusByTrainingID(ctx context.Context, trainingID string, status TrainingStatus) error
}
