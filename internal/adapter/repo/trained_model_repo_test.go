package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"retratai/internal/domain"
	"retratai/internal/infra"
	"retratai/internal/retry"
	"retratai/internal/sqlinline"
)

type execCall struct {
	query string
	args  []any
}

type stubExecutor struct {
	execs    []execCall
	queries  []execCall
	tag      pgconn.CommandTag
	execErr  error
	rows     *stubRows
	queryErr error
}

func (s *stubExecutor) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.execs = append(s.execs, execCall{query: query, args: args})
	return s.tag, s.execErr
}

func (s *stubExecutor) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("QueryRow not expected")
}

func (s *stubExecutor) Query(_ context.Context, query string, args ...any) (pgx.Rows, error) {
	s.queries = append(s.queries, execCall{query: query, args: args})
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return s.rows, nil
}

var _ infra.SQLExecutor = (*stubExecutor)(nil)

type stubRows struct {
	data   [][]any
	pos    int
	closed bool
}

func (r *stubRows) Close() { r.closed = true }
func (r *stubRows) Err() error { return nil }
func (r *stubRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }
func (r *stubRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *stubRows) RawValues() [][]byte { return nil }
func (r *stubRows) Conn() *pgx.Conn { return nil }
func (r *stubRows) Values() ([]any, error) { return r.data[r.pos-1], nil }

func (r *stubRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *stubRows) Scan(dest ...any) error {
	row := r.data[r.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(row))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *time.Time:
			*p = row[i].(time.Time)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

func TestInsertTrainedModel(t *testing.T) {
	exec := &stubExecutor{tag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := NewTrainedModelRepository(exec)
	created := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	err := repo.Insert(context.Background(), &domain.TrainedModel{
		ID:            "4b7d3c6e-0000-4000-8000-000000000001",
		UserID:        "4b7d3c6e-0000-4000-8000-0000000000aa",
		ModelName:     "Juan Perez",
		RemoteModelID: "retratai/Juan Perez",
		TrainingID:    "tr_123",
		Status:        domain.TrainingInProgress,
		TriggerWord:   "ZEPNAJUER",
		Style:         "professional",
		ZipURL:        "https://p.supabase.co/storage/v1/object/public/zip/juan_perez_1.zip",
		CreatedAt:     created,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if len(exec.execs) != 1 || exec.execs[0].query != sqlinline.QInsertTrainedModel {
		t.Fatalf("execs = %+v", exec.execs)
	}
	args := exec.execs[0].args
	if len(args) != 10 || args[4] != "tr_123" || args[5] != "training" || args[9] != created {
		t.Fatalf("args = %v", args)
	}
	if !strings.Contains(sqlinline.QInsertTrainedModel, "on conflict (training_id) do nothing") {
		t.Fatal("insert must be idempotent on training id")
	}
}

func TestInsertTrainedModelWrapsErrors(t *testing.T) {
	boom := errors.New("connection refused")
	repo := NewTrainedModelRepository(&stubExecutor{execErr: boom})
	if err := repo.Insert(context.Background(), &domain.TrainedModel{}); !errors.Is(err, boom) {
		t.Fatalf("Insert = %v", err)
	}
	if err := repo.Insert(context.Background(), nil); err == nil {
		t.Fatal("nil model accepted")
	}
}

func TestInsertTrainedModelDataErrorsArePermanent(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		permanent bool
	}{
		{name: "invalid uuid", err: &pgconn.PgError{Code: "22P02", Message: `invalid input syntax for type uuid: "cli"`}, permanent: true},
		{name: "not null violation", err: &pgconn.PgError{Code: "23502"}, permanent: true},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}},
		{name: "network", err: errors.New("connection reset")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := NewTrainedModelRepository(&stubExecutor{execErr: tc.err})
			err := repo.Insert(context.Background(), &domain.TrainedModel{UserID: "cli"})
			if !errors.Is(err, tc.err) {
				t.Fatalf("Insert = %v", err)
			}
			if retry.IsPermanent(err) != tc.permanent {
				t.Fatalf("IsPermanent = %v, want %v", retry.IsPermanent(err), tc.permanent)
			}
		})
	}
}

func TestInsertInvalidUserIDIsNotRetried(t *testing.T) {
	exec := &stubExecutor{execErr: &pgconn.PgError{Code: "22P02"}}
	repo := NewTrainedModelRepository(exec)
	noSleep := retry.WithSleep(func(context.Context, time.Duration) error { return nil })
	err := retry.DoErr(context.Background(), retry.DefaultPolicy(), func(ctx context.Context) error {
		return repo.Insert(ctx, &domain.TrainedModel{UserID: "cli", TrainingID: "tr_1"})
	}, noSleep)
	if !errors.Is(err, retry.ErrOperationFailed) {
		t.Fatalf("DoErr = %v", err)
	}
	if len(exec.execs) != 1 {
		t.Fatalf("insert attempted %d times, want 1", len(exec.execs))
	}
}

func TestListByUserEmpty(t *testing.T) {
	repo := NewTrainedModelRepository(&stubExecutor{rows: &stubRows{}})
	models, err := repo.ListByUser(context.Background(), "user-1", 5)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if models == nil || len(models) != 0 {
		t.Fatalf("models = %#v, want empty non-nil slice", models)
	}
}

func TestListByUser(t *testing.T) {
	ts := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	rows := &stubRows{data: [][]any{
		{"id-2", "user-1", "Ana", "retratai/Ana", "tr_2", "succeeded", "ANA", "professional", "https://x/ana.zip", ts, ts},
		{"id-1", "user-1", "Juan", "retratai/Juan", "tr_1", "training", "NAUJ", "professional", "https://x/juan.zip", ts, ts},
	}}
	exec := &stubExecutor{rows: rows}
	repo := NewTrainedModelRepository(exec)

	models, err := repo.ListByUser(context.Background(), "user-1", 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(models) != 2 || models[0].Status != domain.TrainingSucceeded || models[1].TrainingID != "tr_1" {
		t.Fatalf("models = %+v", models)
	}
	if !rows.closed {
		t.Fatal("rows not closed")
	}
	if got := exec.queries[0].args[1]; got != defaultListLimit {
		t.Fatalf("limit = %v", got)
	}

	exec.rows = &stubRows{}
	if _, err := repo.ListByUser(context.Background(), "user-1", 10_000); err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if got := exec.queries[1].args[1]; got != maxListLimit {
		t.Fatalf("limit = %v", got)
	}
}

func TestUpdateStatusByTrainingID(t *testing.T) {
	exec := &stubExecutor{tag: pgconn.NewCommandTag("UPDATE 1")}
	repo := NewTrainedModelRepository(exec)
	if err := repo.UpdateStatusByTrainingID(context.Background(), "tr_1", domain.TrainingSucceeded); err != nil {
		t.Fatalf("UpdateStatusByTrainingID: %v", err)
	}
	if args := exec.execs[0].args; args[0] != "tr_1" || args[1] != "succeeded" {
		t.Fatalf("args = %v", args)
	}

	exec.tag = pgconn.NewCommandTag("UPDATE 0")
	if err := repo.UpdateStatusByTrainingID(context.Background(), "tr_x", domain.TrainingFailed); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing training = %v", err)
	}
}

func TestEnsureSchemaUsesMarkedQueries(t *testing.T) {
	exec := &stubExecutor{}
	if err := NewTrainedModelRepository(exec).EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if len(exec.execs) != 2 {
		t.Fatalf("execs = %d", len(exec.execs))
	}
	for _, call := range exec.execs {
		if _, _, err := infra.ExtractMarker(call.query); err != nil {
			t.Fatalf("query without marker: %v", err)
		}
	}
}
