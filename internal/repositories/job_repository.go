package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"fluidsim/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrJobNotFound = errors.New("job not found")
var ErrJobExists = errors.New("job id already exists")

const jobColumns = `id, status, params_json, result_json, error_text, created_at, started_at, finished_at`

type JobRepository struct {
	db *pgxpool.Pool
}

func NewJobRepository(db *pgxpool.Pool) *JobRepository {
	return &JobRepository{db: db}
}

// Create stores a queued job and fills in CreatedAt.
func (r *JobRepository) Create(ctx context.Context, j *models.Job) error {
	params, err := json.Marshal(j.Request)
	if err != nil {
		return err
	}

	err = r.db.QueryRow(ctx, `
		INSERT INTO jobs (id, status, params_json)
		VALUES ($1,$2,$3)
		RETURNING created_at
	`, j.ID, models.StatusQueued, params).Scan(&j.CreatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return ErrJobExists
		}
		return err
	}
	j.Status = models.StatusQueued
	return nil
}

func (r *JobRepository) List(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

func (r *JobRepository) MarkRunning(ctx context.Context, id string) error {
	cmd, err := r.db.Exec(ctx,
		`UPDATE jobs SET status=$2, started_at=NOW(), finished_at=NULL, error_text=NULL WHERE id=$1`,
		id, models.StatusRunning,
	)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Finish records the terminal result of a job.
func (r *JobRepository) Finish(ctx context.Context, res models.JobResult) error {
	status := models.StatusComplete
	var errText *string
	if res.Status == models.ResultError {
		status = models.StatusError
		errText = &res.Error
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}

	cmd, err := r.db.Exec(ctx,
		`UPDATE jobs SET status=$2, result_json=$3, error_text=$4, finished_at=NOW() WHERE id=$1`,
		res.JobID, status, payload, errText,
	)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j          models.Job
		params     []byte
		result     []byte
		errText    *string
		startedAt  *time.Time
		finishedAt *time.Time
	)
	err := row.Scan(&j.ID, &j.Status, &params, &result, &errText, &j.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(params, &j.Request); err != nil {
		return nil, err
	}
	if result != nil {
		j.Result = &models.JobResult{}
		if err := json.Unmarshal(result, j.Result); err != nil {
			return nil, err
		}
	}
	if errText != nil {
		j.ErrorText = *errText
	}
	j.StartedAt, j.FinishedAt = startedAt, finishedAt
	return &j, nil
}

// 23505 = unique_violation
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
