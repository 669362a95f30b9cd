package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	crowderrors "github.com/mirkobrombin/go-crowdlock/v1/errors"
	"github.com/mirkobrombin/go-crowdlock/v1/task"
)

const defaultGormOpTimeout = 5 * time.Second

type projectRecord struct {
	ID              string `gorm:"primaryKey;size:64"`
	ShortName       string `gorm:"size:255"`
	TaskTimeout     int64
	GoldProbability float64
	MaxOffset       int
	Randomize       bool
}

func (projectRecord) TableName() string { return "projects" }

type taskRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	ProjectID string `gorm:"size:64;index:idx_tasks_project_state"`
	State     string `gorm:"size:16;index:idx_tasks_project_state"`
	Required  int
	Answers   int
	Priority  float64
	Gold      bool
	Filter    string `gorm:"type:text"`
	Weights   string `gorm:"type:text"`
	ExpiresAt *time.Time
	CreatedAt time.Time
	Info      []byte
}

func (taskRecord) TableName() string { return "tasks" }

type taskRunRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	ProjectID string `gorm:"size:64;index:idx_task_runs_project_user"`
	TaskID    string `gorm:"size:64;uniqueIndex:idx_task_runs_task_user"`
	UserID    string `gorm:"size:64;uniqueIndex:idx_task_runs_task_user;index:idx_task_runs_project_user"`
	Info      []byte
	CreatedAt time.Time
}

func (taskRunRecord) TableName() string { return "task_runs" }

type profileRecord struct {
	UserID     string `gorm:"primaryKey;size:64"`
	Attributes []byte
}

func (profileRecord) TableName() string { return "user_profiles" }

// GormRepository implements task.Repository on a SQL database.
type GormRepository struct {
	db      *gorm.DB
	timeout time.Duration
}

// GormOption configures a GormRepository.
type GormOption func(*gormOptions)

type gormOptions struct {
	timeout time.Duration
	logger  gormlogger.Interface
	maxIdle int
	maxOpen int
	maxLife time.Duration
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithGormLogger sets the GORM logger used by OpenDB.
func WithGormLogger(l gormlogger.Interface) GormOption {
	return func(o *gormOptions) { o.logger = l }
}

// WithPool configures the connection pool opened by OpenDB.
func WithPool(maxIdle, maxOpen int, maxLifetime time.Duration) GormOption {
	return func(o *gormOptions) {
		o.maxIdle = maxIdle
		o.maxOpen = maxOpen
		o.maxLife = maxLifetime
	}
}

func newGormOptions(opts []GormOption) gormOptions {
	o := gormOptions{
		timeout: defaultGormOpTimeout,
		logger:  gormlogger.Default.LogMode(gormlogger.Silent),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// OpenDB opens a database for driver, one of sqlite, mysql or postgres.
func OpenDB(driver, dsn string, opts ...GormOption) (*gorm.DB, error) {
	o := newGormOptions(opts)
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         o.logger,
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if o.maxIdle > 0 {
		sqlDB.SetMaxIdleConns(o.maxIdle)
	}
	if o.maxOpen > 0 {
		sqlDB.SetMaxOpenConns(o.maxOpen)
	}
	if o.maxLife > 0 {
		sqlDB.SetConnMaxLifetime(o.maxLife)
	}
	return db, nil
}

// NewGormRepository migrates the schema and returns a repository on db.
func NewGormRepository(db *gorm.DB, opts ...GormOption) (*GormRepository, error) {
	o := newGormOptions(opts)
	if err := db.AutoMigrate(&projectRecord{}, &taskRecord{}, &taskRunRecord{}, &profileRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &GormRepository{db: db, timeout: o.timeout}, nil
}

func (r *GormRepository) begin(ctx context.Context) (*gorm.DB, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, crowderrors.ErrTimeout
		}
		return nil, nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	return r.db.WithContext(cctx), cancel, nil
}

func mapGormErr(what string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, crowderrors.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", what, crowderrors.ErrConflict)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", what, crowderrors.ErrTimeout)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// SaveProject inserts or replaces a project.
func (r *GormRepository) SaveProject(ctx context.Context, p *task.Project) error {
	db, cancel, err := r.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	rec := projectRecord{
		ID:              p.ID,
		ShortName:       p.ShortName,
		TaskTimeout:     int64(p.TaskTimeout / time.Second),
		GoldProbability: p.GoldProbability,
		MaxOffset:       p.MaxOffset,
		Randomize:       p.Randomize,
	}
	return mapGormErr("project "+p.ID, db.Save(&rec).Error)
}

// SaveTask inserts or replaces a task.
func (r *GormRepository) SaveTask(ctx context.Context, t *task.Task) error {
	db, cancel, err := r.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	state := t.State
	if state == "" {
		state = task.StateOngoing
	}
	rec := taskRecord{
		ID:        t.ID,
		ProjectID: t.ProjectID,
		State:     string(state),
		Required:  t.Required,
		Answers:   t.Answers,
		Priority:  t.Priority,
		Gold:      t.Gold,
		Filter:    t.Filter,
		Weights:   t.Weights,
		ExpiresAt: t.ExpiresAt,
		CreatedAt: t.CreatedAt,
		Info:      t.Info,
	}
	return mapGormErr("task "+t.ID, db.Save(&rec).Error)
}

// SaveProfile inserts or replaces the profile of userID.
func (r *GormRepository) SaveProfile(ctx context.Context, userID string, p task.Profile) error {
	data, err := sonic.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile %s: %w", userID, err)
	}
	db, cancel, err := r.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return mapGormErr("profile "+userID, db.Save(&profileRecord{UserID: userID, Attributes: data}).Error)
}

// GetProject implements task.Repository.
func (r *GormRepository) GetProject(ctx context.Context, projectID string) (*task.Project, error) {
	db, cancel, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var rec projectRecord
	if err := db.First(&rec, "id = ?", projectID).Error; err != nil {
		return nil, mapGormErr("project "+projectID, err)
	}
	return &task.Project{
		ID:              rec.ID,
		ShortName:       rec.ShortName,
		TaskTimeout:     time.Duration(rec.TaskTimeout) * time.Second,
		GoldProbability: rec.GoldProbability,
		MaxOffset:       rec.MaxOffset,
		Randomize:       rec.Randomize,
	}, nil
}

func (rec *taskRecord) toTask() *task.Task {
	t := &task.Task{
		ID:        rec.ID,
		ProjectID: rec.ProjectID,
		State:     task.State(rec.State),
		Required:  rec.Required,
		Answers:   rec.Answers,
		Priority:  rec.Priority,
		Gold:      rec.Gold,
		Filter:    rec.Filter,
		Weights:   rec.Weights,
		CreatedAt: rec.CreatedAt,
	}
	if rec.ExpiresAt != nil {
		exp := rec.ExpiresAt.UTC()
		t.ExpiresAt = &exp
	}
	if len(rec.Info) > 0 {
		t.Info = append([]byte(nil), rec.Info...)
	}
	return t
}

// GetTask implements task.Repository.
func (r *GormRepository) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	db, cancel, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var rec taskRecord
	if err := db.First(&rec, "id = ?", taskID).Error; err != nil {
		return nil, mapGormErr("task "+taskID, err)
	}
	return rec.toTask(), nil
}

// ListOngoingTasks implements task.Repository.
func (r *GormRepository) ListOngoingTasks(ctx context.Context, projectID string) ([]*task.Task, error) {
	db, cancel, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var recs []taskRecord
	err = db.Where("project_id = ? AND state = ?", projectID, string(task.StateOngoing)).
		Order("id").Find(&recs).Error
	if err != nil {
		return nil, mapGormErr("tasks of "+projectID, err)
	}
	out := make([]*task.Task, len(recs))
	for i := range recs {
		out[i] = recs[i].toTask()
	}
	return out, nil
}

// AnsweredTaskIDs implements task.Repository.
func (r *GormRepository) AnsweredTaskIDs(ctx context.Context, projectID, userID string) ([]string, error) {
	db, cancel, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var ids []string
	err = db.Model(&taskRunRecord{}).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Order("task_id").Pluck("task_id", &ids).Error
	if err != nil {
		return nil, mapGormErr("answers of "+userID, err)
	}
	return ids, nil
}

// GetUserProfile implements task.Repository.
func (r *GormRepository) GetUserProfile(ctx context.Context, userID string) (task.Profile, error) {
	db, cancel, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var rec profileRecord
	err = db.First(&rec, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return task.Profile{}, nil
	}
	if err != nil {
		return nil, mapGormErr("profile "+userID, err)
	}
	p := task.Profile{}
	if len(rec.Attributes) > 0 {
		if err := sonic.Unmarshal(rec.Attributes, &p); err != nil {
			return nil, fmt.Errorf("decode profile %s: %w", userID, err)
		}
	}
	return p, nil
}

// RecordAnswer implements task.Repository.
func (r *GormRepository) RecordAnswer(ctx context.Context, run *task.TaskRun) error {
	db, cancel, err := r.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	what := fmt.Sprintf("task run %s/%s", run.TaskID, run.UserID)
	return db.Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&taskRunRecord{}).
			Where("task_id = ? AND user_id = ?", run.TaskID, run.UserID).
			Count(&n).Error; err != nil {
			return mapGormErr(what, err)
		}
		if n > 0 {
			return fmt.Errorf("%s: %w", what, crowderrors.ErrConflict)
		}
		rec := taskRunRecord{
			ID:        run.ID,
			ProjectID: run.ProjectID,
			TaskID:    run.TaskID,
			UserID:    run.UserID,
			Info:      run.Info,
			CreatedAt: run.CreatedAt,
		}
		return mapGormErr(what, tx.Create(&rec).Error)
	})
}

// IncrementAnswerCount implements task.Repository.
func (r *GormRepository) IncrementAnswerCount(ctx context.Context, taskID string) (int, error) {
	db, cancel, err := r.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	var count int
	err = db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&taskRecord{}).Where("id = ?", taskID).
			UpdateColumn("answers", gorm.Expr("answers + ?", 1))
		if res.Error != nil {
			return mapGormErr("task "+taskID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("task %s: %w", taskID, crowderrors.ErrNotFound)
		}
		var rec taskRecord
		if err := tx.Select("answers").First(&rec, "id = ?", taskID).Error; err != nil {
			return mapGormErr("task "+taskID, err)
		}
		count = rec.Answers
		return nil
	})
	return count, err
}

// SetTaskState implements task.Repository.
func (r *GormRepository) SetTaskState(ctx context.Context, taskID string, state task.State) error {
	db, cancel, err := r.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	res := db.Model(&taskRecord{}).Where("id = ?", taskID).Update("state", string(state))
	if res.Error != nil {
		return mapGormErr("task "+taskID, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	// MySQL reports zero affected rows when the state is unchanged.
	var n int64
	if err := db.Model(&taskRecord{}).Where("id = ?", taskID).Count(&n).Error; err != nil {
		return mapGormErr("task "+taskID, err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, crowderrors.ErrNotFound)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *GormRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
