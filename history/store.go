// Package history persists completed run reports so finished workflows
// can be inspected after the execution context is gone.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/IbIFACE-Tech/paracle-flow/workflow"
)

// RunRecord is the archived form of a run report.
type RunRecord struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"uniqueIndex;size:64"`
	Workflow   string `gorm:"index;size:255"`
	Status     string `gorm:"size:32"`
	FirstError string
	Outputs    string // JSON
	StartedAt  time.Time
	EndedAt    time.Time
	CreatedAt  time.Time
	Steps      []StepRecord `gorm:"foreignKey:RunRecordID;constraint:OnDelete:CASCADE"`
}

// StepRecord is the archived form of a single step result.
type StepRecord struct {
	ID          uint   `gorm:"primaryKey"`
	RunRecordID uint   `gorm:"index"`
	StepID      string `gorm:"size:255"`
	Status      string `gorm:"size:32"`
	Attempts    int
	ErrDetail   string
	Outputs     string // JSON
	StartedAt   time.Time
	EndedAt     time.Time
}

// Store archives run reports through gorm. It implements
// workflow.RunArchiver.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open creates a store backed by a sqlite database at the given path.
// Use ":memory:" for an ephemeral store.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	return New(db, logger)
}

// New creates a store over an existing gorm handle and migrates the
// schema.
func New(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&RunRecord{}, &StepRecord{}); err != nil {
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "history")),
	}, nil
}

// Archive implements workflow.RunArchiver.
func (s *Store) Archive(ctx context.Context, report *workflow.RunReport) error {
	record := RunRecord{
		RunID:      report.RunID,
		Workflow:   report.Workflow,
		Status:     string(report.Status),
		FirstError: report.FirstError,
		Outputs:    marshalJSON(report.Outputs),
		StartedAt:  report.StartedAt,
		EndedAt:    report.EndedAt,
	}
	for stepID, r := range report.Steps {
		record.Steps = append(record.Steps, StepRecord{
			StepID:    stepID,
			Status:    string(r.Status),
			Attempts:  r.Attempts,
			ErrDetail: r.ErrDetail,
			Outputs:   marshalJSON(r.Outputs),
			StartedAt: r.StartedAt,
			EndedAt:   r.EndedAt,
		})
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("archiving run %s: %w", report.RunID, err)
	}
	s.logger.Debug("archived run",
		zap.String("run_id", report.RunID),
		zap.String("status", record.Status))
	return nil
}

// Get loads an archived run by run id.
func (s *Store) Get(ctx context.Context, runID string) (*RunRecord, error) {
	var record RunRecord
	err := s.db.WithContext(ctx).Preload("Steps").Where("run_id = ?", runID).First(&record).Error
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	return &record, nil
}

// ListByWorkflow returns the most recent archived runs of a workflow.
func (s *Store) ListByWorkflow(ctx context.Context, workflowName string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []RunRecord
	err := s.db.WithContext(ctx).
		Where("workflow = ?", workflowName).
		Order("started_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("listing runs for %s: %w", workflowName, err)
	}
	return records, nil
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
