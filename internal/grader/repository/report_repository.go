package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"autograder/internal/common/db"
	"autograder/internal/grader/model"
	"autograder/internal/grader/sandbox/result"
	appErr "autograder/pkg/errors"
)

var (
	ErrReportNotFound = errors.New("grade report not found")
)

// GradeReportRecord is the persisted form of a finished grading pass.
type GradeReportRecord struct {
	SubmissionID string
	AssignmentID int64
	StudentID    string
	ToolchainID  string
	Verdict      result.Verdict
	Review       string
	Passed       int
	Total        int
	TotalTimeMs  int64
	MaxMemoryKB  int64
	Report       model.GradeStatusResponse
	GradedAt     time.Time
	ReviewedAt   *time.Time
	ReviewedBy   string
}

// ReportRepository defines grade report persistence interfaces.
type ReportRepository interface {
	Upsert(ctx context.Context, tx db.Transaction, record *GradeReportRecord) error
	GetBySubmissionID(ctx context.Context, tx db.Transaction, submissionID string) (*GradeReportRecord, error)
	ConfirmReview(ctx context.Context, tx db.Transaction, submissionID, reviewer string) error
}

// MySQLReportRepository implements ReportRepository with MySQL.
type MySQLReportRepository struct {
	db db.Database
}

// NewReportRepository creates a report repository.
func NewReportRepository(database db.Database) ReportRepository {
	return &MySQLReportRepository{db: database}
}

const reportColumns = "submission_id, assignment_id, student_id, toolchain_id, verdict, review, passed, total, total_time_ms, max_memory_kb, report, graded_at, reviewed_at, reviewed_by"

// Upsert writes a grade report. A regrade replaces the previous report and
// resets the review state back to unconfirmed.
func (r *MySQLReportRepository) Upsert(ctx context.Context, tx db.Transaction, record *GradeReportRecord) error {
	if record == nil {
		return errors.New("report record is nil")
	}
	if record.SubmissionID == "" {
		return errors.New("submissionID is required")
	}
	if record.AssignmentID <= 0 {
		return errors.New("assignmentID is required")
	}
	payload, err := json.Marshal(record.Report)
	if err != nil {
		return appErr.Wrapf(err, appErr.SubmissionReportFailed, "marshal report failed")
	}

	query := `
		INSERT INTO grade_reports
		(submission_id, assignment_id, student_id, toolchain_id, verdict, review, passed, total, total_time_ms, max_memory_kb, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			verdict = VALUES(verdict),
			review = VALUES(review),
			passed = VALUES(passed),
			total = VALUES(total),
			total_time_ms = VALUES(total_time_ms),
			max_memory_kb = VALUES(max_memory_kb),
			report = VALUES(report),
			graded_at = CURRENT_TIMESTAMP,
			reviewed_at = NULL,
			reviewed_by = ''
	`
	review := record.Review
	if review == "" {
		review = model.ReviewUnconfirmed
	}
	_, err = db.GetQuerier(r.db, tx).Exec(
		ctx,
		query,
		record.SubmissionID,
		record.AssignmentID,
		record.StudentID,
		record.ToolchainID,
		string(record.Verdict),
		review,
		record.Passed,
		record.Total,
		record.TotalTimeMs,
		record.MaxMemoryKB,
		payload,
	)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "upsert grade report failed")
	}
	return nil
}

// GetBySubmissionID retrieves a grade report by submission id.
func (r *MySQLReportRepository) GetBySubmissionID(ctx context.Context, tx db.Transaction, submissionID string) (*GradeReportRecord, error) {
	if submissionID == "" {
		return nil, errors.New("submissionID is required")
	}
	query := "SELECT " + reportColumns + " FROM grade_reports WHERE submission_id = ? LIMIT 1"
	row := db.GetQuerier(r.db, tx).QueryRow(ctx, query, submissionID)

	record := &GradeReportRecord{}
	var verdict string
	var payload []byte
	var reviewedAt *time.Time
	if err := row.Scan(
		&record.SubmissionID,
		&record.AssignmentID,
		&record.StudentID,
		&record.ToolchainID,
		&verdict,
		&record.Review,
		&record.Passed,
		&record.Total,
		&record.TotalTimeMs,
		&record.MaxMemoryKB,
		&payload,
		&record.GradedAt,
		&reviewedAt,
		&record.ReviewedBy,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrReportNotFound
		}
		return nil, err
	}
	record.Verdict = result.Verdict(verdict)
	record.ReviewedAt = reviewedAt
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &record.Report); err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "decode report payload failed")
		}
	}
	return record, nil
}

// ConfirmReview marks a finished report as reviewed by an instructor.
func (r *MySQLReportRepository) ConfirmReview(ctx context.Context, tx db.Transaction, submissionID, reviewer string) error {
	if submissionID == "" {
		return errors.New("submissionID is required")
	}
	if reviewer == "" {
		return errors.New("reviewer is required")
	}
	query := `
		UPDATE grade_reports
		SET review = ?, reviewed_at = CURRENT_TIMESTAMP, reviewed_by = ?
		WHERE submission_id = ?
	`
	res, err := db.GetQuerier(r.db, tx).Exec(ctx, query, model.ReviewConfirmed, reviewer, submissionID)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "confirm review failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if affected == 0 {
		return ErrReportNotFound
	}
	return nil
}
