package postgres

import (
	"context"

	"github.com/google/uuid"

	"uniattend/internal/model"
)

// RecordRepo implements repository.RecordRepository.
type RecordRepo struct{ db Querier }

// NewRecordRepo constructs an attendance record repository.
func NewRecordRepo(db Querier) *RecordRepo { return &RecordRepo{db: db} }

// Create inserts a record. The (session_id, student_id) unique constraint is
// the authority on double marks.
func (r *RecordRepo) Create(ctx context.Context, rec *model.AttendanceRecord) error {
	const q = `
INSERT INTO attendance_records (id, session_id, student_id, status, method, marked_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Exec(ctx, q, rec.ID, rec.SessionID, rec.StudentID, string(rec.Status), string(rec.Method), rec.MarkedAt)
	return mapErr(err)
}

// Get selects the record of one student in one session.
func (r *RecordRepo) Get(ctx context.Context, sessionID uuid.UUID, studentID string) (*model.AttendanceRecord, error) {
	const q = `
SELECT id, session_id, student_id, status, method, marked_at
FROM attendance_records WHERE session_id=$1 AND student_id=$2`
	var (
		rec            model.AttendanceRecord
		status, method string
	)
	err := r.db.QueryRow(ctx, q, sessionID, studentID).
		Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &status, &method, &rec.MarkedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	rec.Status, rec.Method = model.Status(status), model.Method(method)
	return &rec, nil
}

// ListBySession returns the records of a session in marking order.
func (r *RecordRepo) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.AttendanceRecord, error) {
	const q = `
SELECT id, session_id, student_id, status, method, marked_at
FROM attendance_records WHERE session_id=$1 ORDER BY marked_at`
	return r.list(ctx, q, sessionID)
}

// ListByStudent returns a student's most recent records.
func (r *RecordRepo) ListByStudent(ctx context.Context, studentID string, limit int) ([]model.AttendanceRecord, error) {
	const q = `
SELECT id, session_id, student_id, status, method, marked_at
FROM attendance_records WHERE student_id=$1 ORDER BY marked_at DESC LIMIT $2`
	return r.list(ctx, q, studentID, limit)
}

func (r *RecordRepo) list(ctx context.Context, q string, args ...any) ([]model.AttendanceRecord, error) {
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []model.AttendanceRecord
	for rows.Next() {
		var (
			rec            model.AttendanceRecord
			status, method string
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &status, &method, &rec.MarkedAt); err != nil {
			return nil, mapErr(err)
		}
		rec.Status, rec.Method = model.Status(status), model.Method(method)
		out = append(out, rec)
	}
	return out, mapErr(rows.Err())
}
