// Package roster is the student and attendance database, backed by sqlite.
package roster

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// Layouts used for the attendance columns.
const (
	DateLayout      = "2006-01-02"
	TimeLayout      = "15:04:05"
	TimestampLayout = "2006-01-02 15:04:05"
)

var (
	ErrStudentExists   = errors.New("student with this roll number already exists")
	ErrStudentNotFound = errors.New("student not found")
	ErrInvalidStudent  = errors.New("invalid student")
	ErrAlreadyMarked   = errors.New("attendance already marked for today")
	ErrRecordNotFound  = errors.New("attendance record not found")
)

// Genders accepted for a student.
var Genders = []string{"Male", "Female", "Other"}

// Student is one roster entry.
type Student struct {
	RollNumber  string `json:"roll_number"`
	Name        string `json:"name"`
	Gender      string `json:"gender"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Branch      string `json:"branch"`
	QRCodePath  string `json:"qr_code_path"`
	FaceTrained bool   `json:"face_trained"`
}

// AttendanceRecord is one check-in.
type AttendanceRecord struct {
	ID         string `json:"id"`
	RollNumber string `json:"roll_number"`
	Name       string `json:"name"`
	Branch     string `json:"branch"`
	Date       string `json:"date"`
	Time       string `json:"time"`
	Timestamp  string `json:"timestamp"`
}

// Stats is the per-day dashboard summary. BranchWise has an entry for every
// configured branch.
type Stats struct {
	Date         string         `json:"date"`
	TotalPresent int            `json:"total_present"`
	BranchWise   map[string]int `json:"branch_wise"`
}

// Store is the roster database.
type Store struct {
	db       *sql.DB
	branches []string
	now      func() time.Time
}

// New opens (creating if needed) the database at dbPath.
func New(dbPath string, branches []string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logging.Component("roster").Debugf("Opened roster database %s", dbPath)
	return &Store{db: db, branches: branches, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS students (
		roll_number   TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		gender        TEXT NOT NULL DEFAULT '',
		email         TEXT NOT NULL DEFAULT '',
		phone         TEXT NOT NULL DEFAULT '',
		branch        TEXT NOT NULL,
		qr_code_path  TEXT NOT NULL DEFAULT '',
		face_trained  INTEGER NOT NULL DEFAULT 0,
		created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS attendance (
		id           TEXT PRIMARY KEY,
		roll_number  TEXT NOT NULL,
		name         TEXT NOT NULL,
		branch       TEXT NOT NULL,
		date         TEXT NOT NULL,
		time         TEXT NOT NULL,
		timestamp    TEXT NOT NULL,
		UNIQUE (roll_number, date)
	);

	CREATE INDEX IF NOT EXISTS idx_attendance_date   ON attendance(date);
	CREATE INDEX IF NOT EXISTS idx_attendance_branch ON attendance(branch);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Branches returns the configured branch list.
func (s *Store) Branches() []string { return s.branches }

func (s *Store) isBranch(b string) bool {
	for _, known := range s.branches {
		if known == b {
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// -------- Students --------

func (s *Store) validate(st *Student) error {
	st.RollNumber = strings.TrimSpace(st.RollNumber)
	st.Name = strings.TrimSpace(st.Name)
	switch {
	case st.RollNumber == "":
		return fmt.Errorf("%w: roll number is required", ErrInvalidStudent)
	case st.RollNumber != filepath.Base(st.RollNumber):
		return fmt.Errorf("%w: roll number %q contains a path separator", ErrInvalidStudent, st.RollNumber)
	case st.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidStudent)
	case !s.isBranch(st.Branch):
		return fmt.Errorf("%w: unknown branch %q (expected one of %s)",
			ErrInvalidStudent, st.Branch, strings.Join(s.branches, ", "))
	}
	if st.Gender != "" {
		ok := false
		for _, g := range Genders {
			if g == st.Gender {
				ok = true
			}
		}
		if !ok {
			return fmt.Errorf("%w: unknown gender %q", ErrInvalidStudent, st.Gender)
		}
	}
	return nil
}

// CreateStudent adds a student. A duplicate roll number gives
// ErrStudentExists.
func (s *Store) CreateStudent(ctx context.Context, st *Student) error {
	if err := s.validate(st); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO students (roll_number, name, gender, email, phone, branch, qr_code_path, face_trained)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.RollNumber, st.Name, st.Gender, st.Email, st.Phone, st.Branch, st.QRCodePath, st.FaceTrained,
	)
	if isUniqueViolation(err) {
		return ErrStudentExists
	}
	return err
}

const studentColumns = `roll_number, name, gender, email, phone, branch, qr_code_path, face_trained`

func scanStudent(row interface{ Scan(...any) error }) (*Student, error) {
	var st Student
	err := row.Scan(&st.RollNumber, &st.Name, &st.Gender, &st.Email, &st.Phone, &st.Branch, &st.QRCodePath, &st.FaceTrained)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetStudent returns the student or ErrStudentNotFound.
func (s *Store) GetStudent(ctx context.Context, roll string) (*Student, error) {
	st, err := scanStudent(s.db.QueryRowContext(ctx,
		`SELECT `+studentColumns+` FROM students WHERE roll_number = ?`, roll))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStudentNotFound
	}
	return st, err
}

// Exists reports whether roll is on the roster. It is the live lookup QR
// tokens are validated against.
func (s *Store) Exists(ctx context.Context, roll string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM students WHERE roll_number = ?`, roll).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListStudents returns students in roll number order, optionally filtered by
// branch.
func (s *Store) ListStudents(ctx context.Context, branch string) ([]Student, error) {
	query := `SELECT ` + studentColumns + ` FROM students`
	var args []any
	if branch != "" {
		query += ` WHERE branch = ?`
		args = append(args, branch)
	}
	query += ` ORDER BY roll_number`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		students = append(students, *st)
	}
	return students, rows.Err()
}

// DeleteStudent removes the student. Attendance history is kept.
func (s *Store) DeleteStudent(ctx context.Context, roll string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM students WHERE roll_number = ?`, roll)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStudentNotFound
	}
	return nil
}

func (s *Store) updateStudent(ctx context.Context, roll, column string, value any) error {
	res, err := s.db.ExecContext(ctx, `UPDATE students SET `+column+` = ? WHERE roll_number = ?`, value, roll)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStudentNotFound
	}
	return nil
}

// SetQRPath records the latest QR image issued to the student.
func (s *Store) SetQRPath(ctx context.Context, roll, path string) error {
	return s.updateStudent(ctx, roll, "qr_code_path", path)
}

// SetFaceTrained records whether the student has usable face encodings.
func (s *Store) SetFaceTrained(ctx context.Context, roll string, trained bool) error {
	return s.updateStudent(ctx, roll, "face_trained", trained)
}

// -------- Attendance --------

// MarkAttendance records a check-in for today. A second check-in on the same
// day gives ErrAlreadyMarked.
func (s *Store) MarkAttendance(ctx context.Context, roll, name, branch string) (*AttendanceRecord, error) {
	now := s.now()
	rec := &AttendanceRecord{
		ID:         uuid.New().String(),
		RollNumber: roll,
		Name:       name,
		Branch:     branch,
		Date:       now.Format(DateLayout),
		Time:       now.Format(TimeLayout),
		Timestamp:  now.Format(TimestampLayout),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attendance (id, roll_number, name, branch, date, time, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RollNumber, rec.Name, rec.Branch, rec.Date, rec.Time, rec.Timestamp,
	)
	if isUniqueViolation(err) {
		return nil, ErrAlreadyMarked
	}
	if err != nil {
		return nil, err
	}

	logging.Component("roster").WithFields(logging.Fields{
		"roll_number": roll,
		"branch":      branch,
	}).Info("Attendance marked")
	return rec, nil
}

// IsMarkedToday reports whether roll has checked in today.
func (s *Store) IsMarkedToday(ctx context.Context, roll string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM attendance WHERE roll_number = ? AND date = ?`,
		roll, s.now().Format(DateLayout)).Scan(&n)
	return n > 0, err
}

// Report lists attendance in timestamp order. Empty date or branch means no
// filter.
func (s *Store) Report(ctx context.Context, date, branch string) ([]AttendanceRecord, error) {
	query := `SELECT id, roll_number, name, branch, date, time, timestamp FROM attendance WHERE 1 = 1`
	var args []any
	if date != "" {
		query += ` AND date = ?`
		args = append(args, date)
	}
	if branch != "" {
		query += ` AND branch = ?`
		args = append(args, branch)
	}
	query += ` ORDER BY timestamp, roll_number`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AttendanceRecord
	for rows.Next() {
		var r AttendanceRecord
		if err := rows.Scan(&r.ID, &r.RollNumber, &r.Name, &r.Branch, &r.Date, &r.Time, &r.Timestamp); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ExportHeader is the column order of ExportCSV.
var ExportHeader = []string{"roll_number", "name", "branch", "date", "time", "timestamp"}

// ExportCSV writes the attendance matching date and branch (empty means all)
// to w as CSV with a header row, and returns the number of records written.
func (s *Store) ExportCSV(ctx context.Context, w io.Writer, date, branch string) (int, error) {
	records, err := s.Report(ctx, date, branch)
	if err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader); err != nil {
		return 0, err
	}
	for _, r := range records {
		if err := cw.Write([]string{r.RollNumber, r.Name, r.Branch, r.Date, r.Time, r.Timestamp}); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("export attendance: %w", err)
	}
	return len(records), nil
}

// DeleteAttendance removes every record with the given timestamp.
func (s *Store) DeleteAttendance(ctx context.Context, timestamp string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM attendance WHERE timestamp = ?`, timestamp)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// DashboardStats counts check-ins per branch for date (today when empty).
func (s *Store) DashboardStats(ctx context.Context, date string) (*Stats, error) {
	if date == "" {
		date = s.now().Format(DateLayout)
	}
	stats := &Stats{Date: date, BranchWise: make(map[string]int, len(s.branches))}
	for _, b := range s.branches {
		stats.BranchWise[b] = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT branch, COUNT(1) FROM attendance WHERE date = ? GROUP BY branch`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var branch string
		var n int
		if err := rows.Scan(&branch, &n); err != nil {
			return nil, err
		}
		stats.BranchWise[branch] = n
		stats.TotalPresent += n
	}
	return stats, rows.Err()
}
