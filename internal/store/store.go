// Package store persists scheduler state in Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by Store.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Crypter seals secrets stored at rest.
type Crypter interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Store reads and writes scheduler state.
type Store struct {
	db    DB
	crypt Crypter
}

// New creates a Store. crypt is required for credential access.
func New(db DB, crypt Crypter) *Store {
	return &Store{db: db, crypt: crypt}
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SaveCredentials upserts the login keyed by email.
func (s *Store) SaveCredentials(ctx context.Context, c Credentials) error {
	if s.crypt == nil {
		return errors.New("store: save credentials: no cipher configured")
	}
	enc, err := s.crypt.Encrypt(c.Password)
	if err != nil {
		return fmt.Errorf("store: encrypt password: %w", err)
	}
	query := `
		INSERT INTO credentials (email, password_encrypted, country, user_id)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (email)
		DO UPDATE SET password_encrypted = EXCLUDED.password_encrypted,
			country = EXCLUDED.country,
			user_id = COALESCE(EXCLUDED.user_id, credentials.user_id),
			updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, c.Email, enc, c.Country, c.UserID); err != nil {
		return fmt.Errorf("store: save credentials: %w", err)
	}
	return nil
}

// GetCredentials returns the most recent login, or nil when none is stored.
func (s *Store) GetCredentials(ctx context.Context) (*Credentials, error) {
	if s.crypt == nil {
		return nil, errors.New("store: get credentials: no cipher configured")
	}
	query := `
		SELECT email, password_encrypted, country, COALESCE(user_id, ''), created_at, updated_at
		FROM credentials
		ORDER BY created_at DESC
		LIMIT 1
	`
	var c Credentials
	var enc string
	err := s.db.QueryRow(ctx, query).Scan(&c.Email, &enc, &c.Country, &c.UserID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get credentials: %w", err)
	}
	c.Password, err = s.crypt.Decrypt(enc)
	if err != nil {
		return nil, fmt.Errorf("store: decrypt password: %w", err)
	}
	return &c, nil
}

// CurrentAppointment returns the active appointment, or nil when none exists.
func (s *Store) CurrentAppointment(ctx context.Context) (*CurrentAppointment, error) {
	query := `
		SELECT id, to_char(appointment_date, 'YYYY-MM-DD'), facility_id, facility_name,
			COALESCE(time_slot, ''), booked_at, is_active
		FROM current_appointment
		WHERE is_active = true
		ORDER BY booked_at DESC
		LIMIT 1
	`
	var a CurrentAppointment
	err := s.db.QueryRow(ctx, query).Scan(&a.ID, &a.Date, &a.FacilityID, &a.FacilityName, &a.TimeSlot, &a.BookedAt, &a.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: current appointment: %w", err)
	}
	return &a, nil
}

// ReplaceCurrentAppointment deactivates every active row and inserts the new
// active appointment in one transaction.
func (s *Store) ReplaceCurrentAppointment(ctx context.Context, a CurrentAppointment) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE current_appointment SET is_active = false WHERE is_active = true`); err != nil {
			return fmt.Errorf("deactivate: %w", err)
		}
		insert := `
			INSERT INTO current_appointment (appointment_date, facility_id, facility_name, time_slot, is_active)
			VALUES ($1::date, $2, $3, NULLIF($4, ''), true)
		`
		if _, err := tx.Exec(ctx, insert, a.Date, a.FacilityID, a.FacilityName, a.TimeSlot); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: replace current appointment: %w", err)
	}
	return nil
}

// SaveSession invalidates previous sessions and stores a new valid one.
func (s *Store) SaveSession(ctx context.Context, cookies []byte, userAgent string) error {
	if len(cookies) == 0 {
		cookies = []byte("[]")
	}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE sessions SET is_valid = false WHERE is_valid = true`); err != nil {
			return fmt.Errorf("invalidate: %w", err)
		}
		insert := `
			INSERT INTO sessions (cookies, user_agent, is_valid, last_validated)
			VALUES ($1, NULLIF($2, ''), true, now())
		`
		if _, err := tx.Exec(ctx, insert, cookies, userAgent); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: save session: %w", err)
	}
	return nil
}

// ActiveSession returns the valid session, or nil when none exists.
func (s *Store) ActiveSession(ctx context.Context) (*Session, error) {
	query := `
		SELECT id, cookies, COALESCE(user_agent, ''), created_at, last_validated, is_valid
		FROM sessions
		WHERE is_valid = true
		ORDER BY created_at DESC
		LIMIT 1
	`
	var sess Session
	var cookies []byte
	err := s.db.QueryRow(ctx, query).Scan(&sess.ID, &cookies, &sess.UserAgent, &sess.CreatedAt, &sess.LastValidated, &sess.IsValid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: active session: %w", err)
	}
	sess.Cookies = cookies
	return &sess, nil
}

// InvalidateSessions marks every stored session invalid.
func (s *Store) InvalidateSessions(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `UPDATE sessions SET is_valid = false WHERE is_valid = true`); err != nil {
		return fmt.Errorf("store: invalidate sessions: %w", err)
	}
	return nil
}

// TouchSession bumps last_validated on the valid session.
func (s *Store) TouchSession(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `UPDATE sessions SET last_validated = now() WHERE is_valid = true`); err != nil {
		return fmt.Errorf("store: touch session: %w", err)
	}
	return nil
}

// LogAppointmentCheck appends a probe audit row.
func (s *Store) LogAppointmentCheck(ctx context.Context, c AppointmentCheck) error {
	var slots []byte
	if c.AvailableSlots != nil {
		var err error
		slots, err = json.Marshal(c.AvailableSlots)
		if err != nil {
			return fmt.Errorf("store: marshal slots: %w", err)
		}
	}
	query := `
		INSERT INTO appointment_checks
			(cycle_id, facility_id, facility_name, earliest_date, available_slots, check_duration_ms, status, error_message)
		VALUES ($1, $2, $3, NULLIF($4, '')::date, $5, $6, $7, NULLIF($8, ''))
	`
	_, err := s.db.Exec(ctx, query,
		nullUUID(c.CycleID), c.FacilityID, c.FacilityName, c.EarliestDate, slots,
		c.Duration.Milliseconds(), string(c.Status), c.ErrorMessage)
	if err != nil {
		return fmt.Errorf("store: log appointment check: %w", err)
	}
	return nil
}

// RecentChecks returns the newest probe audit rows.
func (s *Store) RecentChecks(ctx context.Context, limit int) ([]AppointmentCheck, error) {
	query := `
		SELECT id, COALESCE(cycle_id::text, ''), check_time, facility_id, facility_name,
			COALESCE(to_char(earliest_date, 'YYYY-MM-DD'), ''), check_duration_ms, status,
			COALESCE(error_message, '')
		FROM appointment_checks
		ORDER BY check_time DESC
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: recent checks: %w", err)
	}
	defer rows.Close()

	var out []AppointmentCheck
	for rows.Next() {
		var c AppointmentCheck
		var cycle, status string
		var ms int64
		if err := rows.Scan(&c.ID, &cycle, &c.CheckTime, &c.FacilityID, &c.FacilityName, &c.EarliestDate, &ms, &status, &c.ErrorMessage); err != nil {
			return nil, fmt.Errorf("store: scan check: %w", err)
		}
		c.CycleID = parseUUID(cycle)
		c.Duration = time.Duration(ms) * time.Millisecond
		c.Status = CheckStatus(status)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent checks: %w", err)
	}
	return out, nil
}

// LogBookingAttempt appends a booking audit row.
func (s *Store) LogBookingAttempt(ctx context.Context, a BookingAttempt) error {
	var duration any
	if a.Duration > 0 {
		duration = a.Duration.Milliseconds()
	}
	query := `
		INSERT INTO booking_attempts
			(cycle_id, facility_id, facility_name, target_date, time_slot, attempt_number, status, error_message, duration_ms)
		VALUES ($1, $2, $3, $4::date, NULLIF($5, ''), $6, $7, NULLIF($8, ''), $9)
	`
	_, err := s.db.Exec(ctx, query,
		nullUUID(a.CycleID), a.FacilityID, a.FacilityName, a.TargetDate, a.TimeSlot,
		a.AttemptNumber, string(a.Status), a.ErrorMessage, duration)
	if err != nil {
		return fmt.Errorf("store: log booking attempt: %w", err)
	}
	return nil
}

// BookingHistory returns the newest booking audit rows.
func (s *Store) BookingHistory(ctx context.Context, limit int) ([]BookingAttempt, error) {
	query := `
		SELECT id, COALESCE(cycle_id::text, ''), attempt_time, facility_id, facility_name,
			to_char(target_date, 'YYYY-MM-DD'), COALESCE(time_slot, ''), attempt_number, status,
			COALESCE(error_message, ''), COALESCE(duration_ms, 0)
		FROM booking_attempts
		ORDER BY attempt_time DESC
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: booking history: %w", err)
	}
	defer rows.Close()

	var out []BookingAttempt
	for rows.Next() {
		var a BookingAttempt
		var cycle, status string
		var ms int64
		if err := rows.Scan(&a.ID, &cycle, &a.AttemptTime, &a.FacilityID, &a.FacilityName, &a.TargetDate, &a.TimeSlot, &a.AttemptNumber, &status, &a.ErrorMessage, &ms); err != nil {
			return nil, fmt.Errorf("store: scan attempt: %w", err)
		}
		a.CycleID = parseUUID(cycle)
		a.Duration = time.Duration(ms) * time.Millisecond
		a.Status = AttemptStatus(status)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: booking history: %w", err)
	}
	return out, nil
}

// GetAppState decodes the JSON value stored under key into dest. It reports
// false when the key is absent.
func (s *Store) GetAppState(ctx context.Context, key string, dest any) (bool, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `SELECT value FROM app_state WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: get app state %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("store: decode app state %s: %w", key, err)
	}
	return true, nil
}

// SetAppState stores value as JSON under key.
func (s *Store) SetAppState(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode app state %s: %w", key, err)
	}
	query := `
		INSERT INTO app_state (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, key, raw); err != nil {
		return fmt.Errorf("store: set app state %s: %w", key, err)
	}
	return nil
}

// LogError appends an error_logs row.
func (s *Store) LogError(ctx context.Context, e ErrorLog) error {
	var contextJSON []byte
	if len(e.Context) > 0 {
		var err error
		contextJSON, err = json.Marshal(e.Context)
		if err != nil {
			return fmt.Errorf("store: encode error context: %w", err)
		}
	}
	severity := strings.TrimSpace(e.Severity)
	if severity == "" {
		severity = "error"
	}
	query := `
		INSERT INTO error_logs (error_type, error_message, context, severity)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.db.Exec(ctx, query, e.Type, e.Message, contextJSON, severity); err != nil {
		return fmt.Errorf("store: log error: %w", err)
	}
	return nil
}

// RecentErrors returns the newest error_logs rows.
func (s *Store) RecentErrors(ctx context.Context, limit int) ([]ErrorLog, error) {
	query := `
		SELECT id, error_time, error_type, error_message, context, severity
		FROM error_logs
		ORDER BY error_time DESC
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: recent errors: %w", err)
	}
	defer rows.Close()

	var out []ErrorLog
	for rows.Next() {
		var e ErrorLog
		var raw []byte
		if err := rows.Scan(&e.ID, &e.Time, &e.Type, &e.Message, &raw, &e.Severity); err != nil {
			return nil, fmt.Errorf("store: scan error log: %w", err)
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &e.Context)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent errors: %w", err)
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

func parseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}
