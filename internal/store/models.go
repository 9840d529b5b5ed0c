package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CheckStatus is the outcome of probing one facility.
type CheckStatus string

const (
	CheckSuccess CheckStatus = "success"
	CheckNoSlots CheckStatus = "no_slots"
	CheckError   CheckStatus = "error"
)

// AttemptStatus is the outcome of one booking attempt.
type AttemptStatus string

const (
	AttemptTrying    AttemptStatus = "trying"
	AttemptSuccess   AttemptStatus = "success"
	AttemptFailed    AttemptStatus = "failed"
	AttemptExhausted AttemptStatus = "exhausted"
)

// Credentials is the singleton portal login. Password is plaintext in memory
// and encrypted at rest.
type Credentials struct {
	Email     string
	Password  string
	Country   string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session is a persisted browser session.
type Session struct {
	ID            int64
	Cookies       json.RawMessage
	UserAgent     string
	CreatedAt     time.Time
	LastValidated time.Time
	IsValid       bool
}

// CurrentAppointment is the appointment currently held by the applicant.
// Date is YYYY-MM-DD.
type CurrentAppointment struct {
	ID           int64
	Date         string
	FacilityID   int
	FacilityName string
	TimeSlot     string
	BookedAt     time.Time
	IsActive     bool
}

// AppointmentCheck is an audit row for one facility probe.
type AppointmentCheck struct {
	ID             int64
	CycleID        uuid.UUID
	CheckTime      time.Time
	FacilityID     int
	FacilityName   string
	EarliestDate   string
	AvailableSlots []string
	Duration       time.Duration
	Status         CheckStatus
	ErrorMessage   string
}

// BookingAttempt is an audit row for one booking attempt.
type BookingAttempt struct {
	ID            int64
	CycleID       uuid.UUID
	AttemptTime   time.Time
	FacilityID    int
	FacilityName  string
	TargetDate    string
	TimeSlot      string
	AttemptNumber int
	Status        AttemptStatus
	ErrorMessage  string
	Duration      time.Duration
}

// ErrorLog records a failed loop iteration.
type ErrorLog struct {
	ID       int64
	Time     time.Time
	Type     string
	Message  string
	Context  map[string]any
	Severity string
}
