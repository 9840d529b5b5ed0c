package router

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/visa-scheduler/internal/store"
	"github.com/wolfman30/visa-scheduler/pkg/logging"
)

const defaultStatusLimit = 20

// StatusSource is the read side of the store.
type StatusSource interface {
	CurrentAppointment(ctx context.Context) (*store.CurrentAppointment, error)
	RecentChecks(ctx context.Context, limit int) ([]store.AppointmentCheck, error)
	BookingHistory(ctx context.Context, limit int) ([]store.BookingAttempt, error)
	RecentErrors(ctx context.Context, limit int) ([]store.ErrorLog, error)
	GetAppState(ctx context.Context, key string, dest any) (bool, error)
}

type appointmentView struct {
	Date         string    `json:"date"`
	FacilityID   int       `json:"facility_id"`
	FacilityName string    `json:"facility_name"`
	TimeSlot     string    `json:"time_slot,omitempty"`
	BookedAt     time.Time `json:"booked_at"`
}

type checkView struct {
	CycleID      string    `json:"cycle_id,omitempty"`
	CheckTime    time.Time `json:"check_time"`
	FacilityID   int       `json:"facility_id"`
	FacilityName string    `json:"facility_name"`
	EarliestDate string    `json:"earliest_date,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
}

type attemptView struct {
	CycleID       string    `json:"cycle_id,omitempty"`
	AttemptTime   time.Time `json:"attempt_time"`
	FacilityName  string    `json:"facility_name"`
	TargetDate    string    `json:"target_date"`
	TimeSlot      string    `json:"time_slot,omitempty"`
	AttemptNumber int       `json:"attempt_number"`
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
}

type errorView struct {
	Time     time.Time      `json:"time"`
	Type     string         `json:"type"`
	Message  string         `json:"message"`
	Severity string         `json:"severity"`
	Context  map[string]any `json:"context,omitempty"`
}

type statusResponse struct {
	Session            string           `json:"session,omitempty"`
	UserID             string           `json:"user_id,omitempty"`
	CurrentAppointment *appointmentView `json:"current_appointment"`
	LastCheck          json.RawMessage  `json:"last_check,omitempty"`
	LastBooking        json.RawMessage  `json:"last_booking,omitempty"`
	RecentChecks       []checkView      `json:"recent_checks"`
	BookingHistory     []attemptView    `json:"booking_history"`
	RecentErrors       []errorView      `json:"recent_errors"`
}

func statusHandler(src StatusSource, sess SessionReporter, logger *logging.Logger) http.HandlerFunc {
	if logger == nil {
		logger = logging.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		limit := defaultStatusLimit
		if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
			limit = v
		}

		resp, err := buildStatus(ctx, src, limit)
		if err != nil {
			logger.Error("status query failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status unavailable"})
			return
		}
		if sess != nil {
			resp.Session = sess.State().String()
			resp.UserID = sess.UserID()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func buildStatus(ctx context.Context, src StatusSource, limit int) (*statusResponse, error) {
	resp := &statusResponse{
		RecentChecks:   []checkView{},
		BookingHistory: []attemptView{},
		RecentErrors:   []errorView{},
	}

	current, err := src.CurrentAppointment(ctx)
	if err != nil {
		return nil, err
	}
	if current != nil {
		resp.CurrentAppointment = &appointmentView{
			Date:         current.Date,
			FacilityID:   current.FacilityID,
			FacilityName: current.FacilityName,
			TimeSlot:     current.TimeSlot,
			BookedAt:     current.BookedAt,
		}
	}

	var raw json.RawMessage
	if ok, err := src.GetAppState(ctx, "last_check", &raw); err != nil {
		return nil, err
	} else if ok {
		resp.LastCheck = raw
	}
	raw = nil
	if ok, err := src.GetAppState(ctx, "last_booking", &raw); err != nil {
		return nil, err
	} else if ok {
		resp.LastBooking = raw
	}

	checks, err := src.RecentChecks(ctx, limit)
	if err != nil {
		return nil, err
	}
	for _, c := range checks {
		resp.RecentChecks = append(resp.RecentChecks, checkView{
			CycleID:      cycleString(c.CycleID),
			CheckTime:    c.CheckTime,
			FacilityID:   c.FacilityID,
			FacilityName: c.FacilityName,
			EarliestDate: c.EarliestDate,
			DurationMS:   c.Duration.Milliseconds(),
			Status:       string(c.Status),
			Error:        c.ErrorMessage,
		})
	}

	attempts, err := src.BookingHistory(ctx, limit)
	if err != nil {
		return nil, err
	}
	for _, a := range attempts {
		resp.BookingHistory = append(resp.BookingHistory, attemptView{
			CycleID:       cycleString(a.CycleID),
			AttemptTime:   a.AttemptTime,
			FacilityName:  a.FacilityName,
			TargetDate:    a.TargetDate,
			TimeSlot:      a.TimeSlot,
			AttemptNumber: a.AttemptNumber,
			Status:        string(a.Status),
			Error:         a.ErrorMessage,
		})
	}

	errs, err := src.RecentErrors(ctx, limit)
	if err != nil {
		return nil, err
	}
	for _, e := range errs {
		resp.RecentErrors = append(resp.RecentErrors, errorView{
			Time:     e.Time,
			Type:     e.Type,
			Message:  e.Message,
			Severity: e.Severity,
			Context:  e.Context,
		})
	}
	return resp, nil
}

func cycleString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
