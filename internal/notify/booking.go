package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/visa-scheduler/pkg/logging"
)

// Booked describes a confirmed appointment.
type Booked struct {
	FacilityName string
	Date         string
	TimeSlot     string
	PreviousDate string
	Attempts     int
	BookedAt     time.Time
}

// Exhausted describes a candidate whose booking attempts all failed.
type Exhausted struct {
	FacilityName string
	Date         string
	Attempts     int
	LastError    string
	Screenshot   string
}

// BookingNotifier e-mails the applicant about booking outcomes. A notifier
// without a recipient does nothing.
type BookingNotifier struct {
	email  EmailSender
	to     string
	logger *logging.Logger
}

func NewBookingNotifier(email EmailSender, to string, logger *logging.Logger) *BookingNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &BookingNotifier{email: email, to: strings.TrimSpace(to), logger: logger.Module("notify")}
}

func (n *BookingNotifier) enabled() bool {
	return n != nil && n.email != nil && n.to != ""
}

// NotifyBooked reports a confirmed booking.
func (n *BookingNotifier) NotifyBooked(ctx context.Context, b Booked) error {
	if !n.enabled() {
		return nil
	}
	subject := fmt.Sprintf("Visa appointment booked: %s on %s", b.FacilityName, b.Date)

	var body strings.Builder
	fmt.Fprintf(&body, "A new appointment was booked.\n\n")
	fmt.Fprintf(&body, "Facility: %s\n", b.FacilityName)
	fmt.Fprintf(&body, "Date: %s\n", b.Date)
	if b.TimeSlot != "" {
		fmt.Fprintf(&body, "Time: %s\n", b.TimeSlot)
	}
	if b.PreviousDate != "" {
		fmt.Fprintf(&body, "Previous appointment: %s\n", b.PreviousDate)
	}
	if b.Attempts > 0 {
		fmt.Fprintf(&body, "Attempts: %d\n", b.Attempts)
	}
	if !b.BookedAt.IsZero() {
		fmt.Fprintf(&body, "Booked at: %s\n", b.BookedAt.UTC().Format(time.RFC3339))
	}

	if err := n.email.Send(ctx, EmailMessage{To: n.to, Subject: subject, Body: body.String()}); err != nil {
		n.logger.Error("booking notification failed", "error", err)
		return fmt.Errorf("notify: booked: %w", err)
	}
	return nil
}

// NotifyExhausted reports that every attempt for a candidate failed.
func (n *BookingNotifier) NotifyExhausted(ctx context.Context, e Exhausted) error {
	if !n.enabled() {
		return nil
	}
	subject := fmt.Sprintf("Visa booking failed: %s on %s", e.FacilityName, e.Date)

	var body strings.Builder
	fmt.Fprintf(&body, "All %d booking attempts failed for %s on %s.\n", e.Attempts, e.FacilityName, e.Date)
	if e.LastError != "" {
		fmt.Fprintf(&body, "Last error: %s\n", e.LastError)
	}
	if e.Screenshot != "" {
		fmt.Fprintf(&body, "Screenshot: %s\n", e.Screenshot)
	}

	if err := n.email.Send(ctx, EmailMessage{To: n.to, Subject: subject, Body: body.String()}); err != nil {
		n.logger.Error("exhaustion notification failed", "error", err)
		return fmt.Errorf("notify: exhausted: %w", err)
	}
	return nil
}
