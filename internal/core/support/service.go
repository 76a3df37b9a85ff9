package support

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PocketPalCo/support-bot/internal/core/backend"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("support")

const (
	minTextLength = 10
	maxTextLength = 2000
)

type Requester interface {
	Post(ctx context.Context, name backend.Endpoint, payload any) (json.RawMessage, error)
}

type TicketKind string

const (
	TicketComplaint TicketKind = "complaint"
	TicketRepair    TicketKind = "repair"
)

// Ticket is the backend acknowledgement of a submission.
type Ticket struct {
	Number      string     `json:"number"`
	Kind        TicketKind `json:"kind"`
	SubmittedAt time.Time  `json:"submitted_at"`
}

type Complaint struct {
	NationalID string
	Category   ComplaintCategory
	Text       string
}

type RepairRequest struct {
	NationalID  string
	Description string
	Contact     string
}

type Rating struct {
	NationalID string
	Score      int
	Comment    string
}

// Service submits complaints, repair requests and ratings for
// authenticated customers.
type Service struct {
	client Requester
	now    func() time.Time
	logger *slog.Logger
}

func NewService(client Requester, logger *slog.Logger) *Service {
	return &Service{
		client: client,
		now:    time.Now,
		logger: logger.With("component", "support"),
	}
}

func (s *Service) SubmitComplaint(ctx context.Context, c Complaint) (Ticket, error) {
	ctx, span := tracer.Start(ctx, "support.SubmitComplaint", trace.WithAttributes(
		attribute.String("category", c.Category.Code())))
	defer span.End()

	if c.NationalID == "" {
		return Ticket{}, backend.Validation("national_id", "authentication required")
	}
	if !c.Category.Valid() {
		return Ticket{}, backend.Validation("category", "unknown complaint category")
	}
	text, err := checkText("text", c.Text)
	if err != nil {
		return Ticket{}, err
	}

	now := s.now()
	raw, err := s.client.Post(ctx, backend.EndpointComplaint, map[string]any{
		"national_id":  c.NationalID,
		"type":         c.Category.Code(),
		"subject_guid": c.Category.SubjectID(),
		"unit":         c.Category.Unit(),
		"text":         text,
		"timestamp":    now.Format(time.RFC3339),
	})
	if err != nil {
		span.RecordError(err)
		return Ticket{}, fmt.Errorf("submit complaint: %w", err)
	}

	number, err := ticketNumber(raw, "ticket_number", "ticketNumber", "id", "recordId")
	if err != nil {
		return Ticket{}, fmt.Errorf("submit complaint: %w", err)
	}

	s.logger.Info("Complaint submitted", "ticket", number, "category", c.Category.Code())
	return Ticket{Number: number, Kind: TicketComplaint, SubmittedAt: now}, nil
}

func (s *Service) SubmitRepairRequest(ctx context.Context, r RepairRequest) (Ticket, error) {
	ctx, span := tracer.Start(ctx, "support.SubmitRepairRequest")
	defer span.End()

	if r.NationalID == "" {
		return Ticket{}, backend.Validation("national_id", "authentication required")
	}
	description, err := checkText("description", r.Description)
	if err != nil {
		return Ticket{}, err
	}

	now := s.now()
	raw, err := s.client.Post(ctx, backend.EndpointRepair, map[string]any{
		"national_id": r.NationalID,
		"description": description,
		"contact":     strings.TrimSpace(r.Contact),
		"timestamp":   now.Format(time.RFC3339),
	})
	if err != nil {
		span.RecordError(err)
		return Ticket{}, fmt.Errorf("submit repair request: %w", err)
	}

	number, err := ticketNumber(raw, "request_number", "requestNumber", "ticketNumber", "id")
	if err != nil {
		return Ticket{}, fmt.Errorf("submit repair request: %w", err)
	}

	s.logger.Info("Repair request submitted", "ticket", number)
	return Ticket{Number: number, Kind: TicketRepair, SubmittedAt: now}, nil
}

func (s *Service) SubmitRating(ctx context.Context, r Rating) error {
	ctx, span := tracer.Start(ctx, "support.SubmitRating", trace.WithAttributes(attribute.Int("score", r.Score)))
	defer span.End()

	if r.NationalID == "" {
		return backend.Validation("national_id", "authentication required")
	}
	if r.Score < 1 || r.Score > 5 {
		return backend.Validation("score", "must be between 1 and 5")
	}

	_, err := s.client.Post(ctx, backend.EndpointRating, map[string]any{
		"national_id": r.NationalID,
		"score":       r.Score,
		"comment":     strings.TrimSpace(r.Comment),
		"timestamp":   s.now().Format(time.RFC3339),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("submit rating: %w", err)
	}
	return nil
}

func checkText(field, text string) (string, error) {
	text = strings.TrimSpace(text)
	n := utf8.RuneCountInString(text)
	if n < minTextLength {
		return "", backend.Validation(field, fmt.Sprintf("at least %d characters required", minTextLength))
	}
	if n > maxTextLength {
		return "", backend.Validation(field, fmt.Sprintf("at most %d characters allowed", maxTextLength))
	}
	return text, nil
}

// ticketNumber extracts the first present key, looking inside a data envelope
// as well.
func ticketNumber(raw json.RawMessage, keys ...string) (string, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		return "", fmt.Errorf("%w: unexpected submission response", backend.ErrServer)
	}
	if data, ok := body["data"].(map[string]any); ok {
		body = data
	}

	for _, k := range keys {
		switch v := body[k].(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case float64:
			return fmt.Sprintf("%.0f", v), nil
		}
	}
	return "", fmt.Errorf("%w: submission response has no ticket number", backend.ErrServer)
}
