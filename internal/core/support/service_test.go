package support

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/PocketPalCo/support-bot/internal/core/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRequester struct {
	endpoint backend.Endpoint
	payload  map[string]any
	response string
	err      error
}

func (f *fakeRequester) Post(_ context.Context, name backend.Endpoint, payload any) (json.RawMessage, error) {
	f.endpoint = name
	f.payload, _ = payload.(map[string]any)
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.response), nil
}

func newTestService(requester *fakeRequester) *Service {
	svc := NewService(requester, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.now = func() time.Time { return time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC) }
	return svc
}

func TestSubmitComplaint(t *testing.T) {
	requester := &fakeRequester{response: `{"ticketNumber":"T-100"}`}
	svc := newTestService(requester)

	ticket, err := svc.SubmitComplaint(context.Background(), Complaint{
		NationalID: "0012345679",
		Category:   CategoryShipping,
		Text:       "  the courier never arrived  ",
	})
	require.NoError(t, err)

	assert.Equal(t, "T-100", ticket.Number)
	assert.Equal(t, TicketComplaint, ticket.Kind)
	assert.Equal(t, backend.EndpointComplaint, requester.endpoint)
	assert.Equal(t, "shipping", requester.payload["type"])
	assert.Equal(t, "66d2e05e-3a4f-4729-b28a-20688366eacd", requester.payload["subject_guid"])
	assert.Equal(t, 3, requester.payload["unit"])
	assert.Equal(t, "the courier never arrived", requester.payload["text"])
	assert.Equal(t, "2025-02-03T04:05:06Z", requester.payload["timestamp"])
}

func TestSubmitComplaint_Validation(t *testing.T) {
	svc := newTestService(&fakeRequester{})
	ctx := context.Background()

	_, err := svc.SubmitComplaint(ctx, Complaint{Category: CategoryOther, Text: "long enough text"})
	assert.ErrorIs(t, err, backend.ErrValidation)

	_, err = svc.SubmitComplaint(ctx, Complaint{NationalID: "1", Category: 99, Text: "long enough text"})
	assert.ErrorIs(t, err, backend.ErrValidation)

	_, err = svc.SubmitComplaint(ctx, Complaint{NationalID: "1", Category: CategoryOther, Text: "short"})
	assert.ErrorIs(t, err, backend.ErrValidation)
}

func TestSubmitComplaint_TicketAliases(t *testing.T) {
	for _, body := range []string{`{"ticket_number":"A1"}`, `{"data":{"id":"A1"}}`, `{"recordId":"A1"}`} {
		svc := newTestService(&fakeRequester{response: body})
		ticket, err := svc.SubmitComplaint(context.Background(), Complaint{NationalID: "1", Category: CategorySales, Text: "please call me back"})
		require.NoError(t, err, body)
		assert.Equal(t, "A1", ticket.Number)
	}

	svc := newTestService(&fakeRequester{response: `{"ok":true}`})
	_, err := svc.SubmitComplaint(context.Background(), Complaint{NationalID: "1", Category: CategorySales, Text: "please call me back"})
	assert.ErrorIs(t, err, backend.ErrServer)
}

func TestSubmitRepairRequest(t *testing.T) {
	requester := &fakeRequester{response: `{"request_number":12345}`}
	svc := newTestService(requester)

	ticket, err := svc.SubmitRepairRequest(context.Background(), RepairRequest{
		NationalID:  "0012345679",
		Description: "screen flickers after boot",
		Contact:     " 09121234567 ",
	})
	require.NoError(t, err)
	assert.Equal(t, "12345", ticket.Number)
	assert.Equal(t, TicketRepair, ticket.Kind)
	assert.Equal(t, "09121234567", requester.payload["contact"])
}

func TestSubmitRepairRequest_BackendError(t *testing.T) {
	svc := newTestService(&fakeRequester{err: &backend.Error{Kind: backend.KindConfiguration}})

	_, err := svc.SubmitRepairRequest(context.Background(), RepairRequest{NationalID: "1", Description: "broken hinge on the lid"})
	assert.ErrorIs(t, err, backend.ErrConfiguration)
}

func TestSubmitRating(t *testing.T) {
	requester := &fakeRequester{response: `{}`}
	svc := newTestService(requester)

	require.NoError(t, svc.SubmitRating(context.Background(), Rating{NationalID: "1", Score: 5, Comment: "great"}))
	assert.Equal(t, backend.EndpointRating, requester.endpoint)
	assert.Equal(t, 5, requester.payload["score"])

	err := svc.SubmitRating(context.Background(), Rating{NationalID: "1", Score: 6})
	assert.ErrorIs(t, err, backend.ErrValidation)
}

func TestCategories(t *testing.T) {
	assert.Len(t, Categories(), 6)
	for _, c := range Categories() {
		assert.True(t, c.Valid())
		assert.NotEmpty(t, c.Label())
		assert.NotEmpty(t, c.SubjectID())
	}

	c, err := ParseCategory("financial")
	require.NoError(t, err)
	assert.Equal(t, CategoryFinancial, c)

	c, err = ParseCategory("5")
	require.NoError(t, err)
	assert.Equal(t, CategorySales, c)

	_, err = ParseCategory("7")
	assert.Error(t, err)
}
