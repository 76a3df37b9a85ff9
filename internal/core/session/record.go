package session

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"time"
)

const (
	tempRateLimitedUntil = "rate_limited_until"
	tempTrackedMessages  = "tracked_messages"

	maxTrackedMessages = 50
)

// Record is the per-chat conversation state persisted between updates.
type Record struct {
	ChatID          int64
	UserID          int64
	State           State
	IsAuthenticated bool
	NationalID      string
	UserName        string
	PhoneNumber     string
	City            string
	TempData        map[string]any
	CreatedAt       time.Time
	LastActivity    time.Time
	ExpiresAt       time.Time
	RequestCount    int64

	// Degraded is set when the last write of this record did not reach the
	// remote store. It is never persisted.
	Degraded bool
}

// Identity is the verified customer data attached by Authenticate.
type Identity struct {
	NationalID string
	Name       string
	Phone      string
	City       string
	UserID     int64
}

// NewRecord returns an idle, unauthenticated record expiring ttl after now.
func NewRecord(chatID int64, now time.Time, ttl time.Duration) *Record {
	return &Record{
		ChatID:       chatID,
		State:        StateIdle,
		TempData:     make(map[string]any),
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
	}
}

func (r *Record) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.TempData = maps.Clone(r.TempData)
	if c.TempData == nil {
		c.TempData = make(map[string]any)
	}
	if ids, ok := r.TempData[tempTrackedMessages].([]int); ok {
		c.TempData[tempTrackedMessages] = append([]int(nil), ids...)
	}
	return &c
}

func (r *Record) Identity() Identity {
	return Identity{
		NationalID: r.NationalID,
		Name:       r.UserName,
		Phone:      r.PhoneNumber,
		City:       r.City,
		UserID:     r.UserID,
	}
}

// SetState moves the record to s without touching temp data.
func (r *Record) SetState(s State) {
	r.State = s
}

// Reset drops temp data and returns to the resting state for the current
// authentication status.
func (r *Record) Reset() {
	r.ClearTemp()
	if r.IsAuthenticated {
		r.State = StateAuthenticated
		return
	}
	r.State = StateIdle
}

func (r *Record) applyIdentity(id Identity) {
	r.IsAuthenticated = true
	r.NationalID = id.NationalID
	r.UserName = id.Name
	r.PhoneNumber = id.Phone
	r.City = id.City
	if id.UserID != 0 {
		r.UserID = id.UserID
	}
	r.State = StateAuthenticated
}

func (r *Record) clearIdentity() {
	r.IsAuthenticated = false
	r.NationalID = ""
	r.UserName = ""
	r.PhoneNumber = ""
	r.City = ""
	r.ClearTemp()
	r.State = StateIdle
}

func (r *Record) SetTemp(key string, value any) {
	if r.TempData == nil {
		r.TempData = make(map[string]any)
	}
	r.TempData[key] = value
}

func (r *Record) Temp(key string) (any, bool) {
	v, ok := r.TempData[key]
	return v, ok
}

// TempString returns the value under key when it is a string.
func (r *Record) TempString(key string) string {
	s, _ := r.TempData[key].(string)
	return s
}

// TempInt returns the value under key as an int64. Numbers decoded from the
// store arrive as float64, so every numeric representation is accepted.
func (r *Record) TempInt(key string) (int64, bool) {
	return toInt64(r.TempData[key])
}

func (r *Record) DeleteTemp(key string) {
	delete(r.TempData, key)
}

func (r *Record) ClearTemp() {
	r.TempData = make(map[string]any)
}

// TrackMessage remembers a bot message id so it can be deleted later.
// Only the most recent ids are kept.
func (r *Record) TrackMessage(messageID int) {
	ids := append(r.TrackedMessages(), messageID)
	if len(ids) > maxTrackedMessages {
		ids = ids[len(ids)-maxTrackedMessages:]
	}
	r.SetTemp(tempTrackedMessages, ids)
}

func (r *Record) TrackedMessages() []int {
	switch v := r.TempData[tempTrackedMessages].(type) {
	case []int:
		return append([]int(nil), v...)
	case []any:
		ids := make([]int, 0, len(v))
		for _, item := range v {
			if n, ok := toInt64(item); ok {
				ids = append(ids, int(n))
			}
		}
		return ids
	}
	return nil
}

func (r *Record) ClearTrackedMessages() {
	delete(r.TempData, tempTrackedMessages)
}

// RateLimitedUntil returns the cooldown deadline recorded when the session
// entered StateRateLimited.
func (r *Record) RateLimitedUntil() (time.Time, bool) {
	raw := r.TempString(tempRateLimitedUntil)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (r *Record) markRateLimited(until time.Time) {
	r.State = StateRateLimited
	r.SetTemp(tempRateLimitedUntil, until.UTC().Format(time.RFC3339))
}

type wireRecord struct {
	ChatID          int64          `json:"chat_id"`
	UserID          int64          `json:"user_id,omitempty"`
	State           State          `json:"state"`
	IsAuthenticated bool           `json:"is_authenticated"`
	NationalID      string         `json:"national_id,omitempty"`
	UserName        string         `json:"user_name,omitempty"`
	PhoneNumber     string         `json:"phone_number,omitempty"`
	City            string         `json:"city,omitempty"`
	TempData        map[string]any `json:"temp_data"`
	CreatedAt       int64          `json:"created_at"`
	LastActivity    int64          `json:"last_activity"`
	ExpiresAt       int64          `json:"expires_at"`
	RequestCount    int64          `json:"request_count"`
}

// Encode serializes the record for the remote store. Timestamps are kept to
// the second.
func (r *Record) Encode() ([]byte, error) {
	temp := r.TempData
	if temp == nil {
		temp = map[string]any{}
	}
	return json.Marshal(wireRecord{
		ChatID:          r.ChatID,
		UserID:          r.UserID,
		State:           r.State,
		IsAuthenticated: r.IsAuthenticated,
		NationalID:      r.NationalID,
		UserName:        r.UserName,
		PhoneNumber:     r.PhoneNumber,
		City:            r.City,
		TempData:        temp,
		CreatedAt:       r.CreatedAt.Unix(),
		LastActivity:    r.LastActivity.Unix(),
		ExpiresAt:       r.ExpiresAt.Unix(),
		RequestCount:    r.RequestCount,
	})
}

// DecodeRecord parses a payload written by Encode.
func DecodeRecord(data []byte) (*Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if w.ChatID == 0 {
		return nil, fmt.Errorf("%w: missing chat id", ErrDecode)
	}
	if !w.State.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrDecode, w.State)
	}
	if w.ExpiresAt == 0 {
		return nil, fmt.Errorf("%w: missing expiry", ErrDecode)
	}
	if w.TempData == nil {
		w.TempData = make(map[string]any)
	}

	return &Record{
		ChatID:          w.ChatID,
		UserID:          w.UserID,
		State:           w.State,
		IsAuthenticated: w.IsAuthenticated,
		NationalID:      w.NationalID,
		UserName:        w.UserName,
		PhoneNumber:     w.PhoneNumber,
		City:            w.City,
		TempData:        w.TempData,
		CreatedAt:       time.Unix(w.CreatedAt, 0),
		LastActivity:    time.Unix(w.LastActivity, 0),
		ExpiresAt:       time.Unix(w.ExpiresAt, 0),
		RequestCount:    w.RequestCount,
	}, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}
