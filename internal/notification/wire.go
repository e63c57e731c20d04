package notification

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalid marks a server or live payload that cannot become a Record.
var ErrInvalid = errors.New("invalid notification")

// Wire is the server's notification object as returned by the poll endpoint.
type Wire struct {
	ID           flexString      `json:"id"`
	Title        string          `json:"title"`
	Body         string          `json:"body"`
	Message      string          `json:"message"`
	Type         string          `json:"type"`
	ProviderType string          `json:"providerType"`
	Data         json.RawMessage `json:"data"`
	CreatedAt    flexMillis      `json:"createdAt"`
	Read         bool            `json:"read"`
	Priority     string          `json:"priority"`
}

// Record validates w and converts it. now is used when createdAt is missing.
func (w Wire) Record(now time.Time) (Record, error) {
	id := strings.TrimSpace(string(w.ID))
	if id == "" {
		return Record{}, fmt.Errorf("%w: missing id", ErrInvalid)
	}
	body := w.Body
	if strings.TrimSpace(body) == "" {
		body = w.Message
	}
	if strings.TrimSpace(w.Title) == "" && strings.TrimSpace(body) == "" {
		return Record{}, fmt.Errorf("%w: %s has neither title nor body", ErrInvalid, id)
	}
	cat := CategoryFromType(w.Type)
	ts := int64(w.CreatedAt)
	if ts <= 0 {
		ts = now.UnixMilli()
	}
	return Record{
		ID:        id,
		Title:     w.Title,
		Body:      body,
		Category:  cat,
		Priority:  priorityFor(w.Priority, cat),
		Payload:   decodePayload(cat, w.Data),
		ArrivedAt: ts,
		Read:      w.Read,
		Source:    SourcePoll,
	}, nil
}

func priorityFor(raw string, c Category) Priority {
	if p, ok := ParsePriority(raw); ok {
		return p
	}
	if c == CategoryEmergency {
		return PriorityEmergency
	}
	return PriorityMedium
}

// DecodeList parses a poll response body. Entries that fail validation are
// skipped and reported through skipped; a body that is not a JSON array is an error.
func DecodeList(body []byte, now time.Time) (records []Record, skipped []error, err error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil, nil
	}
	var items []Wire
	if err := json.Unmarshal(body, &items); err != nil {
		// Some deployments wrap the list: {"notifications":[...]}.
		var wrapped struct {
			Notifications []Wire `json:"notifications"`
		}
		if werr := json.Unmarshal(body, &wrapped); werr != nil || wrapped.Notifications == nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		items = wrapped.Notifications
	}
	records = make([]Record, 0, len(items))
	for _, it := range items {
		r, err := it.Record(now)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		records = append(records, r)
	}
	return records, skipped, nil
}

// LiveEvent names consumed from the real-time channel.
const (
	LiveOrderStatus      = "order:status"
	LiveProviderAssigned = "provider:assigned"
	LiveJobOffer         = "job:offer"
	LiveNotification     = "notification:new"
	LiveEmergency        = "emergency:alert"
)

// liveNamespace seeds deterministic ids for live events that carry no notification id,
// so a replay of the same event maps onto the same record.
var liveNamespace = uuid.MustParse("8f0c3a52-6d1e-4b7a-9f43-2b5d7c0e9a11")

type liveData struct {
	NotificationID flexString      `json:"notificationId"`
	OrderID        flexString      `json:"orderId"`
	Status         string          `json:"status"`
	PendingOffers  int             `json:"pendingOffers"`
	ProviderID     flexString      `json:"providerId"`
	Provider       json.RawMessage `json:"provider"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	Message        string          `json:"message"`
	Priority       string          `json:"priority"`
	CreatedAt      flexMillis      `json:"createdAt"`
	Type           string          `json:"type"`
}

// FromLive maps a named real-time event onto an optimistic Record.
func FromLive(name string, data []byte, now time.Time) (Record, error) {
	var d liveData
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &d); err != nil {
			return Record{}, fmt.Errorf("%w: live %s: %v", ErrInvalid, name, err)
		}
	}

	var (
		cat   Category
		title string
	)
	switch name {
	case LiveOrderStatus:
		cat, title = CategoryOrderStatus, "Order update"
	case LiveProviderAssigned:
		cat, title = CategoryOrderStatus, "Provider assigned"
	case LiveJobOffer:
		cat, title = CategoryJobRequest, "New job offer"
	case LiveEmergency:
		cat, title = CategoryEmergency, "Emergency alert"
	case LiveNotification:
		cat, title = CategoryFromType(d.Type), ""
	default:
		return Record{}, fmt.Errorf("%w: unknown live event %q", ErrInvalid, name)
	}
	if d.Title != "" {
		title = d.Title
	}
	body := d.Body
	if body == "" {
		body = d.Message
	}
	if body == "" && d.Status != "" {
		body = "Status: " + d.Status
	}
	if title == "" && body == "" {
		return Record{}, fmt.Errorf("%w: live %s has no content", ErrInvalid, name)
	}

	id := strings.TrimSpace(string(d.NotificationID))
	if id == "" {
		key := strings.Join([]string{name, string(d.OrderID), d.Status, string(d.ProviderID), strconv.Itoa(d.PendingOffers)}, "|")
		id = uuid.NewSHA1(liveNamespace, []byte(key)).String()
	}

	f := fields{
		"orderId":       string(d.OrderID),
		"status":        d.Status,
		"pendingOffers": float64(d.PendingOffers),
		"providerId":    string(d.ProviderID),
	}
	if len(d.Provider) > 0 {
		var prov map[string]any
		if json.Unmarshal(d.Provider, &prov) == nil {
			f["provider"] = prov
		}
	}

	ts := int64(d.CreatedAt)
	if ts <= 0 {
		ts = now.UnixMilli()
	}
	return Record{
		ID:        id,
		Title:     title,
		Body:      body,
		Category:  cat,
		Priority:  priorityFor(d.Priority, cat),
		Payload:   payloadFromFields(cat, f),
		ArrivedAt: ts,
		Source:    SourceLive,
	}, nil
}

// flexString accepts JSON strings and numbers.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

// flexMillis accepts epoch milliseconds (number or numeric string) and RFC3339 strings.
type flexMillis int64

func (m *flexMillis) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*m = 0
		return nil
	}
	if b[0] != '"' {
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		f, err := n.Float64()
		if err != nil {
			return err
		}
		*m = flexMillis(int64(f))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*m = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*m = flexMillis(n)
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("createdAt: %w", err)
	}
	*m = flexMillis(t.UnixMilli())
	return nil
}
