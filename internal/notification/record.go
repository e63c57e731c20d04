// Package notification holds the domain types shared by every notifd component:
// records, priorities, categories, their tagged payload variants and the user's
// alert preferences. Everything that crosses the wire is validated here before it
// reaches the inbox.
package notification

import (
	"strings"
	"time"
)

// Priority orders how urgently a record must reach the user.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityEmergency
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Urgent reports whether the record is always surfaced, regardless of preferences.
func (p Priority) Urgent() bool { return p >= PriorityHigh }

// ParsePriority maps a wire priority. ok is false for empty or unknown values.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, true
	case "medium", "normal":
		return PriorityMedium, true
	case "high":
		return PriorityHigh, true
	case "emergency", "critical", "urgent":
		return PriorityEmergency, true
	default:
		return PriorityMedium, false
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, _ := ParsePriority(string(b))
	*p = v
	return nil
}

// Category tags the kind of event a record describes.
type Category string

const (
	CategoryJobRequest  Category = "job_request"
	CategoryOrderStatus Category = "order_status"
	CategoryMessage     Category = "message"
	CategoryPayment     Category = "payment"
	CategoryEmergency   Category = "emergency"
	CategoryGeneral     Category = "general"
)

// CategoryFromType maps a server "type" string onto a known category.
// Unknown types fall back to CategoryGeneral.
func CategoryFromType(t string) Category {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "job_request", "job_offer", "new_job", "job", "offer":
		return CategoryJobRequest
	case "order_status", "order_update", "booking_status", "provider_assigned", "status_update":
		return CategoryOrderStatus
	case "message", "chat", "new_message":
		return CategoryMessage
	case "payment", "payout", "payment_received", "refund":
		return CategoryPayment
	case "emergency", "sos", "emergency_alert":
		return CategoryEmergency
	default:
		return CategoryGeneral
	}
}

// Source records which channel delivered a record first.
type Source string

const (
	SourcePoll Source = "poll"
	SourceLive Source = "live"
)

// Record is one notification as held by the inbox.
//
// Everything except Read and Source is replaced wholesale when the same ID
// arrives again. Read only ever moves from false to true; Source keeps the
// channel that delivered the record first.
type Record struct {
	ID        string
	Title     string
	Body      string
	Category  Category
	Priority  Priority
	Payload   Payload
	ArrivedAt int64 // epoch milliseconds
	Read      bool
	Source    Source
}

// Arrival returns ArrivedAt as a time.Time.
func (r Record) Arrival() time.Time { return time.UnixMilli(r.ArrivedAt) }

// EventKeys are secondary identities for order updates, which the live channel
// may deliver without the server's notification id. Most specific first.
func (r Record) EventKeys() []string {
	p, ok := r.Payload.(OrderStatus)
	if !ok || p.Status == "" {
		return nil
	}
	st := strings.ToLower(p.Status)
	var keys []string
	if p.OrderID != "" {
		keys = append(keys, "order|"+p.OrderID+"|"+st)
	}
	if p.ProviderID != "" {
		keys = append(keys, "provider|"+p.ProviderID+"|"+st)
	}
	return keys
}

// SameEvent reports whether a and b describe the same order update: equal
// status and either the same order or, when one side lacks the order id, the
// same provider.
func SameEvent(a, b Record) bool {
	pa, ok := a.Payload.(OrderStatus)
	if !ok {
		return false
	}
	pb, ok := b.Payload.(OrderStatus)
	if !ok || pa.Status == "" || !strings.EqualFold(pa.Status, pb.Status) {
		return false
	}
	if pa.OrderID != "" && pb.OrderID != "" {
		return pa.OrderID == pb.OrderID
	}
	return pa.ProviderID != "" && pa.ProviderID == pb.ProviderID
}
