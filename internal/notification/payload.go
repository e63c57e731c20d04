package notification

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Payload is the category-specific part of a record. Each category has exactly
// one concrete variant; decodePayload picks it from the category tag.
type Payload interface {
	Category() Category
}

type JobOffer struct {
	JobID         string `json:"jobId"`
	ServiceType   string `json:"serviceType"`
	PendingOffers int    `json:"pendingOffers"`
}

type OrderStatus struct {
	OrderID      string `json:"orderId"`
	Status       string `json:"status"`
	ProviderID   string `json:"providerId"`
	ProviderName string `json:"providerName"`
}

type Message struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
}

type Payment struct {
	PaymentID string  `json:"paymentId"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
}

type Emergency struct {
	IncidentID string `json:"incidentId"`
	Location   string `json:"location"`
}

// General carries fields of records whose type notifd does not model.
type General struct {
	Fields map[string]any `json:"fields,omitempty"`
}

func (JobOffer) Category() Category    { return CategoryJobRequest }
func (OrderStatus) Category() Category { return CategoryOrderStatus }
func (Message) Category() Category     { return CategoryMessage }
func (Payment) Category() Category     { return CategoryPayment }
func (Emergency) Category() Category   { return CategoryEmergency }
func (General) Category() Category     { return CategoryGeneral }

// fields is the loosely-typed server "data" object.
type fields map[string]any

func (f fields) str(keys ...string) string {
	for _, k := range keys {
		switch v := f[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func (f fields) num(keys ...string) float64 {
	for _, k := range keys {
		switch v := f[k].(type) {
		case float64:
			return v
		case json.Number:
			if n, err := v.Float64(); err == nil {
				return n
			}
		case string:
			if n, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return n
			}
		}
	}
	return 0
}

func (f fields) sub(key string) fields {
	if m, ok := f[key].(map[string]any); ok {
		return m
	}
	return nil
}

// decodePayload builds the variant for c from raw server data.
// Missing or non-object data yields a zero-valued variant, never an error:
// the category tag alone is enough to alert on.
func decodePayload(c Category, raw json.RawMessage) Payload {
	var f fields
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &f); err != nil {
			f = nil
		}
	}
	return payloadFromFields(c, f)
}

func payloadFromFields(c Category, f fields) Payload {
	provider := f.sub("provider")
	switch c {
	case CategoryJobRequest:
		return JobOffer{
			JobID:         f.str("jobId", "job_id", "orderId", "id"),
			ServiceType:   f.str("serviceType", "service_type", "providerType"),
			PendingOffers: int(f.num("pendingOffers", "pending_offers")),
		}
	case CategoryOrderStatus:
		p := OrderStatus{
			OrderID:    f.str("orderId", "order_id", "bookingId"),
			Status:     f.str("status"),
			ProviderID: f.str("providerId", "provider_id"),
		}
		if provider != nil {
			if p.ProviderID == "" {
				p.ProviderID = provider.str("id", "_id")
			}
			p.ProviderName = provider.str("name", "fullName")
		}
		return p
	case CategoryMessage:
		return Message{
			ConversationID: f.str("conversationId", "chatId", "conversation_id"),
			SenderID:       f.str("senderId", "sender_id", "from"),
		}
	case CategoryPayment:
		return Payment{
			PaymentID: f.str("paymentId", "payment_id", "transactionId"),
			Amount:    f.num("amount"),
			Currency:  f.str("currency"),
		}
	case CategoryEmergency:
		return Emergency{
			IncidentID: f.str("incidentId", "incident_id", "id"),
			Location:   f.str("location", "address"),
		}
	default:
		if len(f) == 0 {
			return General{}
		}
		return General{Fields: map[string]any(f)}
	}
}
