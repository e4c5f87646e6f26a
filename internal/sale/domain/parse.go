package domain

import (
	"encoding/json"
	"time"

	validation "github.com/jellydator/validation"

	apperrors "github.com/openmint/mintwatch/internal/errors"
)

// feedEvent is the wire shape of one feed event. Only the fields the
// pipeline needs are typed; everything else rides along in the raw payload.
type feedEvent struct {
	ID            string  `json:"id"`
	TokenID       string  `json:"token_id"`
	Collection    string  `json:"collection"`
	Price         float64 `json:"price"`
	PaymentSymbol string  `json:"payment_symbol"`
	Side          string  `json:"side"`
	CreatedAt     string  `json:"created_at"`
}

func (e feedEvent) validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.ID, validation.Required),
		validation.Field(&e.TokenID, validation.Required),
		validation.Field(&e.Price, validation.Min(0.0)),
		validation.Field(&e.Side, validation.Required, validation.In("ask", "bid")),
	)
}

// ParseFeedEvent is the single parse-and-validate boundary between the raw
// feed payload and the internal Sale representation. The original bytes are
// carried on the Sale as an opaque blob; no downstream code re-parses them.
func ParseFeedEvent(raw []byte) (*Sale, error) {
	var event feedEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, err.Error())
	}

	if err := event.validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, err.Error())
	}

	sale := &Sale{
		ID:         event.ID,
		TokenID:    event.TokenID,
		Collection: event.Collection,
		Price:      event.Price,
		Symbol:     event.PaymentSymbol,
		Side:       event.Side,
		Payload:    string(raw),
		Status:     StatusQueued,
	}

	if event.CreatedAt != "" {
		createdAt, err := time.Parse(time.RFC3339, event.CreatedAt)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "invalid created_at: "+err.Error())
		}
		sale.CreatedAt = &createdAt
	}

	return sale, nil
}
