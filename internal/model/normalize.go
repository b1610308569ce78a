package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/shopspring/decimal"
)

// ValidationError names the offending field of a rejected record.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report json names so errors line up with the wire format
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	return v
}

// fieldError maps the first validator failure to a ValidationError.
func fieldError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: fe.Field(), Reason: reasonFor(fe)}
	}
	return &ValidationError{Field: "payload", Reason: err.Error()}
}

// Decode parses a JSON payload into a RawOrder. A payload that is not a JSON
// object fails with a ValidationError on field "payload".
func Decode(payload []byte) (RawOrder, error) {
	var wire struct {
		RawOrder
		Amount json.RawMessage `json:"amount"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return RawOrder{}, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	raw := wire.RawOrder
	raw.Amount = []byte(wire.Amount)
	return raw, nil
}

// Normalize validates a RawOrder and converts it to an OrderEvent.
func Normalize(o RawOrder) (OrderEvent, error) {
	if err := validate.Struct(o); err != nil {
		return OrderEvent{}, fieldError(err)
	}

	amount, err := parseAmount(o.Amount)
	if err != nil {
		return OrderEvent{}, &ValidationError{Field: "amount", Reason: err.Error()}
	}

	ts, err := time.Parse(time.RFC3339Nano, o.Timestamp)
	if err != nil {
		return OrderEvent{}, &ValidationError{Field: "timestamp", Reason: "not an RFC 3339 instant"}
	}

	return OrderEvent{
		MerchantID:    o.MerchantID,
		OrderID:       o.OrderID,
		Timestamp:     ts.UTC(),
		Amount:        amount,
		PaymentPlanID: o.PaymentPlanID,
		ProductID:     o.ProductID,
		Status:        Status(o.Status),
		ChangeKind:    changeKind(o.ChangeKind),
		Revision:      o.Revision,
	}, nil
}

// Validate applies the rules of Normalize to an OrderEvent that was built
// without it.
func Validate(ev OrderEvent) error {
	if err := validate.Struct(ev); err != nil {
		return fieldError(err)
	}
	if ev.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "required"}
	}
	if ev.Amount.IsNegative() {
		return &ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	return nil
}

// Parse is Decode followed by Normalize.
func Parse(payload []byte) (OrderEvent, error) {
	raw, err := Decode(payload)
	if err != nil {
		return OrderEvent{}, err
	}
	return Normalize(raw)
}

func parseAmount(raw []byte) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Decimal{}, errors.New("required")
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Decimal{}, errors.New("not a number")
		}
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, errors.New("not a finite number")
	}
	if d.IsNegative() {
		return decimal.Decimal{}, errors.New("must not be negative")
	}
	return d, nil
}

func changeKind(s string) ChangeKind {
	switch s {
	case "updated", "MODIFY":
		return ChangeUpdated
	default:
		return ChangeCreated
	}
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "notblank":
		return "must not be blank"
	case "oneof":
		return "must be one of " + fe.Param()
	case "excludesall":
		return "must not contain " + fe.Param()
	case "gte":
		return "must be >= " + fe.Param()
	default:
		return fe.Tag()
	}
}
