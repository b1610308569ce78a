package model

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParse_Valid(t *testing.T) {
	payload := `{"merchantId":"M1","orderId":"o1","timestamp":"2025-03-19T12:15:00+02:00","amount":100.25,"paymentPlanId":"P1","productId":"p1","status":"success"}`
	ev, err := Parse([]byte(payload))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !ev.Timestamp.Equal(time.Date(2025, 3, 19, 10, 15, 0, 0, time.UTC)) || ev.Timestamp.Location() != time.UTC {
		t.Fatalf("timestamp not normalized to UTC: %v", ev.Timestamp)
	}
	if !ev.Amount.Equal(decimal.RequireFromString("100.25")) {
		t.Fatalf("amount: %s", ev.Amount)
	}
	if ev.ChangeKind != ChangeCreated || ev.Status != StatusSuccess {
		t.Fatalf("unexpected kind/status: %+v", ev)
	}
}

func TestParse_AmountAsStringAndStreamAliases(t *testing.T) {
	payload := `{"merchantId":"M1","orderId":"o1","timestamp":"2025-03-19T10:15:00Z","amount":"0.10","paymentPlanId":"P1","productId":"p1","status":"failure","changeKind":"MODIFY","revision":2}`
	ev, err := Parse([]byte(payload))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !ev.Amount.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("amount: %s", ev.Amount)
	}
	if ev.ChangeKind != ChangeUpdated || ev.Revision != 2 || ev.Succeeded() {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParse_Rejects(t *testing.T) {
	base := map[string]string{
		"merchantId":    `"M1"`,
		"orderId":       `"o1"`,
		"timestamp":     `"2025-03-19T10:15:00Z"`,
		"amount":        `10`,
		"paymentPlanId": `"P1"`,
		"productId":     `"p1"`,
		"status":        `"success"`,
	}
	cases := []struct {
		name  string
		field string
		value string // "" removes the field
	}{
		{"missing merchant", "merchantId", ""},
		{"slash in merchant", "merchantId", `"a/b"`},
		{"missing order", "orderId", ""},
		{"empty product", "productId", `""`},
		{"blank merchant", "merchantId", `"  "`},
		{"blank order", "orderId", `"\t"`},
		{"blank product", "productId", `" "`},
		{"missing plan", "paymentPlanId", ""},
		{"bad status", "status", `"pending"`},
		{"negative amount", "amount", `-1`},
		{"missing amount", "amount", ""},
		{"nan amount", "amount", `"NaN"`},
		{"bool amount", "amount", `true`},
		{"bad timestamp", "timestamp", `"yesterday"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := "{"
			first := true
			for k, v := range base {
				if k == tc.field {
					v = tc.value
				}
				if v == "" {
					continue
				}
				if !first {
					payload += ","
				}
				first = false
				payload += `"` + k + `":` + v
			}
			payload += "}"
			_, err := Parse([]byte(payload))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("want ValidationError, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("field: got=%s want=%s (%v)", verr.Field, tc.field, verr)
			}
		})
	}
}

func TestDecode_NotJSON(t *testing.T) {
	_, err := Parse([]byte("{bad json}"))
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "payload" {
		t.Fatalf("want payload ValidationError, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := OrderEvent{
		MerchantID:    "M1",
		OrderID:       "o1",
		Timestamp:     time.Date(2025, 3, 19, 10, 15, 0, 0, time.UTC),
		Amount:        decimal.NewFromInt(10),
		PaymentPlanID: "P1",
		ProductID:     "p1",
		Status:        StatusSuccess,
		ChangeKind:    ChangeCreated,
	}
	if err := Validate(valid); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	cases := []struct {
		name  string
		field string
		edit  func(*OrderEvent)
	}{
		{"slash in merchant", "merchantId", func(e *OrderEvent) { e.MerchantID = "M/2" }},
		{"blank merchant", "merchantId", func(e *OrderEvent) { e.MerchantID = "  " }},
		{"empty order", "orderId", func(e *OrderEvent) { e.OrderID = "" }},
		{"empty plan", "paymentPlanId", func(e *OrderEvent) { e.PaymentPlanID = "" }},
		{"empty product", "productId", func(e *OrderEvent) { e.ProductID = "" }},
		{"unknown status", "status", func(e *OrderEvent) { e.Status = "bogus" }},
		{"missing status", "status", func(e *OrderEvent) { e.Status = "" }},
		{"unknown change kind", "changeKind", func(e *OrderEvent) { e.ChangeKind = "MODIFY" }},
		{"negative revision", "revision", func(e *OrderEvent) { e.Revision = -1 }},
		{"zero timestamp", "timestamp", func(e *OrderEvent) { e.Timestamp = time.Time{} }},
		{"negative amount", "amount", func(e *OrderEvent) { e.Amount = decimal.NewFromInt(-1) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := valid
			tc.edit(&ev)
			err := Validate(ev)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("want ValidationError, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("field: got=%s want=%s (%v)", verr.Field, tc.field, verr)
			}
		})
	}
}
