package main

import (
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type product struct {
	id       string
	merchant string
	price    int64
}

var (
	merchants = []string{"merchant-1", "merchant-2", "merchant-3"}
	products  = []product{
		{"product-1-1", "merchant-1", 1200},
		{"product-1-2", "merchant-1", 200},
		{"product-1-3", "merchant-1", 300},
		{"product-2-1", "merchant-2", 1000},
		{"product-2-2", "merchant-2", 1500},
		{"product-2-3", "merchant-2", 250},
		{"product-3-1", "merchant-3", 2000},
		{"product-3-2", "merchant-3", 800},
		{"product-3-3", "merchant-3", 600},
	}
	paymentPlans = []string{"plan-1", "plan-2", "plan-3", "plan-4"}
)

// rawOrder is the wire form consumed by rollupd.
type rawOrder struct {
	MerchantID    string          `json:"merchantId"`
	OrderID       string          `json:"orderId"`
	Timestamp     string          `json:"timestamp"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentPlanID string          `json:"paymentPlanId"`
	ProductID     string          `json:"productId"`
	Status        string          `json:"status"`
	ChangeKind    string          `json:"changeKind,omitempty"`
}

type generator struct {
	rnd         *rand.Rand
	baseHourly  int
	failureRate float64
	newID       func() string
}

func newGenerator(seed int64, baseHourly int, failureRate float64) *generator {
	return &generator{
		rnd:         rand.New(rand.NewSource(seed)),
		baseHourly:  baseHourly,
		failureRate: failureRate,
		newID:       uuid.NewString,
	}
}

func dayOfWeekFactor(t time.Time) float64 {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return 1.5
	case time.Friday:
		return 1.2
	case time.Monday:
		return 0.8
	default:
		return 1.0
	}
}

func timeOfDayFactor(hour int) float64 {
	switch {
	case (hour >= 10 && hour <= 14) || (hour >= 19 && hour <= 22):
		return 1.5
	case hour >= 8 && hour <= 18:
		return 1.0
	case hour == 23:
		return 0.8
	default:
		return 0.3
	}
}

// ordersInHour returns how many orders to emit for the hour starting at t.
func (g *generator) ordersInHour(t time.Time) int {
	jitter := 0.8 + g.rnd.Float64()*0.4
	n := int(math.Round(float64(g.baseHourly) * dayOfWeekFactor(t) * timeOfDayFactor(t.Hour()) * jitter))
	if n < 1 {
		n = 1
	}
	return n
}

func (g *generator) order(at time.Time) rawOrder {
	merchant := merchants[g.rnd.Intn(len(merchants))]
	var candidates []product
	for _, p := range products {
		if p.merchant == merchant {
			candidates = append(candidates, p)
		}
	}
	p := candidates[g.rnd.Intn(len(candidates))]
	status := "success"
	if g.rnd.Float64() < g.failureRate {
		status = "failure"
	}
	return rawOrder{
		MerchantID:    merchant,
		OrderID:       g.newID(),
		Timestamp:     at.UTC().Format(time.RFC3339),
		Amount:        decimal.NewFromInt(p.price),
		PaymentPlanID: paymentPlans[g.rnd.Intn(len(paymentPlans))],
		ProductID:     p.id,
		Status:        status,
		ChangeKind:    "created",
	}
}

// generate emits orders hour by hour over [from, to), each placed at a random
// minute and second within its hour.
func (g *generator) generate(from, to time.Time, emit func(rawOrder) error) (int, error) {
	total := 0
	for h := from.Truncate(time.Hour); h.Before(to); h = h.Add(time.Hour) {
		n := g.ordersInHour(h)
		for i := 0; i < n; i++ {
			at := h.Add(time.Duration(g.rnd.Intn(60))*time.Minute + time.Duration(g.rnd.Intn(60))*time.Second)
			if err := emit(g.order(at)); err != nil {
				return total, err
			}
			total++
		}
	}
	return total, nil
}
