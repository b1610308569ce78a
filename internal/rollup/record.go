package rollup

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"mra/internal/model"
)

// PlanStats is the rollup of one payment plan inside a record.
// AmountSum and AmountCount cover successful orders, OrderCount covers all.
type PlanStats struct {
	AmountSum   decimal.Decimal `json:"amountSum"`
	AmountCount int64           `json:"amountCount"`
	OrderCount  int64           `json:"orderCount"`
}

// AverageOrderValue is AmountSum / AmountCount, zero when nothing succeeded.
func (p PlanStats) AverageOrderValue() decimal.Decimal {
	return average(p.AmountSum, p.AmountCount)
}

func (p PlanStats) empty() bool {
	return p.OrderCount == 0 && p.AmountCount == 0 && p.AmountSum.IsZero()
}

// Contribution is what one order last added to a record. Stores keep it in an
// applied index next to the record, one entry per order, so that duplicates
// are ignored and revisions can be compensated.
type Contribution struct {
	Status    model.Status    `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	PlanID    string          `json:"planId"`
	ProductID string          `json:"productId"`
	Revision  int64           `json:"revision,omitempty"`
}

func contributionOf(ev model.OrderEvent) Contribution {
	return Contribution{
		Status:    ev.Status,
		Amount:    ev.Amount,
		PlanID:    ev.PaymentPlanID,
		ProductID: ev.ProductID,
		Revision:  ev.Revision,
	}
}

func (c Contribution) sameEffect(o Contribution) bool {
	return c.Status == o.Status && c.Amount.Equal(o.Amount) && c.PlanID == o.PlanID && c.ProductID == o.ProductID
}

// Record is the rollup of one aggregate key. Only sums and counts are stored;
// averages are derived on read. Its size depends on the number of plans and
// products, never on the number of orders.
type Record struct {
	TotalCount   int64                `json:"totalCount"`
	SuccessCount int64                `json:"successCount"`
	FailureCount int64                `json:"failureCount"`
	AmountSum    decimal.Decimal      `json:"amountSum"`
	AmountCount  int64                `json:"amountCount"`
	PerPlan      map[string]PlanStats `json:"perPlan"`
	PerProduct   map[string]int64     `json:"perProduct"`
}

// NewRecord returns an empty record with initialized maps.
func NewRecord() Record {
	return Record{
		PerPlan:    map[string]PlanStats{},
		PerProduct: map[string]int64{},
	}
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.PerPlan = make(map[string]PlanStats, len(r.PerPlan))
	for k, v := range r.PerPlan {
		out.PerPlan[k] = v
	}
	out.PerProduct = make(map[string]int64, len(r.PerProduct))
	for k, v := range r.PerProduct {
		out.PerProduct[k] = v
	}
	return out
}

// AverageOrderValue is AmountSum / AmountCount, zero when nothing succeeded.
func (r Record) AverageOrderValue() decimal.Decimal {
	return average(r.AmountSum, r.AmountCount)
}

// AverageOrderValueByPlan derives the per-plan AOV for every plan seen.
func (r Record) AverageOrderValueByPlan() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(r.PerPlan))
	for id, p := range r.PerPlan {
		out[id] = p.AverageOrderValue()
	}
	return out
}

// PlanIDs returns the plan ids in ascending order.
func (r Record) PlanIDs() []string { return sortedKeys(r.PerPlan) }

// ProductIDs returns the product ids in ascending order.
func (r Record) ProductIDs() []string { return sortedKeys(r.PerProduct) }

// Check verifies the record invariants.
func (r Record) Check() error {
	if r.TotalCount < 0 || r.SuccessCount < 0 || r.FailureCount < 0 {
		return fmt.Errorf("negative count: total=%d success=%d failure=%d", r.TotalCount, r.SuccessCount, r.FailureCount)
	}
	if r.TotalCount != r.SuccessCount+r.FailureCount {
		return fmt.Errorf("totalCount %d != successCount %d + failureCount %d", r.TotalCount, r.SuccessCount, r.FailureCount)
	}
	if r.AmountCount != r.SuccessCount {
		return fmt.Errorf("amountCount %d != successCount %d", r.AmountCount, r.SuccessCount)
	}
	var planAmountCount, planOrders int64
	planSum := decimal.Zero
	for _, p := range r.PerPlan {
		planAmountCount += p.AmountCount
		planOrders += p.OrderCount
		planSum = planSum.Add(p.AmountSum)
	}
	if planAmountCount != r.AmountCount {
		return fmt.Errorf("sum(perPlan.amountCount) %d != amountCount %d", planAmountCount, r.AmountCount)
	}
	if planOrders != r.TotalCount {
		return fmt.Errorf("sum(perPlan.orderCount) %d != totalCount %d", planOrders, r.TotalCount)
	}
	if !planSum.Equal(r.AmountSum) {
		return fmt.Errorf("sum(perPlan.amountSum) %s != amountSum %s", planSum, r.AmountSum)
	}
	var productOrders int64
	for _, n := range r.PerProduct {
		productOrders += n
	}
	if productOrders != r.TotalCount {
		return fmt.Errorf("sum(perProduct) %d != totalCount %d", productOrders, r.TotalCount)
	}
	return nil
}

// Equal compares the aggregate values of two records.
func (r Record) Equal(o Record) bool {
	if r.TotalCount != o.TotalCount || r.SuccessCount != o.SuccessCount || r.FailureCount != o.FailureCount ||
		r.AmountCount != o.AmountCount || !r.AmountSum.Equal(o.AmountSum) {
		return false
	}
	if len(r.PerPlan) != len(o.PerPlan) || len(r.PerProduct) != len(o.PerProduct) {
		return false
	}
	for id, p := range r.PerPlan {
		q, ok := o.PerPlan[id]
		if !ok || p.AmountCount != q.AmountCount || p.OrderCount != q.OrderCount || !p.AmountSum.Equal(q.AmountSum) {
			return false
		}
	}
	for id, n := range r.PerProduct {
		if o.PerProduct[id] != n {
			return false
		}
	}
	return true
}

func (r *Record) add(c Contribution) {
	r.TotalCount++
	p := r.PerPlan[c.PlanID]
	p.OrderCount++
	if c.Status == model.StatusSuccess {
		r.SuccessCount++
		r.AmountSum = r.AmountSum.Add(c.Amount)
		r.AmountCount++
		p.AmountSum = p.AmountSum.Add(c.Amount)
		p.AmountCount++
	} else {
		r.FailureCount++
	}
	r.PerPlan[c.PlanID] = p
	r.PerProduct[c.ProductID]++
}

func (r *Record) subtract(c Contribution) {
	r.TotalCount--
	p := r.PerPlan[c.PlanID]
	p.OrderCount--
	if c.Status == model.StatusSuccess {
		r.SuccessCount--
		r.AmountSum = r.AmountSum.Sub(c.Amount)
		r.AmountCount--
		p.AmountSum = p.AmountSum.Sub(c.Amount)
		p.AmountCount--
	} else {
		r.FailureCount--
	}
	if p.empty() {
		delete(r.PerPlan, c.PlanID)
	} else {
		r.PerPlan[c.PlanID] = p
	}
	if n := r.PerProduct[c.ProductID] - 1; n > 0 {
		r.PerProduct[c.ProductID] = n
	} else {
		delete(r.PerProduct, c.ProductID)
	}
}

func average(sum decimal.Decimal, n int64) decimal.Decimal {
	if n == 0 {
		return decimal.Zero
	}
	return sum.Div(decimal.NewFromInt(n))
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
