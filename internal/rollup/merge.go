package rollup

import "mra/internal/model"

// Merge folds one event into existing (nil for a key never written). prior is
// what the order last contributed to the record, nil when it never touched it.
// It returns the new record, the order's contribution to keep in the applied
// index and whether either differs from what was stored. existing is not
// modified.
//
// An order is applied once per record. A repeated create is ignored. An update
// replaces the order's previous contribution unless its revision is not newer
// than the one already applied. An update for an order never seen is applied
// as a late create.
func Merge(existing *Record, prior *Contribution, ev model.OrderEvent) (Record, Contribution, bool) {
	c := contributionOf(ev)

	if existing == nil {
		out := NewRecord()
		out.add(c)
		return out, c, true
	}

	switch {
	case prior == nil:
		out := existing.Clone()
		out.add(c)
		return out, c, true
	case ev.ChangeKind != model.ChangeUpdated:
		return *existing, *prior, false
	case ev.Revision > 0 && ev.Revision <= prior.Revision:
		return *existing, *prior, false
	case prior.sameEffect(c):
		if c.Revision <= prior.Revision {
			return *existing, *prior, false
		}
		advanced := *prior
		advanced.Revision = c.Revision
		return *existing, advanced, true
	}

	out := existing.Clone()
	out.subtract(*prior)
	out.add(c)
	return out, c, true
}
