package usecase

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vitos/spot_averaging/internal/domain"
)

const (
	processedFillCap  = 50
	processedFillKeep = 25
)

// PositionLedger is the in-memory record of one account's resting TP orders and of the
// fills already turned into profit events. It belongs to a single account session and is
// not safe for concurrent use.
type PositionLedger struct {
	open map[string]domain.TPOrder

	processed      map[string]struct{}
	processedOrder []string

	warm              bool
	diagnosticsLogged bool
	orphanLogged      bool
}

func NewPositionLedger() *PositionLedger {
	return &PositionLedger{
		open:      make(map[string]domain.TPOrder),
		processed: make(map[string]struct{}),
	}
}

// Add records a TP order confirmed by the venue. Orders without an id are refused.
func (l *PositionLedger) Add(order domain.TPOrder) bool {
	if order.OrderID == "" {
		return false
	}
	l.open[order.OrderID] = order
	return true
}

func (l *PositionLedger) Remove(orderID string) (domain.TPOrder, bool) {
	o, ok := l.open[orderID]
	if ok {
		delete(l.open, orderID)
	}
	return o, ok
}

func (l *PositionLedger) Lookup(orderID string) (domain.TPOrder, bool) {
	o, ok := l.open[orderID]
	return o, ok
}

// Sync replaces the open set with the venue view. Entry prices and creation times the
// ledger placed itself survive, since the venue cannot report them.
func (l *PositionLedger) Sync(orders []domain.TPOrder) {
	next := make(map[string]domain.TPOrder, len(orders))
	for _, o := range orders {
		if prev, ok := l.open[o.OrderID]; ok {
			o.EntryPrice = prev.EntryPrice
			if !prev.CreatedAt.IsZero() {
				o.CreatedAt = prev.CreatedAt
			}
		}
		next[o.OrderID] = o
	}
	l.open = next
}

// Open returns the open orders sorted by TP price.
func (l *PositionLedger) Open() []domain.TPOrder {
	out := make([]domain.TPOrder, 0, len(l.open))
	for _, o := range l.open {
		out = append(out, o)
	}
	sortByTP(out)
	return out
}

func (l *PositionLedger) Len() int { return len(l.open) }

func (l *PositionLedger) IsProcessed(orderID string) bool {
	_, ok := l.processed[orderID]
	return ok
}

// MarkProcessed inserts a fill id into the bounded cache. Past the cap only the newest
// entries are kept.
func (l *PositionLedger) MarkProcessed(orderID string) {
	if _, ok := l.processed[orderID]; ok {
		return
	}
	l.processed[orderID] = struct{}{}
	l.processedOrder = append(l.processedOrder, orderID)

	if len(l.processedOrder) > processedFillCap {
		drop := l.processedOrder[:len(l.processedOrder)-processedFillKeep]
		for _, id := range drop {
			delete(l.processed, id)
		}
		kept := make([]string, processedFillKeep)
		copy(kept, l.processedOrder[len(l.processedOrder)-processedFillKeep:])
		l.processedOrder = kept
	}
}

func (l *PositionLedger) ProcessedLen() int { return len(l.processedOrder) }

// Warm reports whether the first venue snapshot has been absorbed.
func (l *PositionLedger) Warm() bool { return l.warm }
func (l *PositionLedger) SetWarm()   { l.warm = true }

// OnceDiagnostics returns true only the first time it is called.
func (l *PositionLedger) OnceDiagnostics() bool {
	if l.diagnosticsLogged {
		return false
	}
	l.diagnosticsLogged = true
	return true
}

// OnceOrphan returns true only the first time it is called.
func (l *PositionLedger) OnceOrphan() bool {
	if l.orphanLogged {
		return false
	}
	l.orphanLogged = true
	return true
}

// LimitOrdersValue is what all orders yield if they fill at their limit.
func LimitOrdersValue(orders []domain.TPOrder) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.Value())
	}
	return total
}

// TotalAmount sums the token amounts locked in orders.
func TotalAmount(orders []domain.TPOrder) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.Amount)
	}
	return total
}

// TPRange returns the lowest and highest TP price; ok is false for an empty set.
func TPRange(orders []domain.TPOrder) (lo, hi decimal.Decimal, ok bool) {
	if len(orders) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	lo, hi = orders[0].TPPrice, orders[0].TPPrice
	for _, o := range orders[1:] {
		if o.TPPrice.LessThan(lo) {
			lo = o.TPPrice
		}
		if o.TPPrice.GreaterThan(hi) {
			hi = o.TPPrice
		}
	}
	return lo, hi, true
}

// PriceList formats TP prices ascending, e.g. "$98000, $99000".
func PriceList(orders []domain.TPOrder) string {
	if len(orders) == 0 {
		return ""
	}
	sorted := make([]domain.TPOrder, len(orders))
	copy(sorted, orders)
	sortByTP(sorted)

	parts := make([]string, len(sorted))
	for i, o := range sorted {
		parts[i] = "$" + o.TPPrice.StringFixed(0)
	}
	return strings.Join(parts, ", ")
}

func sortByTP(orders []domain.TPOrder) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].TPPrice.Equal(orders[j].TPPrice) {
			return orders[i].OrderID < orders[j].OrderID
		}
		return orders[i].TPPrice.LessThan(orders[j].TPPrice)
	})
}
