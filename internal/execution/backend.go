package execution

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/quantfold/engine/internal/feed"
)

// Order sides after normalization.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order statuses.
const (
	StatusFilled          = "filled"
	StatusPartiallyFilled = "partially_filled"
)

// OrderParams is the routing input. Quantity may be omitted when RiskPct
// and Equity are set; normalization derives it from price.
type OrderParams struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity,omitempty"`
	RiskPct    float64 `json:"riskPct,omitempty"`
	Equity     float64 `json:"equity,omitempty"`
	Price      float64 `json:"price"`
	ForceClose bool    `json:"forceClose,omitempty"`
}

// Order is the normalized fill report a backend returns.
type Order struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	RequestedQty  float64 `json:"requestedQty"`
	FilledQty     float64 `json:"filledQty"`
	AvgPrice      float64 `json:"avgPrice"`
	Status        string  `json:"status"`
	ClientOrderID string  `json:"clientOrderId"`
}

// Result is a successful routing outcome.
type Result struct {
	Backend   string `json:"backend"`
	LatencyMs int64  `json:"latencyMs"`
	Order     Order  `json:"order"`
}

// Backend executes one normalized order. Implementations are
// interchangeable; the router never inspects anything beyond this.
type Backend interface {
	Name() string
	NeedsCredentials() bool
	Execute(ctx context.Context, p OrderParams) (Order, error)
}

// normalizeParams validates and canonicalizes an order before any
// backend sees it. Returns a typed invalid_order failure; no state has
// been touched at that point.
func normalizeParams(p OrderParams) (OrderParams, *RouteError) {
	sym, err := feed.NormalizeSymbol(p.Symbol)
	if err != nil {
		return p, NewInvalidOrderError(err.Error())
	}
	p.Symbol = sym

	switch p.Side {
	case SideBuy, SideSell:
	case "BUY", "Buy":
		p.Side = SideBuy
	case "SELL", "Sell":
		p.Side = SideSell
	default:
		return p, NewInvalidOrderError(fmt.Sprintf("unknown side %q", p.Side))
	}

	if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) || p.Price <= 0 {
		return p, NewInvalidOrderError(fmt.Sprintf("invalid price %v", p.Price))
	}

	if p.Quantity <= 0 {
		if p.RiskPct <= 0 || p.Equity <= 0 {
			return p, NewInvalidOrderError("quantity absent and riskPct/equity not set")
		}
		p.Quantity = p.Equity * p.RiskPct / p.Price
	}
	if math.IsNaN(p.Quantity) || math.IsInf(p.Quantity, 0) || p.Quantity <= 0 {
		return p, NewInvalidOrderError(fmt.Sprintf("invalid quantity %v", p.Quantity))
	}
	return p, nil
}

// Registry holds the backends configured at startup. Registering the
// same name twice is an error, not a silent overwrite.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := b.Name()
	if name == "" {
		return fmt.Errorf("backend has empty name")
	}
	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("backend %q already registered", name)
	}
	r.backends[name] = b
	return nil
}

func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
