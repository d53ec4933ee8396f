package execution

import (
	"context"

	"github.com/quantfold/engine/internal/observ"
)

// Production is the live-venue backend. Request signing and venue
// endpoints are not wired; every call fails with a typed
// not_implemented error instead of panicking or silently simulating.
type Production struct {
	name string
}

func NewProduction(name string) *Production {
	return &Production{name: name}
}

func (p *Production) Name() string { return p.name }

func (p *Production) NeedsCredentials() bool { return true }

func (p *Production) Execute(ctx context.Context, params OrderParams) (Order, error) {
	observ.IncCounter("orders_rejected_total", map[string]string{
		"backend": p.name,
		"reason":  "not_implemented",
	})
	return Order{}, NewNotImplementedError(p.name, "production order signing not implemented")
}
