package portfolio

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quantfold/engine/internal/config"
	"github.com/quantfold/engine/internal/observ"
)

// Rejection reasons, in gate order.
const (
	ReasonCapitalBuffer   = "capital_buffer"
	ReasonTotalExposure   = "total_exposure_cap"
	ReasonSingleAsset     = "single_asset_cap"
	ReasonSectorCap       = "sector_cap"
	ReasonCorrelation     = "correlation"
	ReasonMarginCap       = "margin_cap"
	ReasonCapitalVelocity = "capital_velocity"
)

// Known symbol sectors; anything unmapped lands in "other".
var defaultSectors = map[string]string{
	"BTCUSDT":  "layer1",
	"ETHUSDT":  "layer1",
	"SOLUSDT":  "layer1",
	"ADAUSDT":  "layer1",
	"AVAXUSDT": "layer1",
	"BNBUSDT":  "exchange",
	"XRPUSDT":  "payments",
	"LTCUSDT":  "payments",
	"DOGEUSDT": "meme",
	"SHIBUSDT": "meme",
	"LINKUSDT": "oracle",
	"UNIUSDT":  "defi",
	"AAVEUSDT": "defi",
}

// Estimated pairwise correlations, keyed by sorted "A|B". Pairs not
// listed are assumed moderately correlated at 0.5.
var defaultCorrelations = map[string]float64{
	"BTCUSDT|ETHUSDT":  0.82,
	"BTCUSDT|SOLUSDT":  0.78,
	"ETHUSDT|SOLUSDT":  0.76,
	"BTCUSDT|BNBUSDT":  0.72,
	"ETHUSDT|UNIUSDT":  0.81,
	"UNIUSDT|AAVEUSDT": 0.84,
	"DOGEUSDT|SHIBUSDT": 0.88,
	"XRPUSDT|LTCUSDT":  0.70,
}

const unknownPairCorrelation = 0.5

// PositionView is the slice of an open position the manager needs.
type PositionView struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Quantity  float64 `json:"quantity"`
	LastPrice float64 `json:"lastPrice"`
}

// Request is one proposed entry to evaluate.
type Request struct {
	TenantID        string
	Symbol          string
	Equity          float64
	ProposedRiskPct float64
	Positions       []PositionView
	MarginUsed      float64
	Now             time.Time
}

// Verdict is the gate outcome. A rejection always zeroes the risk.
type Verdict struct {
	Allow           bool    `json:"allow"`
	Reason          string  `json:"reason,omitempty"`
	AdjustedRiskPct float64 `json:"adjustedRiskPct"`
}

// State is the tenant's rebuilt exposure picture, for snapshots.
type State struct {
	ExposureBySymbol map[string]float64 `json:"exposureBySymbol"`
	ExposureBySector map[string]float64 `json:"exposureBySector"`
	TotalExposure    float64            `json:"totalExposure"`
	GrossExposure    float64            `json:"grossExposure"`
	NetExposure      float64            `json:"netExposure"`
	WindowedDeployed float64            `json:"windowedDeployed"`
}

type deployment struct {
	at     time.Time
	amount float64
}

type tenantBook struct {
	deployments []deployment
	lastState   State
}

// Manager enforces the tenant's exposure discipline: capital buffer,
// exposure caps, correlation cutoff, margin cap, and deployment
// velocity, evaluated in that order.
type Manager struct {
	mu      sync.Mutex
	cfg     config.Portfolio
	sectors map[string]string
	corr    map[string]float64
	tenants map[string]*tenantBook
}

// NewManager builds a portfolio manager. Nil maps fall back to the
// built-in sector and correlation tables.
func NewManager(cfg config.Portfolio, sectors map[string]string, corr map[string]float64) *Manager {
	if sectors == nil {
		sectors = defaultSectors
	}
	if corr == nil {
		corr = defaultCorrelations
	}
	return &Manager{
		cfg:     cfg,
		sectors: sectors,
		corr:    corr,
		tenants: make(map[string]*tenantBook),
	}
}

func (m *Manager) sectorFor(symbol string) string {
	if s, ok := m.sectors[symbol]; ok {
		return s
	}
	return "other"
}

func corrKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func (m *Manager) correlation(a, b string) float64 {
	if c, ok := m.corr[corrKey(a, b)]; ok {
		return c
	}
	return unknownPairCorrelation
}

// Evaluate rebuilds exposures from the position snapshot and walks the
// rejection gates in order; the first breach wins. Approval clamps the
// proposal to the single-asset cap and logs the deployment.
func (m *Manager) Evaluate(req Request) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	book, ok := m.tenants[req.TenantID]
	if !ok {
		book = &tenantBook{}
		m.tenants[req.TenantID] = book
	}

	bySymbol := make(map[string]float64, len(req.Positions))
	bySector := make(map[string]float64)
	gross, net := 0.0, 0.0
	for _, p := range req.Positions {
		notional := p.Quantity * p.LastPrice
		if notional < 0 {
			notional = -notional
		}
		bySymbol[p.Symbol] += notional
		bySector[m.sectorFor(p.Symbol)] += notional
		gross += notional
		if strings.EqualFold(p.Side, "sell") {
			net -= notional
		} else {
			net += notional
		}
	}

	window := time.Duration(m.cfg.VelocityWindowMinutes) * time.Minute
	book.prune(req.Now, window)
	windowed := book.windowedSum()

	book.lastState = State{
		ExposureBySymbol: bySymbol,
		ExposureBySector: bySector,
		TotalExposure:    gross,
		GrossExposure:    gross,
		NetExposure:      net,
		WindowedDeployed: windowed,
	}
	observ.SetGauge("portfolio_gross_exposure", gross, map[string]string{"tenant": req.TenantID})

	proposal := req.Equity * req.ProposedRiskPct

	reject := func(reason string) Verdict {
		observ.IncCounter("portfolio_rejections_total", map[string]string{"reason": reason})
		observ.Log("portfolio_reject", map[string]any{
			"tenant":   req.TenantID,
			"symbol":   req.Symbol,
			"reason":   reason,
			"proposal": proposal,
			"gross":    gross,
		})
		return Verdict{Allow: false, Reason: reason, AdjustedRiskPct: 0}
	}

	cashAfter := req.Equity - gross - proposal
	if cashAfter < m.cfg.CapitalBufferPct*req.Equity {
		return reject(ReasonCapitalBuffer)
	}
	if gross+proposal > m.cfg.TotalExposureCap*req.Equity {
		return reject(ReasonTotalExposure)
	}
	if bySymbol[req.Symbol]+proposal > m.cfg.SingleAssetCap*req.Equity {
		return reject(ReasonSingleAsset)
	}
	if bySector[m.sectorFor(req.Symbol)]+proposal > m.cfg.SectorCap*req.Equity {
		return reject(ReasonSectorCap)
	}
	for _, held := range sortedSymbols(bySymbol) {
		if held == req.Symbol {
			continue
		}
		if m.correlation(held, req.Symbol) >= m.cfg.CorrelationCutoff {
			return reject(ReasonCorrelation)
		}
	}
	if req.Equity > 0 && req.MarginUsed/req.Equity > m.cfg.MarginCap {
		return reject(ReasonMarginCap)
	}
	if windowed+proposal > m.cfg.VelocityCapPct*req.Equity {
		return reject(ReasonCapitalVelocity)
	}

	adjusted := req.ProposedRiskPct
	if adjusted > m.cfg.SingleAssetCap {
		adjusted = m.cfg.SingleAssetCap
	}
	book.deployments = append(book.deployments, deployment{at: req.Now, amount: req.Equity * adjusted})
	book.lastState.WindowedDeployed = book.windowedSum()
	return Verdict{Allow: true, AdjustedRiskPct: adjusted}
}

func (b *tenantBook) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := b.deployments[:0]
	for _, d := range b.deployments {
		if d.at.After(cutoff) {
			kept = append(kept, d)
		}
	}
	b.deployments = kept
}

func (b *tenantBook) windowedSum() float64 {
	sum := 0.0
	for _, d := range b.deployments {
		sum += d.amount
	}
	return sum
}

// sortedSymbols keeps the correlation walk deterministic.
func sortedSymbols(exposure map[string]float64) []string {
	out := make([]string, 0, len(exposure))
	for sym := range exposure {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns the exposures rebuilt on the tenant's last Evaluate.
func (m *Manager) Snapshot(tenantID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.tenants[tenantID]
	if !ok {
		return State{}
	}
	st := book.lastState
	st.ExposureBySymbol = copyMap(book.lastState.ExposureBySymbol)
	st.ExposureBySector = copyMap(book.lastState.ExposureBySector)
	return st
}

func copyMap(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Reset clears the tenant's deployment log and cached exposures.
func (m *Manager) Reset(tenantID string) {
	m.mu.Lock()
	delete(m.tenants, tenantID)
	m.mu.Unlock()
}
