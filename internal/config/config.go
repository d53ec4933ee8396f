package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr string `yaml:"addr"`
}

type Reconnect struct {
	BaseDelayMs   int     `yaml:"base_delay_ms"`
	MaxDelayMs    int     `yaml:"max_delay_ms"`
	Factor        float64 `yaml:"factor"`
	JitterMs      int     `yaml:"jitter_ms"`
	StableAfterMs int     `yaml:"stable_after_ms"`
}

type Feed struct {
	URL                string    `yaml:"url"`
	Symbols            []string  `yaml:"symbols"`
	EmitIntervalMs     int       `yaml:"emit_interval_ms"`
	StaleTimeoutMs     int       `yaml:"stale_timeout_ms"`
	SymbolStaleMs      int       `yaml:"symbol_stale_ms"`
	WatchdogIntervalMs int       `yaml:"watchdog_interval_ms"`
	VolatilityAlpha    float64   `yaml:"volatility_alpha"`
	HighVolThreshold   float64   `yaml:"high_vol_threshold"`
	LowVolThreshold    float64   `yaml:"low_vol_threshold"`
	Reconnect          Reconnect `yaml:"reconnect"`
}

type Sandbox struct {
	LatencyMsMin           int     `yaml:"latency_ms_min"`
	LatencyMsMax           int     `yaml:"latency_ms_max"`
	SlippageBpsMin         int     `yaml:"slippage_bps_min"`
	SlippageBpsMax         int     `yaml:"slippage_bps_max"`
	ForceCloseSlippageMult float64 `yaml:"force_close_slippage_mult"`
	PartialFillProb        float64 `yaml:"partial_fill_prob"`
}

type Execution struct {
	KillSwitch              bool    `yaml:"kill_switch"`
	Primary                 string  `yaml:"primary"`
	Secondary               string  `yaml:"secondary"`
	Tertiary                string  `yaml:"tertiary"`
	AttemptTimeoutMs        int     `yaml:"attempt_timeout_ms"`
	FailureThreshold        int     `yaml:"failure_threshold"`
	CooldownMs              int     `yaml:"cooldown_ms"`
	LatencyWeight           float64 `yaml:"latency_weight"`
	ForceCloseLatencyWeight float64 `yaml:"force_close_latency_weight"`
	LatencyWindow           int     `yaml:"latency_window"`
	Sandbox                 Sandbox `yaml:"sandbox"`
}

type Strategy struct {
	BufferSize          int     `yaml:"buffer_size"`
	WarmupTicks         int     `yaml:"warmup_ticks"`
	MomentumWindow      int     `yaml:"momentum_window"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	EdgeThreshold       float64 `yaml:"edge_threshold"`
	TrendBoost          float64 `yaml:"trend_boost"`
	RangeDamp           float64 `yaml:"range_damp"`
	MinTradesForEval    int     `yaml:"min_trades_for_eval"`
	WinRateWindow       int     `yaml:"win_rate_window"`
}

type Fusion struct {
	HistorySize         int     `yaml:"history_size"`
	SignalMemory        int     `yaml:"signal_memory"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	EdgeThreshold       float64 `yaml:"edge_threshold"`
}

type Decision struct {
	SmoothingAlpha float64 `yaml:"smoothing_alpha"`
	BaseRiskPct    float64 `yaml:"base_risk_pct"`
	MinRiskPct     float64 `yaml:"min_risk_pct"`
	MaxRiskPct     float64 `yaml:"max_risk_pct"`
	CalmLossStreak int     `yaml:"calm_loss_streak"`
	LossStreakCap  int     `yaml:"loss_streak_cap"`
}

type Risk struct {
	MaxDrawdownPct  float64 `yaml:"max_drawdown_pct"`
	DailyLossPct    float64 `yaml:"daily_loss_pct"`
	LossClusterSize int     `yaml:"loss_cluster_size"`
	CooldownMinutes int     `yaml:"cooldown_minutes"`
}

type Portfolio struct {
	CapitalBufferPct      float64 `yaml:"capital_buffer_pct"`
	TotalExposureCap      float64 `yaml:"total_exposure_cap"`
	SingleAssetCap        float64 `yaml:"single_asset_cap"`
	SectorCap             float64 `yaml:"sector_cap"`
	CorrelationCutoff     float64 `yaml:"correlation_cutoff"`
	MarginCap             float64 `yaml:"margin_cap"`
	VelocityWindowMinutes int     `yaml:"velocity_window_minutes"`
	VelocityCapPct        float64 `yaml:"velocity_cap_pct"`
}

type Allocator struct {
	BasePct float64 `yaml:"base_pct"`
	MinPct  float64 `yaml:"min_pct"`
	MaxPct  float64 `yaml:"max_pct"`
}

type Profile struct {
	TakeProfitPct  float64 `yaml:"take_profit_pct"`
	StopLossPct    float64 `yaml:"stop_loss_pct"`
	MaxHoldMinutes int     `yaml:"max_hold_minutes"`
}

type Paper struct {
	StartBalance    float64 `yaml:"start_balance"`
	BaselinePct     float64 `yaml:"baseline_pct"`
	MaxPct          float64 `yaml:"max_pct"`
	MaxTradesPerDay int     `yaml:"max_trades_per_day"`
	TierSize        float64 `yaml:"tier_size"`
	FeeRate         float64 `yaml:"fee_rate"`
	SpreadPct       float64 `yaml:"spread_pct"`
	SlippagePct     float64 `yaml:"slippage_pct"`
	Scalp           Profile `yaml:"scalp"`
	Swing           Profile `yaml:"swing"`
}

type Live struct {
	Enabled        bool `yaml:"enabled"`
	ExecuteEnabled bool `yaml:"execute_enabled"`
	IntentHistory  int  `yaml:"intent_history"`
}

type Persistence struct {
	Dir             string `yaml:"dir"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
}

type Events struct {
	Path string `yaml:"path"`
}

type Root struct {
	Server      Server      `yaml:"server"`
	Feed        Feed        `yaml:"feed"`
	Execution   Execution   `yaml:"execution"`
	Strategy    Strategy    `yaml:"strategy"`
	Fusion      Fusion      `yaml:"fusion"`
	Decision    Decision    `yaml:"decision"`
	Risk        Risk        `yaml:"risk"`
	Portfolio   Portfolio   `yaml:"portfolio"`
	Allocator   Allocator   `yaml:"allocator"`
	Paper       Paper       `yaml:"paper"`
	Live        Live        `yaml:"live"`
	Persistence Persistence `yaml:"persistence"`
	Events      Events      `yaml:"events"`
}

// Load reads a yaml config and fills zero values with defaults.
// An empty path returns the defaults outright.
func Load(path string) (Root, error) {
	var c Root
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, err
		}
	}
	applyDefaults(&c)
	return c, nil
}

func applyDefaults(c *Root) {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}

	if c.Feed.URL == "" {
		c.Feed.URL = "wss://stream.binance.com:9443/ws"
	}
	if len(c.Feed.Symbols) == 0 {
		c.Feed.Symbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	}
	if c.Feed.EmitIntervalMs == 0 {
		c.Feed.EmitIntervalMs = 250
	}
	if c.Feed.StaleTimeoutMs == 0 {
		c.Feed.StaleTimeoutMs = 30000
	}
	if c.Feed.SymbolStaleMs == 0 {
		c.Feed.SymbolStaleMs = 10000
	}
	if c.Feed.WatchdogIntervalMs == 0 {
		c.Feed.WatchdogIntervalMs = 5000
	}
	if c.Feed.VolatilityAlpha == 0 {
		c.Feed.VolatilityAlpha = 0.2
	}
	if c.Feed.HighVolThreshold == 0 {
		c.Feed.HighVolThreshold = 0.004
	}
	if c.Feed.LowVolThreshold == 0 {
		c.Feed.LowVolThreshold = 0.0003
	}
	if c.Feed.Reconnect.BaseDelayMs == 0 {
		c.Feed.Reconnect.BaseDelayMs = 1000
	}
	if c.Feed.Reconnect.MaxDelayMs == 0 {
		c.Feed.Reconnect.MaxDelayMs = 30000
	}
	if c.Feed.Reconnect.Factor == 0 {
		c.Feed.Reconnect.Factor = 2.0
	}
	if c.Feed.Reconnect.JitterMs == 0 {
		c.Feed.Reconnect.JitterMs = 400
	}
	if c.Feed.Reconnect.StableAfterMs == 0 {
		c.Feed.Reconnect.StableAfterMs = 60000
	}

	if c.Execution.Primary == "" {
		c.Execution.Primary = "sandbox_alpha"
	}
	if c.Execution.Secondary == "" {
		c.Execution.Secondary = "sandbox_beta"
	}
	if c.Execution.Tertiary == "" {
		c.Execution.Tertiary = "sandbox_gamma"
	}
	if c.Execution.AttemptTimeoutMs == 0 {
		c.Execution.AttemptTimeoutMs = 2000
	}
	if c.Execution.FailureThreshold == 0 {
		c.Execution.FailureThreshold = 3
	}
	if c.Execution.CooldownMs == 0 {
		c.Execution.CooldownMs = 30000
	}
	if c.Execution.LatencyWeight == 0 {
		c.Execution.LatencyWeight = 0.3
	}
	if c.Execution.ForceCloseLatencyWeight == 0 {
		c.Execution.ForceCloseLatencyWeight = 0.6
	}
	if c.Execution.LatencyWindow == 0 {
		c.Execution.LatencyWindow = 50
	}
	if c.Execution.Sandbox.LatencyMsMin == 0 {
		c.Execution.Sandbox.LatencyMsMin = 20
	}
	if c.Execution.Sandbox.LatencyMsMax == 0 {
		c.Execution.Sandbox.LatencyMsMax = 120
	}
	if c.Execution.Sandbox.SlippageBpsMin == 0 {
		c.Execution.Sandbox.SlippageBpsMin = 1
	}
	if c.Execution.Sandbox.SlippageBpsMax == 0 {
		c.Execution.Sandbox.SlippageBpsMax = 8
	}
	if c.Execution.Sandbox.ForceCloseSlippageMult == 0 {
		c.Execution.Sandbox.ForceCloseSlippageMult = 2.5
	}
	if c.Execution.Sandbox.PartialFillProb == 0 {
		c.Execution.Sandbox.PartialFillProb = 0.15
	}

	if c.Strategy.BufferSize == 0 {
		c.Strategy.BufferSize = 120
	}
	if c.Strategy.WarmupTicks == 0 {
		c.Strategy.WarmupTicks = 20
	}
	if c.Strategy.MomentumWindow == 0 {
		c.Strategy.MomentumWindow = 10
	}
	if c.Strategy.ConfidenceThreshold == 0 {
		c.Strategy.ConfidenceThreshold = 0.55
	}
	if c.Strategy.EdgeThreshold == 0 {
		c.Strategy.EdgeThreshold = 0.25
	}
	if c.Strategy.TrendBoost == 0 {
		c.Strategy.TrendBoost = 1.25
	}
	if c.Strategy.RangeDamp == 0 {
		c.Strategy.RangeDamp = 0.8
	}
	if c.Strategy.MinTradesForEval == 0 {
		c.Strategy.MinTradesForEval = 10
	}
	if c.Strategy.WinRateWindow == 0 {
		c.Strategy.WinRateWindow = 20
	}

	if c.Fusion.HistorySize == 0 {
		c.Fusion.HistorySize = 50
	}
	if c.Fusion.SignalMemory == 0 {
		c.Fusion.SignalMemory = 12
	}
	if c.Fusion.ConfidenceThreshold == 0 {
		c.Fusion.ConfidenceThreshold = 0.75
	}
	if c.Fusion.EdgeThreshold == 0 {
		c.Fusion.EdgeThreshold = 0.3
	}

	if c.Decision.SmoothingAlpha == 0 {
		c.Decision.SmoothingAlpha = 0.3
	}
	if c.Decision.BaseRiskPct == 0 {
		c.Decision.BaseRiskPct = 0.02
	}
	if c.Decision.MinRiskPct == 0 {
		c.Decision.MinRiskPct = 0.005
	}
	if c.Decision.MaxRiskPct == 0 {
		c.Decision.MaxRiskPct = 0.05
	}
	if c.Decision.CalmLossStreak == 0 {
		c.Decision.CalmLossStreak = 3
	}
	if c.Decision.LossStreakCap == 0 {
		c.Decision.LossStreakCap = 5
	}

	if c.Risk.MaxDrawdownPct == 0 {
		c.Risk.MaxDrawdownPct = 0.20
	}
	if c.Risk.DailyLossPct == 0 {
		c.Risk.DailyLossPct = 0.05
	}
	if c.Risk.LossClusterSize == 0 {
		c.Risk.LossClusterSize = 3
	}
	if c.Risk.CooldownMinutes == 0 {
		c.Risk.CooldownMinutes = 15
	}

	if c.Portfolio.CapitalBufferPct == 0 {
		c.Portfolio.CapitalBufferPct = 0.10
	}
	if c.Portfolio.TotalExposureCap == 0 {
		c.Portfolio.TotalExposureCap = 0.60
	}
	if c.Portfolio.SingleAssetCap == 0 {
		c.Portfolio.SingleAssetCap = 0.25
	}
	if c.Portfolio.SectorCap == 0 {
		c.Portfolio.SectorCap = 0.40
	}
	if c.Portfolio.CorrelationCutoff == 0 {
		c.Portfolio.CorrelationCutoff = 0.80
	}
	if c.Portfolio.MarginCap == 0 {
		c.Portfolio.MarginCap = 0.70
	}
	if c.Portfolio.VelocityWindowMinutes == 0 {
		c.Portfolio.VelocityWindowMinutes = 10
	}
	if c.Portfolio.VelocityCapPct == 0 {
		c.Portfolio.VelocityCapPct = 0.35
	}

	if c.Allocator.BasePct == 0 {
		c.Allocator.BasePct = 0.02
	}
	if c.Allocator.MinPct == 0 {
		c.Allocator.MinPct = 0.005
	}
	if c.Allocator.MaxPct == 0 {
		c.Allocator.MaxPct = 0.05
	}

	if c.Paper.StartBalance == 0 {
		c.Paper.StartBalance = 100000
	}
	if c.Paper.BaselinePct == 0 {
		c.Paper.BaselinePct = 0.03
	}
	if c.Paper.MaxPct == 0 {
		c.Paper.MaxPct = 0.08
	}
	if c.Paper.MaxTradesPerDay == 0 {
		c.Paper.MaxTradesPerDay = 12
	}
	if c.Paper.TierSize == 0 {
		c.Paper.TierSize = 100000
	}
	if c.Paper.FeeRate == 0 {
		c.Paper.FeeRate = 0.0005
	}
	if c.Paper.SpreadPct == 0 {
		c.Paper.SpreadPct = 0.0002
	}
	if c.Paper.SlippagePct == 0 {
		c.Paper.SlippagePct = 0.0003
	}
	if c.Paper.Scalp.TakeProfitPct == 0 {
		c.Paper.Scalp.TakeProfitPct = 0.01
	}
	if c.Paper.Scalp.StopLossPct == 0 {
		c.Paper.Scalp.StopLossPct = 0.005
	}
	if c.Paper.Scalp.MaxHoldMinutes == 0 {
		c.Paper.Scalp.MaxHoldMinutes = 15
	}
	if c.Paper.Swing.TakeProfitPct == 0 {
		c.Paper.Swing.TakeProfitPct = 0.025
	}
	if c.Paper.Swing.StopLossPct == 0 {
		c.Paper.Swing.StopLossPct = 0.012
	}
	if c.Paper.Swing.MaxHoldMinutes == 0 {
		c.Paper.Swing.MaxHoldMinutes = 240
	}

	if c.Live.IntentHistory == 0 {
		c.Live.IntentHistory = 100
	}

	if c.Persistence.Dir == "" {
		c.Persistence.Dir = "data/state"
	}
	if c.Persistence.FlushIntervalMs == 0 {
		c.Persistence.FlushIntervalMs = 2000
	}

	if c.Events.Path == "" {
		c.Events.Path = "data/events.jsonl"
	}
}
