package fusion

import (
	"math"
	"testing"

	"github.com/quantfold/engine/internal/config"
	"github.com/quantfold/engine/internal/strategy"
)

func testFusionCfg() config.Fusion {
	return config.Fusion{
		HistorySize:         50,
		SignalMemory:        12,
		ConfidenceThreshold: 0.75,
		EdgeThreshold:       0.3,
	}
}

func TestRecordOutcomeComputesExpectancyStats(t *testing.T) {
	b := NewBrain(testFusionCfg())
	for _, pnl := range []float64{10, 20, -15} {
		b.RecordOutcome("t1", pnl)
	}
	s := b.Snapshot("t1")

	if math.Abs(s.WinRate-2.0/3.0) > 1e-9 {
		t.Errorf("winRate = %v, want 2/3", s.WinRate)
	}
	if s.AvgWin != 15 {
		t.Errorf("avgWin = %v, want 15", s.AvgWin)
	}
	if s.AvgLoss != 15 {
		t.Errorf("avgLoss = %v, want 15", s.AvgLoss)
	}
	if math.Abs(s.Expectancy-5) > 1e-9 {
		t.Errorf("expectancy = %v, want 5", s.Expectancy)
	}
	if math.Abs(s.Bias-1.4) > 1e-9 {
		t.Errorf("bias = %v, want 1+winRate*0.6 = 1.4", s.Bias)
	}
}

func TestRecordOutcomeNegativeExpectancyShrinksBias(t *testing.T) {
	b := NewBrain(testFusionCfg())
	for _, pnl := range []float64{-10, -10, 10} {
		b.RecordOutcome("t1", pnl)
	}
	s := b.Snapshot("t1")

	if s.Expectancy >= 0 {
		t.Fatalf("expectancy = %v, want negative", s.Expectancy)
	}
	// expectancy -10/3 against avgLoss 10 -> bias 1 - 0.5/3
	if math.Abs(s.Bias-(1-0.5/3)) > 1e-9 {
		t.Errorf("bias = %v, want %v", s.Bias, 1-0.5/3)
	}
	if s.Bias < biasMin {
		t.Errorf("bias %v below floor %v", s.Bias, biasMin)
	}
}

func TestOutcomeHistoryBounded(t *testing.T) {
	cfg := testFusionCfg()
	cfg.HistorySize = 5
	b := NewBrain(cfg)

	// five old losses pushed out by five wins
	for i := 0; i < 5; i++ {
		b.RecordOutcome("t1", -10)
	}
	for i := 0; i < 5; i++ {
		b.RecordOutcome("t1", 10)
	}
	s := b.Snapshot("t1")
	if s.Outcomes != 5 {
		t.Fatalf("outcomes = %d, want bounded 5", s.Outcomes)
	}
	if s.WinRate != 1.0 {
		t.Errorf("winRate = %v, want 1.0 once losses roll off", s.WinRate)
	}
}

func TestProposeStaysQuietOnWeakSignal(t *testing.T) {
	b := NewBrain(testFusionCfg())
	sig := strategy.Signal{Action: strategy.ActionBuy, Confidence: 0.5, Edge: 0.4}

	v := b.Propose("t1", sig)
	if v.Action != strategy.ActionWait {
		t.Fatalf("action = %s, want WAIT", v.Action)
	}
	if v.Confidence != 0.5 || v.Edge != 0.4 {
		t.Errorf("WAIT must carry raw figures, got %+v", v)
	}
}

func TestProposeBoostsStrongConsistentSignal(t *testing.T) {
	b := NewBrain(testFusionCfg())
	// positive expectancy at 2/3 win rate -> bias 1.4
	for _, pnl := range []float64{10, 20, -15} {
		b.RecordOutcome("t1", pnl)
	}

	sig := strategy.Signal{Action: strategy.ActionBuy, Confidence: 0.6, Edge: 0.5}
	v := b.Propose("t1", sig)

	if v.Action != strategy.ActionBuy {
		t.Fatalf("action = %s, want BUY", v.Action)
	}
	if math.Abs(v.Confidence-0.84) > 1e-9 { // 0.6 * 1.4, consistency 1
		t.Errorf("confidence = %v, want 0.84", v.Confidence)
	}
	if math.Abs(v.Edge-0.7) > 1e-9 {
		t.Errorf("edge = %v, want 0.7", v.Edge)
	}
}

func TestProposePenalizesOscillation(t *testing.T) {
	b := NewBrain(testFusionCfg())
	for _, pnl := range []float64{10, 20, -15} {
		b.RecordOutcome("t1", pnl) // bias 1.4, same as the boost test
	}

	// alternate sides until the memory is evenly split
	for i := 0; i < 12; i++ {
		action := strategy.ActionBuy
		if i%2 == 1 {
			action = strategy.ActionSell
		}
		b.Propose("t1", strategy.Signal{Action: action, Confidence: 0.6, Edge: 0.5})
	}

	v := b.Propose("t1", strategy.Signal{Action: strategy.ActionBuy, Confidence: 0.6, Edge: 0.5})
	if v.Action != strategy.ActionWait {
		t.Fatalf("action = %s, oscillating memory must suppress the proposal", v.Action)
	}
	if v.Confidence != 0.6 {
		t.Errorf("confidence = %v, want raw 0.6", v.Confidence)
	}
}

func TestProposeNeverInventsDirection(t *testing.T) {
	b := NewBrain(testFusionCfg())
	for i := 0; i < 10; i++ {
		b.RecordOutcome("t1", 50) // strongly positive bias
	}

	v := b.Propose("t1", strategy.Signal{Action: strategy.ActionWait, Confidence: 0.9, Edge: 0.9})
	if v.Action != strategy.ActionWait {
		t.Fatalf("action = %s, a WAIT input can never become directional", v.Action)
	}
}

func TestConsistencyScore(t *testing.T) {
	cases := []struct {
		name    string
		signals []string
		want    float64
	}{
		{"empty memory", nil, 1.0},
		{"sparse memory", []string{"BUY", "SELL"}, 1.0},
		{"all one side", []string{"BUY", "BUY", "BUY", "BUY"}, 1.0},
		{"even split", []string{"BUY", "SELL", "BUY", "SELL"}, 0.0},
		{"three to one", []string{"BUY", "BUY", "BUY", "SELL"}, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := consistencyScore(tc.signals); math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("consistencyScore = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResetDropsTenant(t *testing.T) {
	b := NewBrain(testFusionCfg())
	b.RecordOutcome("t1", 100)
	b.Reset("t1")
	if s := b.Snapshot("t1"); s.Outcomes != 0 || s.Bias != 1.0 {
		t.Errorf("snapshot after reset = %+v, want fresh state", s)
	}
}
