package risk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"trading-guard/pkg/exchanges/common"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputeLevels(t *testing.T) {
	params := Params{StopLossPct: dec("0.02"), TakeProfitPct: dec("0.05"), LimitOffsetPct: dec("0.001")}
	bounds := ATRBounds{
		Enabled:     true,
		StopMinMult: dec("1"), StopMaxMult: dec("3"),
		TakeMinMult: dec("2"), TakeMaxMult: dec("6"),
	}

	tests := []struct {
		name      string
		side      common.Side
		atr       string
		wantExit  common.Side
		wantStop  string
		wantLimit string
		wantTake  string
	}{
		{"long percentage", common.SideBuy, "0", common.SideSell, "49000", "48951", "52500"},
		{"short percentage", common.SideSell, "0", common.SideBuy, "51000", "51051", "47500"},
		// ATR 1500 raises both distances to their minimums: 1500 and 3000
		{"long atr clamped", common.SideBuy, "1500", common.SideSell, "48500", "48451.5", "53000"},
		// ATR 100 caps them at 300 and 600
		{"long atr caps", common.SideBuy, "100", common.SideSell, "49700", "49650.3", "50600"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lv, err := ComputeLevels(params, bounds, tt.side, dec("50000"), dec(tt.atr))
			if err != nil {
				t.Fatalf("ComputeLevels: %v", err)
			}
			if lv.ExitSide != tt.wantExit {
				t.Fatalf("exit side=%s, expected %s", lv.ExitSide, tt.wantExit)
			}
			if !lv.StopTrigger.Equal(dec(tt.wantStop)) {
				t.Fatalf("stop=%s, expected %s", lv.StopTrigger, tt.wantStop)
			}
			if !lv.StopLimit.Equal(dec(tt.wantLimit)) {
				t.Fatalf("stop limit=%s, expected %s", lv.StopLimit, tt.wantLimit)
			}
			if !lv.TakeTrigger.Equal(dec(tt.wantTake)) || !lv.TakeLimit.Equal(lv.TakeTrigger) {
				t.Fatalf("take=%s/%s, expected %s", lv.TakeTrigger, lv.TakeLimit, tt.wantTake)
			}
		})
	}
}

func TestComputeLevelsRejectsBadInput(t *testing.T) {
	p := DefaultProfile()
	if _, err := ComputeLevels(p.Default, p.ATR, common.SideBuy, decimal.Zero, decimal.Zero); !errors.Is(err, common.ErrValidation) {
		t.Fatalf("zero entry: err=%v", err)
	}
	huge := Params{StopLossPct: dec("1.5"), TakeProfitPct: dec("0.05")}
	if _, err := ComputeLevels(huge, p.ATR, common.SideBuy, dec("100"), decimal.Zero); !errors.Is(err, common.ErrValidation) {
		t.Fatalf("negative stop: err=%v", err)
	}
}

const profileYAML = `
stop_loss_pct: "0.03"
take_profit_pct: 0.06
atr:
  enabled: true
  period: 21
  stop_max_mult: "2.5"
symbols:
  eth_usdt:
    stop_loss_pct: "0.04"
`

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile([]byte(profileYAML), DefaultProfile())
	if err != nil {
		t.Fatalf("ParseProfile: %v", err)
	}
	if !p.Default.StopLossPct.Equal(dec("0.03")) || !p.Default.TakeProfitPct.Equal(dec("0.06")) {
		t.Fatalf("default params=%+v", p.Default)
	}
	if !p.ATR.Enabled || p.ATR.Period != 21 || !p.ATR.StopMaxMult.Equal(dec("2.5")) || p.ATR.Timeframe != "1h" {
		t.Fatalf("atr=%+v", p.ATR)
	}
	eth := p.For("ETH_USDT")
	if !eth.StopLossPct.Equal(dec("0.04")) || !eth.TakeProfitPct.Equal(dec("0.06")) {
		t.Fatalf("override=%+v", eth)
	}
	if !p.For("BTC_USDT").StopLossPct.Equal(dec("0.03")) {
		t.Fatalf("unlisted symbol should use default")
	}
}

func TestParseProfileRejectsInvalid(t *testing.T) {
	for _, doc := range []string{
		`stop_loss_pct: "abc"`,
		`stop_loss_pct: "0"`,
		"atr:\n  enabled: true\n  stop_min_mult: \"5\"\n  stop_max_mult: \"1\"",
	} {
		if _, err := ParseProfile([]byte(doc), DefaultProfile()); err == nil {
			t.Fatalf("expected error for %q", doc)
		}
	}
}

type fixedATR struct {
	v   decimal.Decimal
	err error
}

func (f fixedATR) ATR(context.Context, string) (decimal.Decimal, bool, error) {
	return f.v, f.err == nil, f.err
}

func TestManagerPlanAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.yaml")
	if err := os.WriteFile(path, []byte("atr:\n  enabled: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(DefaultProfile(), fixedATR{v: dec("100")})
	if err := m.LoadFile(path, DefaultProfile()); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	lv, err := m.Plan(context.Background(), "BTC_USDT", common.SideBuy, dec("50000"))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !lv.StopTrigger.Equal(dec("49700")) || !lv.ATR.Equal(dec("100")) {
		t.Fatalf("levels=%+v", lv)
	}

	if err := os.WriteFile(path, []byte("stop_loss_pct: \"0.01\"\natr:\n  enabled: false\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	lv, _ = m.Plan(context.Background(), "BTC_USDT", common.SideBuy, dec("50000"))
	if !lv.StopTrigger.Equal(dec("49500")) {
		t.Fatalf("after reload stop=%s", lv.StopTrigger)
	}
}

func TestManagerFallsBackWhenATRFails(t *testing.T) {
	p := DefaultProfile()
	p.ATR.Enabled = true
	m := NewManager(p, fixedATR{err: errors.New("candles down")})
	lv, err := m.Plan(context.Background(), "BTC_USDT", common.SideBuy, dec("100"))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !lv.StopTrigger.Equal(dec("98")) || !lv.ATR.IsZero() {
		t.Fatalf("levels=%+v", lv)
	}
}
