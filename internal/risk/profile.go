package risk

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ATRBounds clamps percentage distances into multiples of ATR.
type ATRBounds struct {
	Enabled     bool
	Period      int
	Timeframe   string
	StopMinMult decimal.Decimal
	StopMaxMult decimal.Decimal
	TakeMinMult decimal.Decimal
	TakeMaxMult decimal.Decimal
}

// Params are the protective distances for one symbol.
type Params struct {
	StopLossPct    decimal.Decimal
	TakeProfitPct  decimal.Decimal
	LimitOffsetPct decimal.Decimal // stop limit sits this far beyond its trigger
}

// Profile holds default params, per-symbol overrides and ATR bounds.
type Profile struct {
	Default Params
	Symbols map[string]Params
	ATR     ATRBounds
}

// DefaultProfile returns 2% stop, 5% target, no ATR bounds.
func DefaultProfile() Profile {
	return Profile{
		Default: Params{
			StopLossPct:    decimal.RequireFromString("0.02"),
			TakeProfitPct:  decimal.RequireFromString("0.05"),
			LimitOffsetPct: decimal.Zero,
		},
		Symbols: map[string]Params{},
		ATR: ATRBounds{
			Period:      14,
			Timeframe:   "1h",
			StopMinMult: decimal.NewFromInt(1),
			StopMaxMult: decimal.NewFromInt(3),
			TakeMinMult: decimal.NewFromInt(2),
			TakeMaxMult: decimal.NewFromInt(6),
		},
	}
}

// For returns the params that apply to symbol.
func (p Profile) For(symbol string) Params {
	if o, ok := p.Symbols[strings.ToUpper(symbol)]; ok {
		return o
	}
	return p.Default
}

// Validate rejects non-positive distances and inverted ATR bounds.
func (p Profile) Validate() error {
	check := func(name string, v Params) error {
		if !v.StopLossPct.IsPositive() || v.StopLossPct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("%s: stop_loss_pct must be in (0,1), got %s", name, v.StopLossPct)
		}
		if !v.TakeProfitPct.IsPositive() {
			return fmt.Errorf("%s: take_profit_pct must be positive, got %s", name, v.TakeProfitPct)
		}
		if v.LimitOffsetPct.IsNegative() {
			return fmt.Errorf("%s: limit_offset_pct must not be negative", name)
		}
		return nil
	}
	if err := check("default", p.Default); err != nil {
		return err
	}
	for sym, v := range p.Symbols {
		if err := check(sym, v); err != nil {
			return err
		}
	}
	if p.ATR.Enabled {
		if p.ATR.StopMinMult.GreaterThan(p.ATR.StopMaxMult) || p.ATR.TakeMinMult.GreaterThan(p.ATR.TakeMaxMult) {
			return fmt.Errorf("atr: min multiplier above max")
		}
	}
	return nil
}

// file mirrors the YAML layout. Numbers are kept as strings so they decode
// to exact decimals.
type file struct {
	StopLossPct    string                `yaml:"stop_loss_pct"`
	TakeProfitPct  string                `yaml:"take_profit_pct"`
	LimitOffsetPct string                `yaml:"limit_offset_pct"`
	ATR            *fileATR              `yaml:"atr"`
	Symbols        map[string]fileParams `yaml:"symbols"`
}

type fileATR struct {
	Enabled     bool   `yaml:"enabled"`
	Period      int    `yaml:"period"`
	Timeframe   string `yaml:"timeframe"`
	StopMinMult string `yaml:"stop_min_mult"`
	StopMaxMult string `yaml:"stop_max_mult"`
	TakeMinMult string `yaml:"take_min_mult"`
	TakeMaxMult string `yaml:"take_max_mult"`
}

type fileParams struct {
	StopLossPct    string `yaml:"stop_loss_pct"`
	TakeProfitPct  string `yaml:"take_profit_pct"`
	LimitOffsetPct string `yaml:"limit_offset_pct"`
}

// ParseProfile decodes YAML on top of base.
func ParseProfile(data []byte, base Profile) (Profile, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Profile{}, fmt.Errorf("parse risk profile: %w", err)
	}
	p := base
	var err error
	if p.Default, err = overlay(p.Default, fileParams{f.StopLossPct, f.TakeProfitPct, f.LimitOffsetPct}); err != nil {
		return Profile{}, err
	}
	if f.ATR != nil {
		p.ATR.Enabled = f.ATR.Enabled
		if f.ATR.Period > 0 {
			p.ATR.Period = f.ATR.Period
		}
		if f.ATR.Timeframe != "" {
			p.ATR.Timeframe = f.ATR.Timeframe
		}
		for _, m := range []struct {
			raw string
			dst *decimal.Decimal
		}{
			{f.ATR.StopMinMult, &p.ATR.StopMinMult},
			{f.ATR.StopMaxMult, &p.ATR.StopMaxMult},
			{f.ATR.TakeMinMult, &p.ATR.TakeMinMult},
			{f.ATR.TakeMaxMult, &p.ATR.TakeMaxMult},
		} {
			if err := setDecimal(m.raw, m.dst); err != nil {
				return Profile{}, err
			}
		}
	}
	p.Symbols = make(map[string]Params, len(f.Symbols))
	for sym, fp := range f.Symbols {
		v, err := overlay(p.Default, fp)
		if err != nil {
			return Profile{}, fmt.Errorf("symbol %s: %w", sym, err)
		}
		p.Symbols[strings.ToUpper(sym)] = v
	}
	return p, p.Validate()
}

// LoadProfile reads a YAML profile from path on top of base.
func LoadProfile(path string, base Profile) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read risk profile: %w", err)
	}
	return ParseProfile(data, base)
}

func overlay(base Params, f fileParams) (Params, error) {
	out := base
	for _, m := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{f.StopLossPct, &out.StopLossPct},
		{f.TakeProfitPct, &out.TakeProfitPct},
		{f.LimitOffsetPct, &out.LimitOffsetPct},
	} {
		if err := setDecimal(m.raw, m.dst); err != nil {
			return Params{}, err
		}
	}
	return out, nil
}

func setDecimal(raw string, dst *decimal.Decimal) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("invalid decimal %q: %w", raw, err)
	}
	*dst = v
	return nil
}
