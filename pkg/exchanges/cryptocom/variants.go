package cryptocom

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"trading-guard/pkg/db"
	"trading-guard/pkg/exchanges/common"
)

// MaxVariantsPerType caps how many request shapes are tried for one
// conditional order.
const MaxVariantsPerType = 220

// ConditionStyle selects how trigger_condition is rendered, if at all.
type ConditionStyle string

const (
	ConditionNone    ConditionStyle = "none"
	ConditionSpaced  ConditionStyle = "spaced"  // "<= 49000.00"
	ConditionCompact ConditionStyle = "compact" // "<=49000.00"
)

// Variant describes one accepted-or-not shape of a conditional order request.
type Variant struct {
	TriggerKey  string
	Numeric     bool // encode price fields as JSON numbers instead of strings
	Condition   ConditionStyle
	TimeInForce bool
	ClientOID   bool
	TypeAlias   bool // STOP_LOSS / TAKE_PROFIT instead of the *_LIMIT names
}

// ID is a stable key for the variant, used by the preference memo.
func (v Variant) ID() string {
	enc := "str"
	if v.Numeric {
		enc = "num"
	}
	return fmt.Sprintf("%s/%s/cond=%s/tif=%t/oid=%t/alias=%t",
		v.TriggerKey, enc, v.Condition, v.TimeInForce, v.ClientOID, v.TypeAlias)
}

// variantAxes is the declarative description of the table. Each axis lists
// the values one field may take; the first value of every axis together is
// the documented request shape.
var variantAxes = []struct {
	name   string
	values []func(*Variant)
}{
	{"trigger_key", []func(*Variant){
		func(v *Variant) { v.TriggerKey = "ref_price" },
		func(v *Variant) { v.TriggerKey = "trigger_price" },
		func(v *Variant) { v.TriggerKey = "stop_price" },
	}},
	{"encoding", []func(*Variant){
		func(v *Variant) { v.Numeric = false },
		func(v *Variant) { v.Numeric = true },
	}},
	{"condition", []func(*Variant){
		func(v *Variant) { v.Condition = ConditionNone },
		func(v *Variant) { v.Condition = ConditionSpaced },
		func(v *Variant) { v.Condition = ConditionCompact },
	}},
	{"client_oid", []func(*Variant){
		func(v *Variant) { v.ClientOID = true },
		func(v *Variant) { v.ClientOID = false },
	}},
	{"time_in_force", []func(*Variant){
		func(v *Variant) { v.TimeInForce = false },
		func(v *Variant) { v.TimeInForce = true },
	}},
	{"type_alias", []func(*Variant){
		func(v *Variant) { v.TypeAlias = false },
		func(v *Variant) { v.TypeAlias = true },
	}},
}

// BuildVariantTable expands the axes into a flat, de-duplicated list of at
// most MaxVariantsPerType entries. Later axes vary fastest.
func BuildVariantTable() []Variant {
	table := []Variant{{}}
	for _, axis := range variantAxes {
		next := make([]Variant, 0, len(table)*len(axis.values))
		for _, base := range table {
			for _, apply := range axis.values {
				v := base
				apply(&v)
				next = append(next, v)
			}
		}
		table = next
	}

	seen := make(map[string]bool, len(table))
	out := make([]Variant, 0, len(table))
	for _, v := range table {
		if seen[v.ID()] {
			continue
		}
		seen[v.ID()] = true
		out = append(out, v)
		if len(out) == MaxVariantsPerType {
			break
		}
	}
	return out
}

// conditionalOrder holds already-normalized values for one SL/TP request.
type conditionalOrder struct {
	symbol    string
	side      common.Side
	orderType common.OrderType
	quantity  string
	price     string
	trigger   string
	clientOID string
}

// typeName is the wire name of the order type under this variant.
func (v Variant) typeName(t common.OrderType) string {
	if !v.TypeAlias {
		return string(t)
	}
	switch t {
	case common.OrderTypeStopLimit:
		return "STOP_LOSS"
	case common.OrderTypeTakeProfitLimit:
		return "TAKE_PROFIT"
	}
	return string(t)
}

// triggerOperator is the comparison under which the trigger fires.
func triggerOperator(t common.OrderType, side common.Side) string {
	// A sell stop fires on the way down, a sell target on the way up.
	down := (t == common.OrderTypeStopLimit) == (side == common.SideSell)
	if down {
		return "<="
	}
	return ">="
}

func (v Variant) encode(s string) any {
	if v.Numeric {
		return json.Number(s)
	}
	return s
}

// params renders the request params for o under this variant.
func (v Variant) params(o conditionalOrder) map[string]any {
	p := map[string]any{
		"instrument_name": o.symbol,
		"side":            string(o.side),
		"type":            v.typeName(o.orderType),
		"quantity":        v.encode(o.quantity),
		"price":           v.encode(o.price),
		v.TriggerKey:      v.encode(o.trigger),
	}
	if v.ClientOID && o.clientOID != "" {
		p["client_oid"] = o.clientOID
	}
	if v.TimeInForce {
		p["time_in_force"] = "GOOD_TILL_CANCEL"
	}
	op := triggerOperator(o.orderType, o.side)
	switch v.Condition {
	case ConditionSpaced:
		p["trigger_condition"] = op + " " + o.trigger
	case ConditionCompact:
		p["trigger_condition"] = op + o.trigger
	}
	return p
}

// MemoKey identifies which remembered variant applies to a call.
type MemoKey struct {
	Symbol    string
	OrderType common.OrderType
	Proxy     bool
}

// PreferenceStore persists remembered variants across restarts.
type PreferenceStore interface {
	SaveVariantPreference(ctx context.Context, p db.VariantPreference) error
	ListVariantPreferences(ctx context.Context) ([]db.VariantPreference, error)
}

// VariantMemo remembers the first accepted variant per key. Reads are served
// from memory; writes go through to the store when one is set.
type VariantMemo struct {
	mu    sync.RWMutex
	m     map[MemoKey]string
	store PreferenceStore
	log   *logrus.Entry
}

// NewVariantMemo creates a memo; store may be nil.
func NewVariantMemo(store PreferenceStore) *VariantMemo {
	return &VariantMemo{
		m:     make(map[MemoKey]string),
		store: store,
		log:   logrus.WithField("component", "variant-memo"),
	}
}

// Load reads persisted preferences into memory.
func (m *VariantMemo) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	prefs, err := m.store.ListVariantPreferences(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range prefs {
		m.m[MemoKey{Symbol: p.Symbol, OrderType: common.OrderType(p.OrderType), Proxy: p.ProxyMode}] = p.VariantID
	}
	m.log.WithField("count", len(prefs)).Info("loaded variant preferences")
	return nil
}

// Get returns the remembered variant id for key.
func (m *VariantMemo) Get(key MemoKey) (string, bool) {
	key.Symbol = strings.ToUpper(key.Symbol)
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.m[key]
	return id, ok
}

// Remember records id for key. Persistence failures are logged only: the
// memo is an optimisation and the order has already been accepted.
func (m *VariantMemo) Remember(ctx context.Context, key MemoKey, id string) {
	key.Symbol = strings.ToUpper(key.Symbol)
	m.mu.Lock()
	prev := m.m[key]
	m.m[key] = id
	m.mu.Unlock()
	if prev == id || m.store == nil {
		return
	}
	err := m.store.SaveVariantPreference(ctx, db.VariantPreference{
		Symbol: key.Symbol, OrderType: string(key.OrderType), ProxyMode: key.Proxy, VariantID: id,
	})
	if err != nil {
		m.log.WithError(err).WithField("key", key).Warn("persist variant preference failed")
	}
}

// ordered returns the table with the remembered variant (if any) first.
func ordered(table []Variant, preferred string) []Variant {
	if preferred == "" {
		return table
	}
	out := make([]Variant, 0, len(table))
	for _, v := range table {
		if v.ID() == preferred {
			out = append(out, v)
			break
		}
	}
	if len(out) == 0 {
		return table
	}
	for _, v := range table {
		if v.ID() != preferred {
			out = append(out, v)
		}
	}
	return out
}
