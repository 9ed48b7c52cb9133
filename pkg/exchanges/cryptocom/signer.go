package cryptocom

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// maxParamDepth bounds recursion into nested params; deeper values are
// stringified as they are.
const maxParamDepth = 3

// SignedRequest is the JSON body of a private call.
type SignedRequest struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	APIKey string         `json:"api_key"`
	Params map[string]any `json:"params"`
	Nonce  int64          `json:"nonce"`
	Sig    string         `json:"sig"`
}

// Sign builds the request body. It is a pure function of its inputs.
func Sign(method string, params map[string]any, apiKey, secret string, nonce, id int64) SignedRequest {
	if params == nil {
		params = map[string]any{}
	}
	payload := method + strconv.FormatInt(id, 10) + apiKey + ParamString(params) + strconv.FormatInt(nonce, 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return SignedRequest{
		ID:     id,
		Method: method,
		APIKey: apiKey,
		Params: params,
		Nonce:  nonce,
		Sig:    hex.EncodeToString(mac.Sum(nil)),
	}
}

// LogFields exposes only lengths and previews of credentials.
func (r SignedRequest) LogFields() logrus.Fields {
	return logrus.Fields{
		"method":      r.Method,
		"id":          r.ID,
		"nonce":       r.Nonce,
		"api_key":     preview(r.APIKey),
		"api_key_len": len(r.APIKey),
		"sig":         preview(r.Sig),
		"param_keys":  len(r.Params),
	}
}

// ParamString is the canonical concatenation of params used in the
// signature payload: keys sorted, no separators.
func ParamString(params map[string]any) string {
	return paramString(params, 0)
}

func paramString(params map[string]any, level int) string {
	if level >= maxParamDepth {
		return fmt.Sprint(params)
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		switch v := params[k].(type) {
		case nil:
			b.WriteString("null")
		case map[string]any:
			b.WriteString(paramString(v, level+1))
		case []any:
			for _, el := range v {
				if m, ok := el.(map[string]any); ok {
					b.WriteString(paramString(m, level+1))
				} else {
					b.WriteString(scalarString(el))
				}
			}
		case []string:
			for _, el := range v {
				b.WriteString(el)
			}
		default:
			b.WriteString(scalarString(v))
		}
	}
	return b.String()
}

func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case json.Number:
		return x.String()
	case decimal.Decimal:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func preview(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + "…"
}
