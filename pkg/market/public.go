package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"trading-guard/pkg/exchanges/common"
)

// PublicClient reads the venue's unauthenticated endpoints.
type PublicClient struct {
	rest *resty.Client
}

// NewPublicClient builds a client rooted at the exchange base URL.
func NewPublicClient(baseURL string, timeout time.Duration) *PublicClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PublicClient{
		rest: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

type publicEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  struct {
		Data []map[string]any `json:"data"`
	} `json:"result"`
}

// get fetches path and returns result.data with numbers kept as json.Number.
func (c *PublicClient) get(ctx context.Context, path string, query map[string]string) ([]map[string]any, error) {
	resp, err := c.rest.R().SetContext(ctx).SetQueryParams(query).Get(path)
	if err != nil {
		return nil, common.NetworkError(path, err)
	}
	if resp.StatusCode() >= 500 {
		return nil, common.NetworkError(path, fmt.Errorf("http %d", resp.StatusCode()))
	}

	var env publicEnvelope
	dec := json.NewDecoder(bytes.NewReader(resp.Body()))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%s: decode response (http %d): %w", path, resp.StatusCode(), common.ErrDataIntegrity)
	}
	if env.Code != 0 || resp.IsError() {
		return nil, &common.APIError{Method: path, Code: env.Code, Message: env.Message, HTTPStatus: resp.StatusCode()}
	}
	return env.Result.Data, nil
}

// field returns the first present key as an exact string. Numbers decoded
// with UseNumber keep their original digits.
func field(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		case bool:
			if v {
				return "true"
			}
			return "false"
		}
	}
	return ""
}
