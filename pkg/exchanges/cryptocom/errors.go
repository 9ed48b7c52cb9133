package cryptocom

import (
	"net/http"

	"trading-guard/pkg/exchanges/common"
)

const codeInvalidNonce = 40102

// Response codes grouped by how the caller must react.
var codeClasses = map[int]error{
	// bad signature, nonce, IP not allow-listed, unauthorized
	40101: common.ErrAuthentication,
	40102: common.ErrAuthentication,
	40103: common.ErrAuthentication,
	10002: common.ErrAuthentication,
	10003: common.ErrAuthentication,

	// request shape: price/quantity format, trigger price, missing argument
	308:   common.ErrValidation,
	213:   common.ErrValidation,
	229:   common.ErrValidation,
	40004: common.ErrValidation,
	10004: common.ErrValidation,

	// conditional orders switched off for the account
	140001: common.ErrFeatureDisabled,

	204: common.ErrDuplicateOrder,

	212: common.ErrOrderNotFound,
	316: common.ErrOrderNotFound,
}

// classify maps a response code (and HTTP status for envelopes without one)
// to a sentinel. nil means unrecognized.
func classify(code, httpStatus int) error {
	if class, ok := codeClasses[code]; ok {
		return class
	}
	if code == 0 {
		switch {
		case httpStatus == http.StatusUnauthorized || httpStatus == http.StatusForbidden:
			return common.ErrAuthentication
		case httpStatus >= 500:
			return common.ErrNetwork
		}
	}
	return nil
}

func apiError(method string, code int, message string, httpStatus int) *common.APIError {
	return &common.APIError{
		Method:     method,
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Class:      classify(code, httpStatus),
	}
}
