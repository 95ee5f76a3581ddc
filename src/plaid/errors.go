package plaid

import (
	"encoding/json"

	"github.com/juju/errors"
	"github.com/plaid/plaid-go/v41/plaid"

	"ledgerlink-server/src/util"
)

// Error codes meaning the item no longer exists at the provider.
var itemGoneCodes = map[string]bool{
	"ITEM_NOT_FOUND":       true,
	"INVALID_ACCESS_TOKEN": true,
}

// upstream tags a failed provider call as ErrUpstream and keeps the provider payload.
func upstream(op string, err error) error {
	wrapped := &util.UpstreamError{
		Op:      op,
		Payload: ParseErrorBody(errorBody(err)),
		Err:     err,
	}
	return errors.WithType(wrapped, util.ErrUpstream)
}

func errorBody(err error) []byte {
	var ptr *plaid.GenericOpenAPIError
	if errors.As(err, &ptr) {
		return ptr.Body()
	}
	var val plaid.GenericOpenAPIError
	if errors.As(err, &val) {
		return val.Body()
	}
	return nil
}

// ParseErrorBody decodes a provider error response. It returns nil when the body
// is empty or not a provider error.
func ParseErrorBody(body []byte) *util.ProviderError {
	if len(body) == 0 {
		return nil
	}
	var payload util.ProviderError
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	if payload.Code == "" && payload.Type == "" {
		return nil
	}
	return &payload
}

// IsItemGone reports whether a provider failure says the item was already removed
// or its access token is no longer valid.
func IsItemGone(err error) bool {
	var up *util.UpstreamError
	if !errors.As(err, &up) || up.Payload == nil {
		return false
	}
	return itemGoneCodes[up.Payload.Code]
}
