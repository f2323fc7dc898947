package crypto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// FrontTokenRemove is the sentinel value of the front-token header that
// tells browser clients to discard their cached copy, sent on sign-out
// and on terminal session failures.
const FrontTokenRemove = "remove"

// FrontToken is the unsigned client-side hint mirroring the access token:
// the user id, the access token expiry in milliseconds, and the session
// payload. It carries no authority and is never verified server-side.
type FrontToken struct {
	UID string         `json:"uid"`
	ATE int64          `json:"ate"`
	UP  map[string]any `json:"up"`
}

// EncodeFrontToken renders the front-token header value for an access
// token expiring at the given time.
func EncodeFrontToken(userID string, accessTokenExpiry time.Time, payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(FrontToken{
		UID: userID,
		ATE: accessTokenExpiry.UnixMilli(),
		UP:  payload,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode front token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
