// Package session implements the session lifecycle: creation, hash-chained
// refresh rotation, and sign-out, over a pluggable SessionStore.
package session

import (
	"encoding/json"
	"fmt"
)

// PayloadVersion is the version written into newly created session payloads.
const PayloadVersion = "2"

// Payload is the session data stored alongside a session and merged into
// the claims of every access token minted for it.
type Payload struct {
	// Version tags the serialized shape. Always PayloadVersion for new
	// sessions; "1" rows may survive from before integrations existed.
	Version string `json:"version"`

	// IdentityUserID is the id of the identity subsystem's user record.
	IdentityUserID string `json:"identityUserId"`

	// UserID is the id of the platform user the identity resolves to.
	UserID string `json:"userId"`

	Email string `json:"email"`

	// FederatedIntegrationID is set when the session was established
	// through an organization's federated integration, empty otherwise.
	FederatedIntegrationID string `json:"federatedIntegrationId,omitempty"`
}

// legacy v1 rows predate federated integrations and carried a single
// user id field.
type payloadV1 struct {
	Version string `json:"version"`
	UserID  string `json:"userId"`
	Email   string `json:"email"`
}

// ParsePayload decodes a serialized session payload, upgrading legacy v1
// rows to the current shape. Unknown versions are an error so a schema
// bump cannot pass through read sites unnoticed.
func ParsePayload(data []byte) (*Payload, error) {
	var probe struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode session payload: %w", err)
	}

	switch probe.Version {
	case PayloadVersion:
		var p Payload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode session payload: %w", err)
		}
		if p.IdentityUserID == "" || p.UserID == "" {
			return nil, fmt.Errorf("session payload v2 missing required fields")
		}
		return &p, nil
	case "1":
		var p payloadV1
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode session payload: %w", err)
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("session payload v1 missing user id")
		}
		// v1 predates the identity/platform split: one id served both.
		return &Payload{
			Version:        "1",
			IdentityUserID: p.UserID,
			UserID:         p.UserID,
			Email:          p.Email,
		}, nil
	default:
		return nil, fmt.Errorf("unknown session payload version %q", probe.Version)
	}
}

// Encode serializes the payload for storage.
func (p *Payload) Encode() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session payload: %w", err)
	}
	return raw, nil
}

// Claims returns the payload as a claims map for merging into access
// tokens.
func (p *Payload) Claims() map[string]any {
	claims := map[string]any{
		"version":        p.Version,
		"identityUserId": p.IdentityUserID,
		"userId":         p.UserID,
		"email":          p.Email,
	}
	if p.FederatedIntegrationID != "" {
		claims["federatedIntegrationId"] = p.FederatedIntegrationID
	}
	return claims
}
