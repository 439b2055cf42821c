// Package cache derives content-addressed response cache keys and encodes
// cached responses. Keys are pure functions of the normalized request.
package cache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/artpar/tokenmeter/domain/inference"
	"github.com/artpar/tokenmeter/domain/provider"
)

// keyVersion is bumped whenever the normalized form changes so old entries
// stop matching.
const keyVersion = "v1"

// normalized is the canonical form hashed into a key. Field order is fixed
// by the struct so the JSON encoding is stable.
type normalized struct {
	Version     string              `json:"v"`
	UserID      string              `json:"u"`
	Provider    string              `json:"p"`
	Model       string              `json:"m"`
	Messages    []inference.Message `json:"msgs"`
	Temperature *float64            `json:"t,omitempty"`
	MaxTokens   *int                `json:"mt,omitempty"`
	TopP        *float64            `json:"tp,omitempty"`
	Stop        []string            `json:"s,omitempty"`
}

// Key returns the hex BLAKE2b-256 digest of the normalized request.
// This is a PURE function. Requests that fail Validate have no key.
//
// Keys are scoped to a user so one user's paid response is never served
// to another. Request ids are excluded; model and role names are
// case-folded, message content is trimmed and stop sequences are sorted.
func Key(userID string, p provider.ID, req inference.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	n := normalized{
		Version:     keyVersion,
		UserID:      userID,
		Provider:    p.String(),
		Model:       strings.ToLower(strings.TrimSpace(req.Model)),
		Messages:    make([]inference.Message, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
	}
	for i, m := range req.Messages {
		n.Messages[i] = inference.Message{
			Role:    strings.ToLower(strings.TrimSpace(m.Role)),
			Content: strings.TrimSpace(m.Content),
		}
	}
	if len(req.Stop) > 0 {
		n.Stop = append([]string(nil), req.Stop...)
		sort.Strings(n.Stop)
	}

	raw, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Encode serializes a response for storage.
func Encode(resp inference.Response) ([]byte, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode cached response: %w", err)
	}
	return raw, nil
}

// Decode parses a stored response.
func Decode(raw []byte) (inference.Response, error) {
	var resp inference.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return inference.Response{}, fmt.Errorf("decode cached response: %w", err)
	}
	return resp, nil
}
