package models

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

// TokenPrefix marks device API tokens so they are recognisable in firmware configs.
const TokenPrefix = "sk_iot_"

// DeviceToken is an API key a device uses to push measurements.
type DeviceToken struct {
	ID         int64      `json:"id"`
	DeviceID   int64      `json:"device_id"`
	Token      string     `json:"token"`
	Label      string     `json:"label"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
}

// DefaultTokenLabel is used when a token is created without a label.
const DefaultTokenLabel = "Default token"

// GenerateToken returns a new URL-safe device token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}
