// Package auth signs and verifies the compact HS256 tokens producers present
// when attaching to an ingest channel.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrChannelMismatch signals a token minted for a different ingest channel.
	ErrChannelMismatch = errors.New("token channel mismatch")
)

// Claims captures the token payload used for ingest channel attachment.
type Claims struct {
	Producer  string
	Channel   string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// TokenKeeper mints and validates ingest tokens signed with a shared secret.
type TokenKeeper struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewTokenKeeper constructs a keeper for the supplied shared secret and clock skew allowance.
func NewTokenKeeper(secret string, leeway time.Duration) (*TokenKeeper, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("ingest secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &TokenKeeper{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

type tokenPayload struct {
	Producer string `json:"sub"`
	Channel  string `json:"chan"`
	Expires  int64  `json:"exp"`
	Issued   int64  `json:"iat"`
}

// Mint issues a token authorising producer to publish on channel until expiry.
func (k *TokenKeeper) Mint(producer, channel string, ttl time.Duration) (string, error) {
	if k == nil || len(k.secret) == 0 {
		return "", errors.New("keeper not initialised")
	}
	if strings.TrimSpace(producer) == "" || strings.TrimSpace(channel) == "" {
		return "", errors.New("producer and channel must be provided")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	now := k.now()
	header, err := json.Marshal(tokenHeader{Algorithm: "HS256", Type: "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(tokenPayload{
		Producer: producer,
		Channel:  channel,
		Expires:  now.Add(ttl).Unix(),
		Issued:   now.Unix(),
	})
	if err != nil {
		return "", err
	}
	signed := encodeSegment(header) + "." + encodeSegment(payload)
	signature, err := k.sign([]byte(signed))
	if err != nil {
		return "", err
	}
	return signed + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

// Verify parses the token, validates the signature and expiry, and checks the
// token was minted for the expected channel.
func (k *TokenKeeper) Verify(token, channel string) (*Claims, error) {
	if k == nil || len(k.secret) == 0 {
		return nil, errors.New("keeper not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var header tokenHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}

	expected, err := k.sign([]byte(parts[0] + "." + parts[1]))
	if err != nil {
		return nil, err
	}
	signature, err := decodeSegment(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal(signature, expected) {
		return nil, ErrInvalidToken
	}

	payloadBytes, err := decodeSegment(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var payload tokenPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(payload.Producer) == "" || payload.Expires <= 0 {
		return nil, ErrInvalidToken
	}

	expiresAt := time.Unix(payload.Expires, 0)
	if expiresAt.Add(k.leeway).Before(k.now()) {
		return nil, ErrExpiredToken
	}
	if payload.Channel != channel {
		return nil, fmt.Errorf("%w: token for %q, attaching to %q", ErrChannelMismatch, payload.Channel, channel)
	}

	return &Claims{
		Producer:  payload.Producer,
		Channel:   payload.Channel,
		ExpiresAt: expiresAt,
		IssuedAt:  time.Unix(payload.Issued, 0),
	}, nil
}

func (k *TokenKeeper) sign(payload []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, k.secret)
	if _, err := mac.Write(payload); err != nil {
		return nil, err
	}
	return mac.Sum(nil), nil
}

func encodeSegment(segment []byte) string {
	return base64.RawURLEncoding.EncodeToString(segment)
}

func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(segment)
}

// WithClock overrides the keeper clock, enabling deterministic unit tests.
func (k *TokenKeeper) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	k.now = clock
}
