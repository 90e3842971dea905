package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Signer issues and checks HMAC-signed bearer tokens.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret []byte, ttl time.Duration) *Signer {
	return &Signer{secret: secret, ttl: ttl, now: time.Now}
}

// Sign creates a signed value in the format "value|signature"
func (s *Signer) Sign(value string) string {
	return fmt.Sprintf("%s|%s", base64.URLEncoding.EncodeToString([]byte(value)), base64.URLEncoding.EncodeToString(s.mac(value)))
}

// Verify checks the signature and returns the original value
func (s *Signer) Verify(signedValue string) (string, error) {
	valueBase64, signatureBase64, ok := strings.Cut(signedValue, "|")
	if !ok || strings.Contains(signatureBase64, "|") {
		return "", fmt.Errorf("%w: format", ErrInvalidToken)
	}

	valueBytes, err := base64.URLEncoding.DecodeString(valueBase64)
	if err != nil {
		return "", fmt.Errorf("%w: value encoding", ErrInvalidToken)
	}
	value := string(valueBytes)

	signature, err := base64.URLEncoding.DecodeString(signatureBase64)
	if err != nil {
		return "", fmt.Errorf("%w: signature encoding", ErrInvalidToken)
	}

	if !hmac.Equal(signature, s.mac(value)) {
		return "", fmt.Errorf("%w: signature", ErrInvalidToken)
	}

	return value, nil
}

func (s *Signer) mac(value string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(value))
	return mac.Sum(nil)
}

// Issue returns a token naming username that expires after the signer's TTL.
func (s *Signer) Issue(username string) (string, time.Time) {
	expiresAt := s.now().Add(s.ttl).UTC().Truncate(time.Second)
	return s.Sign(username + ":" + strconv.FormatInt(expiresAt.Unix(), 10)), expiresAt
}

// Identity resolves a token to the username it was issued for.
func (s *Signer) Identity(token string) (string, error) {
	value, err := s.Verify(token)
	if err != nil {
		return "", err
	}
	i := strings.LastIndexByte(value, ':')
	if i <= 0 {
		return "", fmt.Errorf("%w: payload", ErrInvalidToken)
	}
	expiry, err := strconv.ParseInt(value[i+1:], 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: expiry", ErrInvalidToken)
	}
	if !s.now().Before(time.Unix(expiry, 0)) {
		return "", ErrExpiredToken
	}
	return value[:i], nil
}
