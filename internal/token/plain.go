package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// PlainCodec is a reversible, unsigned encoding. Anyone holding a token can
// read and forge it; use it only where channel access is not sensitive.
type PlainCodec struct{}

func (PlainCodec) Encode(c Claims) (string, error) {
	if err := c.validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (PlainCodec) Decode(s string) (Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var c Claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := c.validate(); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return c, nil
}
