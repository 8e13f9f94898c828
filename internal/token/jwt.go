package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// relayClaims is the internal claims type used for JWT parsing.
type relayClaims struct {
	jwt.RegisteredClaims
	ChannelID string `json:"channel_id"`
	ProjectID string `json:"project_id"`
	TargetEnv string `json:"target_env"`
}

// JWTCodec issues HS256-signed tokens that expire after a fixed ttl.
type JWTCodec struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTCodec(cfg Config, now func() time.Time) (*JWTCodec, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if len(secret) < 16 {
		return nil, errors.New("token secret must be at least 16 bytes")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if now == nil {
		now = time.Now
	}
	return &JWTCodec{key: []byte(secret), issuer: issuer, ttl: cfg.TTL, now: now}, nil
}

func (c *JWTCodec) Encode(claims Claims) (string, error) {
	if err := claims.validate(); err != nil {
		return "", err
	}
	now := c.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, relayClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   claims.ChannelID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		ChannelID: claims.ChannelID,
		ProjectID: claims.ProjectID,
		TargetEnv: claims.TargetEnv,
	})
	signed, err := tok.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign relay token: %w", err)
	}
	return signed, nil
}

func (c *JWTCodec) Decode(s string) (Claims, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Claims{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	var parsed relayClaims
	_, err := jwt.ParseWithClaims(s, &parsed, func(*jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}
	claims := Claims{ChannelID: parsed.ChannelID, ProjectID: parsed.ProjectID, TargetEnv: parsed.TargetEnv}
	if err := claims.validate(); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: token expired", ErrInvalidToken)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: unexpected issuer", ErrInvalidToken)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
}
