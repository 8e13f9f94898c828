// Package token encodes the record handed to socket clients so the relay can
// recover which channel and tenant a connection belongs to.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/ManuGH/durachan/internal/coord"
)

// ErrInvalidToken is returned for tokens that cannot be decoded or verified.
var ErrInvalidToken = errors.New("invalid relay token")

// Claims is the record carried by a relay token.
type Claims struct {
	ChannelID string `json:"channelId"`
	ProjectID string `json:"projectId"`
	TargetEnv string `json:"targetEnv"`
}

// NewClaims binds channelID to tenant.
func NewClaims(channelID string, tenant coord.Tenant) Claims {
	return Claims{ChannelID: channelID, ProjectID: tenant.ProjectID, TargetEnv: tenant.TargetEnv}
}

// Tenant returns the tenant scope of the claims.
func (c Claims) Tenant() coord.Tenant {
	return coord.Tenant{ProjectID: c.ProjectID, TargetEnv: c.TargetEnv}.Normalize()
}

func (c Claims) validate() error {
	if strings.TrimSpace(c.ChannelID) == "" {
		return errors.New("channel id is required")
	}
	return nil
}

// Codec turns claims into an opaque URL-safe string and back.
type Codec interface {
	Encode(Claims) (string, error)
	Decode(string) (Claims, error)
}

// Config selects and parameterizes the codec.
type Config struct {
	// Secret enables signed tokens. Without it tokens are only encoded.
	Secret string        `env:"DURACHAN_TOKEN_SECRET" yaml:"secret"`
	Issuer string        `env:"DURACHAN_TOKEN_ISSUER" yaml:"issuer"`
	TTL    time.Duration `env:"DURACHAN_TOKEN_TTL"    yaml:"ttl"`
}

const (
	DefaultIssuer = "durachan"
	DefaultTTL    = time.Hour
)

// WithDefaults trims the config and fills an empty issuer and ttl.
func (c Config) WithDefaults() Config {
	c.Secret = strings.TrimSpace(c.Secret)
	c.Issuer = strings.TrimSpace(c.Issuer)
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	return c
}

// New returns a signing codec when cfg has a secret and a plain one otherwise.
func New(cfg Config, now func() time.Time) (Codec, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return PlainCodec{}, nil
	}
	return NewJWTCodec(cfg, now)
}
