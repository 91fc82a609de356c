// Package licensekey issues the offline license token a desktop client keeps
// between heartbeats. Tokens are EdDSA-signed JWTs so clients only need the
// public key to check them.
package licensekey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/licensing/internal/clock"
	"github.com/smallbiznis/licensing/internal/config"
	entdomain "github.com/smallbiznis/licensing/internal/entitlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultValidity = 35 * 24 * time.Hour
	issuerName      = "licensing"
)

var (
	ErrInvalidLicense = errors.New("invalid_license")
	ErrInvalidKey     = errors.New("invalid_license_signing_key")
)

type Claims struct {
	Email       string         `json:"email,omitempty"`
	Tier        entdomain.Tier `json:"tier"`
	DeviceLimit int            `json:"device_limit"`
	DeviceID    string         `json:"device_id"`
	jwt.RegisteredClaims
}

type License struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	ID        string    `json:"id"`
}

type Issuer struct {
	key      ed25519.PrivateKey
	keyID    string
	validity time.Duration
	clock    clock.Clock
}

type Params struct {
	fx.In

	Cfg   config.Config
	Log   *zap.Logger
	Clock clock.Clock
}

// NewIssuer reads LICENSE_SIGNING_KEY. Outside production a missing key is
// replaced by an ephemeral one, so tokens do not survive a restart.
func NewIssuer(p Params) (*Issuer, error) {
	raw := strings.TrimSpace(p.Cfg.License.SigningKey)
	if raw == "" {
		if p.Cfg.IsProduction() {
			return nil, fmt.Errorf("%w: LICENSE_SIGNING_KEY is required in production", ErrInvalidKey)
		}
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		p.Log.Warn("license signing key not configured, using an ephemeral key")
		return New(key, p.Cfg.License.KeyID, p.Cfg.License.Validity, p.Clock), nil
	}

	key, err := ParsePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	return New(key, p.Cfg.License.KeyID, p.Cfg.License.Validity, p.Clock), nil
}

func New(key ed25519.PrivateKey, keyID string, validity time.Duration, clk clock.Clock) *Issuer {
	if validity <= 0 {
		validity = defaultValidity
	}
	return &Issuer{key: key, keyID: strings.TrimSpace(keyID), validity: validity, clock: clk}
}

// ParsePrivateKey accepts a base64 encoded 32 byte seed or 64 byte private
// key.
func ParsePrivateKey(raw string) (ed25519.PrivateKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(strings.TrimSpace(raw))
		if err != nil {
			return nil, ErrInvalidKey
		}
	}
	switch len(decoded) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	default:
		return nil, ErrInvalidKey
	}
}

func (i *Issuer) PublicKey() ed25519.PublicKey {
	return i.key.Public().(ed25519.PublicKey)
}

// Issue signs a license for one activated device. Suspended entitlements get
// no license.
func (i *Issuer) Issue(ent entdomain.Entitlement, deviceID string) (*License, error) {
	if ent.Tier == entdomain.TierSuspended {
		return nil, entdomain.ErrSuspended
	}
	now := i.clock.Now()
	expiresAt := now.Add(i.validity)
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()

	claims := Claims{
		Email:       ent.Email,
		Tier:        ent.Tier,
		DeviceLimit: ent.DeviceLimit,
		DeviceID:    deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Subject:   ent.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        id,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	if i.keyID != "" {
		token.Header["kid"] = i.keyID
	}
	signed, err := token.SignedString(i.key)
	if err != nil {
		return nil, err
	}
	return &License{Token: signed, ExpiresAt: expiresAt.UTC(), ID: id}, nil
}

// Verify checks a license against the issuer's public key.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	return Verify(raw, i.PublicKey(), i.clock.Now)
}

func Verify(raw string, pub ed25519.PublicKey, now func() time.Time) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (any, error) {
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLicense, err)
	}
	return &claims, nil
}
