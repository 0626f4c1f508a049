package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/typerush/typerush/pkg/errors"
)

// Role describes the capability level carried by an identity.
type Role string

// Recognised roles.
const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Identity is the authenticated principal attached to a connection.
// It is produced by the verifier at handshake time and read-only afterwards.
type Identity struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Role        Role   `json:"role"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Claims represents the custom claims embedded in accepted bearer tokens.
type Claims struct {
	UserID    string `json:"uid"`
	Username  string `json:"username"`
	Role      string `json:"role,omitempty"`
	AvatarURL string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// VerifierConfig bundles the configuration required to build a Verifier.
type VerifierConfig struct {
	Secret string
	Issuer string
	Clock  func() time.Time
}

// Verifier validates bearer credentials presented during the websocket handshake.
// The engine never issues or refreshes tokens; issuance lives in the account service.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier constructs a Verifier instance when provided with the required configuration.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: secret must be provided")
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &Verifier{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		now:    now,
	}, nil
}

// Verify parses and validates a bearer token, returning the identity it names.
// A missing or malformed token maps to AUTH_REQUIRED; a token that fails
// signature, expiry, or issuer checks maps to AUTH_INVALID.
func (v *Verifier) Verify(bearer string) (*Identity, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return nil, apperrors.ErrAuthRequired
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(bearer, &claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, apperrors.ErrAuthRequired.WithInternal(err)
		}
		return nil, apperrors.ErrAuthInvalid.WithInternal(err)
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, apperrors.ErrAuthInvalid.WithInternal(errors.New("auth: invalid issuer"))
	}

	if claims.UserID == "" || claims.Username == "" {
		return nil, apperrors.ErrAuthInvalid.WithInternal(errors.New("auth: missing identity claims"))
	}

	role := Role(strings.ToLower(strings.TrimSpace(claims.Role)))
	switch role {
	case RoleUser, RoleModerator, RoleAdmin:
	case "":
		role = RoleUser
	default:
		return nil, apperrors.ErrAuthInvalid.WithInternal(fmt.Errorf("auth: unknown role %q", claims.Role))
	}

	return &Identity{
		ID:        claims.UserID,
		Username:  claims.Username,
		Role:      role,
		AvatarURL: claims.AvatarURL,
	}, nil
}

// IssueForTest signs a token accepted by this verifier. Test helper only; the
// production issuance flow lives outside the engine.
func (v *Verifier) IssueForTest(identity Identity, ttl time.Duration) (string, error) {
	if identity.ID == "" {
		return "", errors.New("auth: identity id is required")
	}

	now := v.now()
	claims := &Claims{
		UserID:    identity.ID,
		Username:  identity.Username,
		Role:      string(identity.Role),
		AvatarURL: identity.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			Issuer:    v.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}

	return signed, nil
}
