package httpapi

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"retailpos/backend/internal/domain"
)

const tokenIssuer = "retailpos"

// AuthManager verifies bearer tokens issued by the identity service and the
// manager PIN that guards voids.
type AuthManager struct {
	secret     []byte
	managerPIN string
}

type actorClaims struct {
	jwtlib.RegisteredClaims
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

func NewAuthManager(secret string, managerPIN string) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	// an empty PIN leaves voids disabled
	var hashedPIN string
	if pin := strings.TrimSpace(managerPIN); pin != "" {
		hashedPIN, _ = hashPIN(pin)
	}

	return &AuthManager{
		secret:     []byte(secret),
		managerPIN: hashedPIN,
	}
}

// ParseToken accepts HS256 tokens only. Only SUPER_ADMIN may omit tenant_id.
func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &actorClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithExpirationRequired())
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}

	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	role := domain.Role(strings.ToUpper(strings.TrimSpace(claims.Role)))
	if !role.Valid() {
		return domain.Actor{}, errors.New("invalid token role")
	}
	tenantID := strings.TrimSpace(claims.TenantID)
	if tenantID == "" && role != domain.RoleSuperAdmin {
		return domain.Actor{}, errors.New("token carries no tenant")
	}
	return domain.Actor{UserID: sub, TenantID: tenantID, Role: role}, nil
}

// IssueToken signs a token for actor. The identity service owns login; this
// is used by tooling and tests.
func (a *AuthManager) IssueToken(actor domain.Actor, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	now := time.Now().UTC()
	claims := actorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   actor.UserID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			Issuer:    tokenIssuer,
		},
		TenantID: actor.TenantID,
		Role:     string(actor.Role),
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !isPINHash(a.managerPIN) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.managerPIN), []byte(input)) == nil
}

func hashPIN(pin string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPINHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
