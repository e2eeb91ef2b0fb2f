package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"occupancy-service/internal/model"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type Parser struct {
	secret []byte
}

func NewParser(secret string) *Parser {
	return &Parser{secret: []byte(secret)}
}

func (p *Parser) Parse(tokenString string) (*model.Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: user_id", ErrInvalidToken)
	}
	if claims.Role == "" {
		return nil, fmt.Errorf("%w: role is missing", ErrInvalidToken)
	}

	return &model.Principal{
		UserID: userID,
		Role:   model.UserRole(claims.Role),
	}, nil
}

// Signer mints short-lived HS256 tokens for calls to the parking backend.
type Signer struct {
	secret  []byte
	subject string
	ttl     time.Duration
	now     func() time.Time
}

func NewSigner(secret, subject string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Signer{
		secret:  []byte(secret),
		subject: subject,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *Signer) Token() (string, error) {
	now := s.now()
	claims := Claims{
		UserID: uuid.NewSHA1(uuid.NameSpaceURL, []byte(s.subject)).String(),
		Role:   string(model.UserRoleService),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.subject,
			Issuer:    "occupancy-service",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
