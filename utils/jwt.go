package utils

import (
	"errors"
	"time"

	"outreach/config"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies the operator calling the admin API and the tenant they
// act for.
type Claims struct {
	UserID         uint   `json:"user_id"`
	OrganizationID uint   `json:"org_id"`
	Role           string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func GenerateJWTToken(userID, orgID uint, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:         userID,
		OrganizationID: orgID,
		Role:           role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.AppConfig.SigningSecret()))
}

func ParseJWTToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(config.AppConfig.SigningSecret()), nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		if claims.OrganizationID == 0 {
			return nil, errors.New("token has no organization")
		}
		return claims, nil
	}

	return nil, errors.New("invalid token")
}
