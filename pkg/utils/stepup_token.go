package utils

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const stepUpTokenExpiry = 5 * time.Minute

// StepUpClaims bind a short-lived step-up grant to one payment method
// and one exact amount, so a TOTP confirmation cannot be replayed for a
// different charge.
type StepUpClaims struct {
	UserID          uuid.UUID `json:"userID"`
	PaymentMethodID uuid.UUID `json:"paymentMethodID"`
	AmountCents     int64     `json:"amountCents"`
	TokenType       string    `json:"tokenType"`
	JTI             string    `json:"jti"`
	jwt.RegisteredClaims
}

func GenerateStepUpToken(userID, paymentMethodID uuid.UUID, amountCents int64) (string, error) {
	now := time.Now()
	jti := uuid.New().String()
	claims := StepUpClaims{
		UserID:          userID,
		PaymentMethodID: paymentMethodID,
		AmountCents:     amountCents,
		TokenType:       TokenTypeStepUp,
		JTI:             jti,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID.String(),
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(now.Add(stepUpTokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

func ValidateStepUpToken(tokenString string) (*StepUpClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &StepUpClaims{}, hmacKeyFunc, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*StepUpClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid step-up token")
	}

	if claims.TokenType != TokenTypeStepUp {
		return nil, fmt.Errorf("invalid token type")
	}

	if claims.JTI == "" {
		return nil, fmt.Errorf("missing token ID")
	}

	return claims, nil
}

var consumedJTIs = make(map[string]time.Time)
var jtiMu sync.Mutex

func IsJTIValid(jti string) bool {
	jtiMu.Lock()
	defer jtiMu.Unlock()
	_, exists := consumedJTIs[jti]
	return !exists
}

func ConsumeJTI(jti string) {
	jtiMu.Lock()
	defer jtiMu.Unlock()
	consumedJTIs[jti] = time.Now()
}

func CleanupExpiredJTIs() {
	jtiMu.Lock()
	defer jtiMu.Unlock()
	now := time.Now()
	for jti, consumedAt := range consumedJTIs {
		if now.Sub(consumedAt) > stepUpTokenExpiry {
			delete(consumedJTIs, jti)
		}
	}
}
