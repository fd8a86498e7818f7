package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const joinTokenIssuer = "conference-join"

var ErrTokenMismatch = errors.New("join token does not match meeting")

// JoinClaims short-lived join credential claims
type JoinClaims struct {
	MeetingCode string `json:"meeting_code"`
	Authorized  bool   `json:"authorized"`
	jwt.RegisteredClaims
}

// JoinTokenManager issues and verifies the single-purpose join credential.
// A join token proves a prior successful passcode/lock check and is only
// honored for the meeting code it was minted for.
type JoinTokenManager struct {
	secretKey []byte
	expiry    time.Duration
}

// NewJoinTokenManager creates a JoinTokenManager
func NewJoinTokenManager(secretKey string, expiry time.Duration) *JoinTokenManager {
	return &JoinTokenManager{
		secretKey: []byte(secretKey),
		expiry:    expiry,
	}
}

// Generate issues a join token for a meeting code
func (m *JoinTokenManager) Generate(meetingCode string) (string, error) {
	claims := &JoinClaims{
		MeetingCode: meetingCode,
		Authorized:  true,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    joinTokenIssuer,
			Subject:   meetingCode,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Verify validates a join token against the meeting it is presented for.
func (m *JoinTokenManager) Verify(tokenString, meetingCode string) error {
	token, err := jwt.ParseWithClaims(tokenString, &JoinClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secretKey, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return ErrInvalidToken
	}

	claims, ok := token.Claims.(*JoinClaims)
	if !ok || !token.Valid {
		return ErrInvalidToken
	}

	// session tokens must not double as join credentials
	if claims.Issuer != joinTokenIssuer || !claims.Authorized {
		return ErrInvalidToken
	}

	if claims.MeetingCode != meetingCode {
		return ErrTokenMismatch
	}

	return nil
}
