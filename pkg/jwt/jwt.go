package jwt

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const roomTokenIssuer = "skillswap-call"

// RoomClaims bind a participant identity to one media room
type RoomClaims struct {
	Identity string `json:"identity"`
	Room     string `json:"room"`
	jwt.RegisteredClaims
}

// RoomTokenManager issues and validates media room tokens
type RoomTokenManager struct {
	secretKey     string
	tokenDuration time.Duration
	now           func() time.Time
}

// NewRoomTokenManager creates a new room token manager
func NewRoomTokenManager(secretKey string, tokenDuration time.Duration) *RoomTokenManager {
	return &RoomTokenManager{
		secretKey:     secretKey,
		tokenDuration: tokenDuration,
		now:           time.Now,
	}
}

// IssueRoomToken creates a token admitting identity to room
func (m *RoomTokenManager) IssueRoomToken(room, identity string) (string, error) {
	if room == "" || identity == "" {
		return "", fmt.Errorf("room and identity are required")
	}
	now := m.now()
	claims := &RoomClaims{
		Identity: identity,
		Room:     room,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    roomTokenIssuer,
			Subject:   identity,
			Audience:  jwt.ClaimStrings{room},
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(m.secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign room token: %w", err)
	}

	return tokenString, nil
}

// ValidateToken validates and parses a room token
func (m *RoomTokenManager) ValidateToken(tokenString string) (*RoomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &RoomClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.secretKey), nil
	}, jwt.WithIssuer(roomTokenIssuer), jwt.WithTimeFunc(m.now))

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*RoomClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

// ValidateForRoom validates tokenString and checks that it admits room
func (m *RoomTokenManager) ValidateForRoom(tokenString, room string) (*RoomClaims, error) {
	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Room != room {
		return nil, fmt.Errorf("token is not valid for room %s", room)
	}
	return claims, nil
}
