package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sendflow/internal/dto/req"
	"sendflow/internal/dto/resp"
	"sendflow/internal/repository"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	RedisKeyPrefix = "sendflow:auth:session:"
	Issuer         = "sendflow-auth-service"
)

var (
	ErrTokenInvalid   = errors.New("token invalid")
	ErrSessionExpired = errors.New("session expired")
)

// SignedKey should be loaded from env in production
var SignedKey = []byte("sendflow-super-secret-key-2026")

type AuthService struct {
	senders         repository.SenderInterface
	redis           *redis.Client
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
}

type SenderClaims struct {
	SenderID string `json:"sid"`
	Email    string `json:"sub"`
	Name     string `json:"name"`
	jwt.RegisteredClaims
}

func NewAuthService(senders repository.SenderInterface, rdb *redis.Client, accessTokenTTL, refreshTokenTTL time.Duration) *AuthService {
	return &AuthService{
		senders:         senders,
		redis:           rdb,
		accessTokenTTL:  accessTokenTTL,
		refreshTokenTTL: refreshTokenTTL,
	}
}

// Register upserts the sender profile coming from the external identity
// provider and opens a session for it.
func (s *AuthService) Register(ctx context.Context, r req.RegisterReq) (*resp.TokenResp, error) {
	sender, err := s.senders.Upsert(ctx, r.Email, r.Name, r.Avatar)
	if err != nil {
		return nil, err
	}

	tokens, err := s.generateTokens(ctx, sender.ID, sender.Email, sender.Name)
	if err != nil {
		return nil, err
	}
	tokens.Sender = resp.SenderInfo{
		ID:     sender.ID,
		Email:  sender.Email,
		Name:   sender.Name,
		Avatar: sender.Avatar,
	}
	return tokens, nil
}

// Refresh handles token rotation using the refresh token.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*resp.TokenResp, error) {
	token, err := jwt.ParseWithClaims(refreshToken, &SenderClaims{}, func(t *jwt.Token) (interface{}, error) {
		return SignedKey, nil
	})
	if err != nil {
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*SenderClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	key := fmt.Sprintf("%s%s", RedisKeyPrefix, claims.SenderID)
	storedToken, err := s.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}

	if storedToken != refreshToken {
		return nil, ErrTokenInvalid
	}

	return s.generateTokens(ctx, claims.SenderID, claims.Email, claims.Name)
}

func (s *AuthService) Logout(ctx context.Context, senderID string) error {
	key := fmt.Sprintf("%s%s", RedisKeyPrefix, senderID)
	return s.redis.Del(ctx, key).Err()
}

func (s *AuthService) generateTokens(ctx context.Context, senderID, email, name string) (*resp.TokenResp, error) {
	now := time.Now()
	atClaims := SenderClaims{
		SenderID: senderID,
		Email:    email,
		Name:     name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, atClaims).SignedString(SignedKey)
	if err != nil {
		return nil, err
	}

	rtClaims := SenderClaims{
		SenderID: senderID,
		Email:    email,
		Name:     name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
			ID:        uuid.New().String(),
		},
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, rtClaims).SignedString(SignedKey)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s%s", RedisKeyPrefix, senderID)
	if err := s.redis.Set(ctx, key, refreshToken, s.refreshTokenTTL).Err(); err != nil {
		return nil, err
	}

	return &resp.TokenResp{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.accessTokenTTL.Seconds()),
	}, nil
}
