// Package auth issues and verifies the HS256 tokens the relay accepts.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/adwski/courtchat/model"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultIssuer     = "courtchat-relay"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrNoSecret     = errors.New("signing secret is empty")
)

type (
	Identity struct {
		UserID   string
		UserName string
	}

	claims struct {
		UserName  string `json:"name,omitempty"`
		TokenType string `json:"typ"`
		jwt.RegisteredClaims
	}

	Config struct {
		Secret     string
		AccessTTL  time.Duration
		RefreshTTL time.Duration
		Issuer     string
	}

	Issuer struct {
		secret     []byte
		accessTTL  time.Duration
		refreshTTL time.Duration
		issuer     string
		now        func() time.Time
	}
)

func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.Secret == "" {
		return nil, ErrNoSecret
	}
	iss := &Issuer{
		secret:     []byte(cfg.Secret),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		issuer:     cfg.Issuer,
		now:        time.Now,
	}
	if iss.accessTTL <= 0 {
		iss.accessTTL = defaultAccessTTL
	}
	if iss.refreshTTL <= 0 {
		iss.refreshTTL = defaultRefreshTTL
	}
	if iss.issuer == "" {
		iss.issuer = defaultIssuer
	}
	return iss, nil
}

// Issue returns a fresh access/refresh pair for id.
func (iss *Issuer) Issue(id Identity) (model.Tokens, error) {
	var (
		tokens = model.Tokens{UserID: id.UserID}
		err    error
	)
	if tokens.AccessToken, err = iss.sign(id, tokenTypeAccess, iss.accessTTL); err != nil {
		return tokens, err
	}
	if tokens.RefreshToken, err = iss.sign(id, tokenTypeRefresh, iss.refreshTTL); err != nil {
		return tokens, err
	}
	return tokens, nil
}

// Refresh validates a refresh token and issues a new pair for its owner.
func (iss *Issuer) Refresh(refreshToken string) (model.Tokens, error) {
	id, err := iss.verify(refreshToken, tokenTypeRefresh)
	if err != nil {
		return model.Tokens{}, err
	}
	return iss.Issue(id)
}

func (iss *Issuer) VerifyAccess(token string) (Identity, error) {
	return iss.verify(token, tokenTypeAccess)
}

func (iss *Issuer) sign(id Identity, typ string, ttl time.Duration) (string, error) {
	now := iss.now()
	c := claims{
		UserName:  id.UserName,
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    iss.issuer,
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(iss.secret)
}

func (iss *Issuer) verify(token, typ string) (Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return iss.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(iss.issuer),
		jwt.WithTimeFunc(iss.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, errors.Join(ErrInvalidToken, err)
	}
	if c.TokenType != typ || c.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: c.Subject, UserName: c.UserName}, nil
}
