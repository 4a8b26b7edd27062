// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// Passwords is an authenticator for credentials of kind "password". Each
// user name maps to a bcrypt hash of the user's password, as produced by
// [HashPassword].
type Passwords struct {
	users map[string][]byte // read-only after construction
}

// NewPasswords constructs a password authenticator for the given table of
// user name to password hash.
func NewPasswords(users map[string]string) *Passwords {
	p := &Passwords{users: make(map[string][]byte, len(users))}
	for name, hash := range users {
		p.users[name] = []byte(hash)
	}
	return p
}

// Authenticate implements the Authenticator interface.
func (p *Passwords) Authenticate(_ context.Context, req *Request) (*Response, error) {
	creds := req.Credentials
	hash, ok := p.users[creds.Username]
	if !ok {
		return nil, Failed(NoSuchUser)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(creds.Secret)); err != nil {
		return nil, Failed(InvalidPassword)
	}
	return &Response{AuthName: creds.Username}, nil
}

// HashPassword returns a bcrypt hash of password suitable for use with a
// Passwords authenticator. If cost == 0, bcrypt.DefaultCost is used.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Tickets is an authenticator for credentials of kind "ticket", whose secret
// is a signed HS256 JSON web token. The subject of the token names the user.
// A ticket typically comes from a separate login service sharing the key.
type Tickets struct {
	Key    []byte // HMAC signing key
	Issuer string // if set, tickets must name this issuer

	// Now, if set, supplies the current time for checking expiration.
	Now func() time.Time
}

// Issue returns a signed ticket for username that expires after ttl.
func (t Tickets) Issue(username string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		Issuer:    t.Issuer,
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.Key)
	if err != nil {
		return "", fmt.Errorf("sign ticket: %w", err)
	}
	return tok, nil
}

// Authenticate implements the Authenticator interface.
func (t Tickets) Authenticate(_ context.Context, req *Request) (*Response, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	}
	if t.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.Issuer))
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(req.Credentials.Secret, &claims, func(*jwt.Token) (any, error) {
		return t.Key, nil
	}, opts...)
	if err != nil || claims.Subject == "" {
		return nil, Failed(InvalidTicket)
	}
	if u := req.Credentials.Username; u != "" && u != claims.Subject {
		return nil, Failed(InvalidTicket)
	}
	return &Response{AuthName: claims.Subject}, nil
}

func (t Tickets) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// PeerSecrets is an authenticator for credentials of kind "peer", used by
// nodes of a cluster to connect to one another. The username is the name of
// the connecting node, and the secret is the shared secret for that node.
type PeerSecrets map[string]string

// Authenticate implements the Authenticator interface.
func (p PeerSecrets) Authenticate(_ context.Context, req *Request) (*Response, error) {
	creds := req.Credentials
	want, ok := p[creds.Username]
	if !ok {
		return nil, Failed(NoSuchUser)
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(creds.Secret)) != 1 {
		return nil, Failed(InvalidPassword)
	}
	return &Response{AuthName: creds.Username}, nil
}

// RateLimit wraps a so that logons are admitted at no more than the rate
// permitted by lim. A request that exceeds the rate fails with an in-progress
// ServerBusy error, so the client may try again later.
func RateLimit(a Authenticator, lim *rate.Limiter) Authenticator {
	return Func(func(ctx context.Context, req *Request) (*Response, error) {
		if !lim.Allow() {
			return nil, Retry(ServerBusy)
		}
		return a.Authenticate(ctx, req)
	})
}

// AsError converts err to a logon error. An *Error is returned unchanged;
// anything else becomes a terminal ServerError.
func AsError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Failed(ServerError)
}
