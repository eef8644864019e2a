// Package creds mints and verifies the scoped tokens that gate
// forwarded traffic and tunnel attachment. A forward token is bound to
// one (agent, leaf) pair; a tunnel token is bound to one agent. Both
// are HS256 JWTs with a jti, so individual grants are traceable in
// request logs.
package creds

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	scopeForward = "forward"
	scopeTunnel  = "tunnel"
)

// DefaultForwardTTL bounds forward tokens. Agents receive a fresh one
// with every config pull, so short is fine.
const DefaultForwardTTL = 24 * time.Hour

// DefaultTunnelTTL bounds tunnel tokens. Agents hold one across
// redials, so these live longer.
const DefaultTunnelTTL = 90 * 24 * time.Hour

// Issuer signs and checks tokens with a shared secret.
type Issuer struct {
	secret     []byte
	forwardTTL time.Duration
}

// NewIssuer returns an issuer signing with secret. forwardTTL of zero
// uses DefaultForwardTTL.
func NewIssuer(secret []byte, forwardTTL time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("token secret is empty")
	}
	if forwardTTL == 0 {
		forwardTTL = DefaultForwardTTL
	}
	return &Issuer{secret: secret, forwardTTL: forwardTTL}, nil
}

// MintForward issues a token letting agentID reach leafID through the
// forwarding endpoint.
func (i *Issuer) MintForward(agentID, leafID string) (string, error) {
	if agentID == "" || leafID == "" {
		return "", fmt.Errorf("forward token needs agent and leaf ids")
	}
	return i.sign(jwt.MapClaims{
		"sub":   agentID,
		"leaf":  leafID,
		"scope": scopeForward,
		"jti":   uuid.NewString(),
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(i.forwardTTL).Unix(),
	})
}

// MintTunnel issues a token letting agentID attach its tunnel. A ttl
// of zero uses DefaultTunnelTTL; negative values produce an already
// expired token.
func (i *Issuer) MintTunnel(agentID string, ttl time.Duration) (string, error) {
	if agentID == "" {
		return "", fmt.Errorf("tunnel token needs an agent id")
	}
	if ttl == 0 {
		ttl = DefaultTunnelTTL
	}
	return i.sign(jwt.MapClaims{
		"sub":   agentID,
		"scope": scopeTunnel,
		"jti":   uuid.NewString(),
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(ttl).Unix(),
	})
}

func (i *Issuer) sign(claims jwt.MapClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyForward checks a forward token against the leaf it is being
// used for and returns the agent it was issued to.
func (i *Issuer) VerifyForward(token, leafID string) (string, error) {
	claims, err := i.parse(token)
	if err != nil {
		return "", err
	}
	if scope, _ := claims["scope"].(string); scope != scopeForward {
		return "", fmt.Errorf("token scope %q is not a forward grant", scope)
	}
	if leaf, _ := claims["leaf"].(string); leaf != leafID {
		return "", fmt.Errorf("token is not valid for this backend")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

// VerifyTunnel checks a tunnel token and returns the agent it was
// issued to.
func (i *Issuer) VerifyTunnel(token string) (string, error) {
	claims, err := i.parse(token)
	if err != nil {
		return "", err
	}
	if scope, _ := claims["scope"].(string); scope != scopeTunnel {
		return "", fmt.Errorf("token scope %q is not a tunnel grant", scope)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

func (i *Issuer) parse(token string) (jwt.MapClaims, error) {
	tok, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
