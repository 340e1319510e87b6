// Package secstore implements the opaque permission/signing collaborator
// spec.md §7 describes: something the resolver asks "is this permission
// allowed at this path for this client" and "sign this grant so downstream
// publishers can verify it without calling back here."
//
// The JWT-backed implementation below generalizes the teacher's
// go-server/internal/auth/jwt.go HS256 token manager from per-user session
// claims to per-(path, permission, address) resolution grants.
package secstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/adred-codev/resolver/internal/path"
	"github.com/adred-codev/resolver/internal/wire"
)

// ErrDenied is returned by Sign when the grant itself isn't allowed; callers
// should normally check Allowed first, but Sign re-checks defensively.
var ErrDenied = errors.New("secstore: permission denied")

// SecStore answers permission checks and signs resolution tokens. It is the
// seam between the resolver and whatever identity system a deployment
// wires in (SPN/Kerberos, mTLS, a flat ACL file — the wire protocol only
// ever sees opaque signed bytes).
type SecStore interface {
	// Allowed reports whether addr may exercise perm at path.
	Allowed(p path.Path, perm wire.Permission, addr wire.Address) bool
	// Sign produces an opaque token a publisher can present as proof that
	// a resolver granted perm at path to addr as of timestamp.
	Sign(p path.Path, perm wire.Permission, timestamp uint64, addr wire.Address) ([]byte, error)
}

// Rule is one ACL entry: perms granted to any client under Prefix.
type Rule struct {
	Prefix path.Path
	Perms  wire.Permission
}

// PermissionMap is the default, static SecStore: a longest-prefix-match ACL
// plus HS256 signing, generalized from the teacher's single global
// JWTManager (one secret, one issuer) to a path-scoped grant.
type PermissionMap struct {
	rules     []Rule // evaluated longest-prefix first
	secretKey []byte
	ttl       time.Duration
	issuer    string
}

// New builds a PermissionMap. rules should be supplied broadest-prefix
// first; New sorts them so the most specific match is checked first.
func New(rules []Rule, secretKey string, ttl time.Duration, issuer string) *PermissionMap {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Prefix.Depth() > sorted[j-1].Prefix.Depth(); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return &PermissionMap{rules: sorted, secretKey: []byte(secretKey), ttl: ttl, issuer: issuer}
}

func (m *PermissionMap) Allowed(p path.Path, perm wire.Permission, _ wire.Address) bool {
	for _, r := range m.rules {
		if p.IsDescendantOf(r.Prefix) {
			return r.Perms.Has(perm)
		}
	}
	return false
}

// grantClaims mirrors the teacher's Claims struct — domain fields embedded
// alongside jwt.RegisteredClaims — but carries a resolution grant instead
// of a user session.
type grantClaims struct {
	Path       string `json:"path"`
	Permission uint8  `json:"perm"`
	Timestamp  uint64 `json:"ts"`
	Address    string `json:"addr"`
	jwt.RegisteredClaims
}

func (m *PermissionMap) Sign(p path.Path, perm wire.Permission, timestamp uint64, addr wire.Address) ([]byte, error) {
	if !m.Allowed(p, perm, addr) {
		return nil, ErrDenied
	}
	now := time.Unix(int64(timestamp), 0)
	claims := &grantClaims{
		Path:       p.String(),
		Permission: uint8(perm),
		Timestamp:  timestamp,
		Address:    addr.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			Issuer:    m.issuer,
			Subject:   p.String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secretKey)
	if err != nil {
		return nil, fmt.Errorf("secstore: sign: %w", err)
	}
	return []byte(signed), nil
}

// Verify parses and validates a token produced by Sign, for use by
// downstream publishers that want to check a resolution grant themselves
// rather than trusting the resolver on every access.
func (m *PermissionMap) Verify(token []byte) (pth path.Path, perm wire.Permission, timestamp uint64, err error) {
	parsed, err := jwt.ParseWithClaims(string(token), &grantClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secretKey, nil
	})
	if err != nil {
		return path.Path{}, 0, 0, fmt.Errorf("secstore: verify: %w", err)
	}
	claims, ok := parsed.Claims.(*grantClaims)
	if !ok || !parsed.Valid {
		return path.Path{}, 0, 0, errors.New("secstore: invalid token claims")
	}
	p, err := path.New(claims.Path)
	if err != nil {
		return path.Path{}, 0, 0, fmt.Errorf("secstore: invalid path claim: %w", err)
	}
	return p, wire.Permission(claims.Permission), claims.Timestamp, nil
}
