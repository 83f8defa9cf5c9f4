package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// Authorizer adds credentials to an outgoing request.
type Authorizer interface {
	Authorize(ctx context.Context, req *http.Request) error
}

// BearerToken uses a static bearer token.
type BearerToken struct {
	Token string
}

// Authorize adds the Bearer token header to the request.
func (a BearerToken) Authorize(_ context.Context, req *http.Request) error {
	if a.Token == "" {
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}

// TokenSource fetches a bearer token for every attempt, e.g. from a refreshing credential cache.
type TokenSource func(ctx context.Context) (string, error)

// Authorize adds the Bearer token returned by the source.
func (f TokenSource) Authorize(ctx context.Context, req *http.Request) error {
	token, err := f(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// ChallengeHandler is consulted when a request is rejected with 401 and a WWW-Authenticate header.
// It returns a fresh bearer token to re-issue the request with, or "" to give up.
type ChallengeHandler interface {
	OnChallenge(ctx context.Context, challenge string) (string, error)
}

// Challenge is one authentication challenge of a WWW-Authenticate header.
type Challenge struct {
	Scheme string
	// Params are keyed by lower-cased parameter name
	Params map[string]string
}

// ParseChallenges splits a WWW-Authenticate header into its challenges, e.g.
// `Bearer a="b", c="d", Bearer e="f"` yields two Bearer challenges.
func ParseChallenges(header string) []Challenge {
	p := &challengeParser{s: header}
	var out []Challenge
	for {
		p.skip(" \t,")
		if p.done() {
			return out
		}
		word := p.token()
		if word == "" {
			p.i++
			continue
		}
		if p.peek() == '=' {
			p.i++
			p.skip(" \t")
			value := p.value()
			if len(out) > 0 {
				out[len(out)-1].Params[strings.ToLower(word)] = value
			}
			continue
		}
		out = append(out, Challenge{Scheme: word, Params: map[string]string{}})
	}
}

type challengeParser struct {
	s string
	i int
}

func (p *challengeParser) done() bool {
	return p.i >= len(p.s)
}

func (p *challengeParser) peek() byte {
	if p.done() {
		return 0
	}
	return p.s[p.i]
}

func (p *challengeParser) skip(chars string) {
	for !p.done() && strings.IndexByte(chars, p.s[p.i]) >= 0 {
		p.i++
	}
}

func (p *challengeParser) token() string {
	start := p.i
	for !p.done() && strings.IndexByte(" \t,=\"", p.s[p.i]) < 0 {
		p.i++
	}
	return p.s[start:p.i]
}

func (p *challengeParser) value() string {
	if p.peek() != '"' {
		start := p.i
		for !p.done() && p.s[p.i] != ',' && p.s[p.i] != ' ' {
			p.i++
		}
		return p.s[start:p.i]
	}
	p.i++
	var b strings.Builder
	for !p.done() {
		c := p.s[p.i]
		p.i++
		switch {
		case c == '\\' && !p.done():
			b.WriteByte(p.s[p.i])
			p.i++
		case c == '"':
			return b.String()
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// ClaimsTokenSource returns a token for scopes that satisfies the decoded claims.
type ClaimsTokenSource func(ctx context.Context, scopes []string, claims string) (string, error)

// ClaimsChallengeHandler answers continuous access evaluation challenges: Bearer challenges that carry a
// base64 encoded `claims` parameter. The challenge's `scope` parameter, when present, replaces Scopes.
type ClaimsChallengeHandler struct {
	Scopes []string
	Source ClaimsTokenSource
}

func (h *ClaimsChallengeHandler) OnChallenge(ctx context.Context, header string) (string, error) {
	for _, c := range ParseChallenges(header) {
		if !strings.EqualFold(c.Scheme, "Bearer") {
			continue
		}
		encoded, ok := c.Params["claims"]
		if !ok || encoded == "" {
			continue
		}
		claims, err := decodeClaims(encoded)
		if err != nil {
			return "", err
		}
		scopes := h.Scopes
		if scope := c.Params["scope"]; scope != "" {
			scopes = []string{scope}
		}
		return h.Source(ctx, scopes, claims)
	}
	log.Debugf("WWW-Authenticate header carries no claims challenge")
	return "", nil
}

func decodeClaims(encoded string) (string, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if data, err := enc.DecodeString(encoded); err == nil {
			return string(data), nil
		}
	}
	return "", fmt.Errorf("invalid claims encoding in authentication challenge")
}
