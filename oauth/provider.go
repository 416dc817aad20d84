// Package oauth implements the authorization-code flow for third-party
// integrations with state kept server-side and consumed exactly once.
package oauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/GoCodeAlone/linkbilling/cache"
)

// StateTTL is how long an authorization request stays redeemable.
const StateTTL = 30 * time.Minute

var (
	// ErrInvalidCallback is returned when code or state is missing.
	ErrInvalidCallback = errors.New("oauth: missing code or state")
	// ErrInvalidState is returned when the state is unknown, expired or already used.
	ErrInvalidState = errors.New("oauth: invalid or expired state")
	// ErrNoAccessToken is returned when the token response lacks an access token.
	ErrNoAccessToken = errors.New("oauth: token response has no access_token")
)

// BodyFormat is the encoding of token endpoint requests.
type BodyFormat string

const (
	BodyForm BodyFormat = "form"
	BodyJSON BodyFormat = "json"
)

// ClientAuth is where client credentials are sent on token requests.
type ClientAuth string

const (
	ClientAuthHeader ClientAuth = "header"
	ClientAuthBody   ClientAuth = "body"
)

// Config describes one OAuth provider.
type Config struct {
	Name         string     `yaml:"name" json:"name"`
	ClientID     string     `yaml:"client_id" json:"client_id"`
	ClientSecret string     `yaml:"client_secret" json:"client_secret"`
	AuthURL      string     `yaml:"auth_url" json:"auth_url"`
	TokenURL     string     `yaml:"token_url" json:"token_url"`
	RedirectURL  string     `yaml:"redirect_url" json:"redirect_url"`
	Scopes       []string   `yaml:"scopes" json:"scopes"`
	StatePrefix  string     `yaml:"state_prefix" json:"state_prefix"`
	BodyFormat   BodyFormat `yaml:"body_format" json:"body_format"`
	ClientAuth   ClientAuth `yaml:"client_auth" json:"client_auth"`
}

// Token is the result of a code exchange or refresh.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Provider runs the flow for one integration. C is the caller context
// (workspace, user, ...) carried from the authorization request to the
// callback through the state store.
type Provider[C any] struct {
	cfg    Config
	states cache.StateStore
	client *http.Client
	oauth  *oauth2.Config
}

// NewProvider creates a Provider. client may be nil.
func NewProvider[C any](cfg Config, states cache.StateStore, client *http.Client) *Provider[C] {
	if cfg.BodyFormat == "" {
		cfg.BodyFormat = BodyForm
	}
	if cfg.ClientAuth == "" {
		cfg.ClientAuth = ClientAuthBody
	}
	if cfg.StatePrefix == "" {
		cfg.StatePrefix = cfg.Name + ":install:state"
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	style := oauth2.AuthStyleInParams
	if cfg.ClientAuth == ClientAuthHeader {
		style = oauth2.AuthStyleInHeader
	}
	return &Provider[C]{
		cfg:    cfg,
		states: states,
		client: client,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: style,
			},
		},
	}
}

// Name returns the provider name.
func (p *Provider[C]) Name() string { return p.cfg.Name }

func (p *Provider[C]) stateKey(state string) string {
	return p.cfg.StatePrefix + ":" + state
}

// AuthorizationURL stores c under a fresh random state and returns the URL
// the user should be sent to.
func (p *Provider[C]) AuthorizationURL(ctx context.Context, c C) (string, error) {
	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("oauth %s: generate state: %w", p.cfg.Name, err)
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("oauth %s: encode context: %w", p.cfg.Name, err)
	}
	if err := p.states.Put(ctx, p.stateKey(state), payload, StateTTL); err != nil {
		return "", fmt.Errorf("oauth %s: store state: %w", p.cfg.Name, err)
	}

	u, err := url.Parse(p.cfg.AuthURL)
	if err != nil {
		return "", fmt.Errorf("oauth %s: parse auth url: %w", p.cfg.Name, err)
	}
	q := u.Query()
	q.Set("client_id", p.cfg.ClientID)
	q.Set("redirect_uri", p.cfg.RedirectURL)
	q.Set("response_type", "code")
	q.Set("state", state)
	if len(p.cfg.Scopes) > 0 {
		q.Set("scope", strings.Join(p.cfg.Scopes, " "))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Exchange redeems state and trades code for a token. The state is deleted
// before the token request, so a replayed callback fails with
// ErrInvalidState even if the exchange itself failed.
func (p *Provider[C]) Exchange(ctx context.Context, code, state string) (*Token, C, error) {
	var c C
	if code == "" || state == "" {
		return nil, c, ErrInvalidCallback
	}

	payload, err := p.states.Take(ctx, p.stateKey(state))
	if errors.Is(err, cache.ErrMiss) {
		return nil, c, ErrInvalidState
	}
	if err != nil {
		return nil, c, fmt.Errorf("oauth %s: read state: %w", p.cfg.Name, err)
	}
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, c, fmt.Errorf("oauth %s: decode context: %w", p.cfg.Name, err)
	}

	var tok *Token
	if p.cfg.BodyFormat == BodyJSON {
		tok, err = p.postJSON(ctx, map[string]string{
			"grant_type":   "authorization_code",
			"code":         code,
			"redirect_uri": p.cfg.RedirectURL,
		})
	} else {
		var t *oauth2.Token
		t, err = p.oauth.Exchange(p.clientContext(ctx), code)
		if err == nil {
			tok = fromOAuth2(t)
		}
	}
	if err != nil {
		return nil, c, fmt.Errorf("oauth %s: exchange: %w", p.cfg.Name, err)
	}
	if tok.AccessToken == "" {
		return nil, c, ErrNoAccessToken
	}
	return tok, c, nil
}

// Refresh trades a refresh token for a new token.
func (p *Provider[C]) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("oauth %s: empty refresh token", p.cfg.Name)
	}

	var (
		tok *Token
		err error
	)
	if p.cfg.BodyFormat == BodyJSON {
		tok, err = p.postJSON(ctx, map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
		})
	} else {
		var t *oauth2.Token
		t, err = p.oauth.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err == nil {
			tok = fromOAuth2(t)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("oauth %s: refresh: %w", p.cfg.Name, err)
	}
	if tok.AccessToken == "" {
		return nil, ErrNoAccessToken
	}
	return tok, nil
}

func (p *Provider[C]) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

// postJSON sends a JSON token request, with client credentials in the body
// or as HTTP basic auth depending on ClientAuth.
func (p *Provider[C]) postJSON(ctx context.Context, params map[string]string) (*Token, error) {
	if p.cfg.ClientAuth == ClientAuthBody {
		params["client_id"] = p.cfg.ClientID
		params["client_secret"] = p.cfg.ClientSecret
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.cfg.ClientAuth == ClientAuthHeader {
		req.SetBasicAuth(url.QueryEscape(p.cfg.ClientID), url.QueryEscape(p.cfg.ClientSecret))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		Scope        string `json:"scope"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	tok := &Token{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		TokenType:    out.TokenType,
		Scope:        out.Scope,
	}
	if out.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return tok, nil
}

func fromOAuth2(t *oauth2.Token) *Token {
	tok := &Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.Expiry,
	}
	if s, ok := t.Extra("scope").(string); ok {
		tok.Scope = s
	}
	return tok
}

func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
