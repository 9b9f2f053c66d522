// Package tokenstore keeps the amoCRM OAuth token pair in Redis and renews
// it with the refresh grant. Every instance shares one cached pair.
package tokenstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	authURL = "https://www.amocrm.ru/oauth"
	// expirySkew is subtracted from expires_in so tokens are renewed before
	// amoCRM starts rejecting them.
	expirySkew = 300 * time.Second
)

// ErrNoToken means neither Redis nor configuration holds a usable token.
var ErrNoToken = eris.New("tokenstore: no token; run `ident-sync auth exchange <code>`")

// Config identifies the integration.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	KeyPrefix    string
	// Seed is used when Redis holds nothing yet.
	Seed *oauth2.Token
}

// Store implements amocrm.TokenSource.
type Store struct {
	rdb  redis.Cmdable
	cfg  Config
	key  string
	http *http.Client
	now  func() time.Time
	log  *zap.Logger

	mu     sync.Mutex
	cached *oauth2.Token
}

// Option configures a Store.
type Option func(*Store)

// WithHTTPClient sets the client used for token grants.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Store) {
		s.http = hc
	}
}

// New creates a Store.
func New(rdb redis.Cmdable, cfg Config, opts ...Option) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "amocrm"
	}
	s := &Store{
		rdb:  rdb,
		cfg:  cfg,
		key:  prefix + ":" + cfg.ClientID + ":token",
		http: &http.Client{Timeout: 30 * time.Second},
		now:  time.Now,
		log:  zap.L().With(zap.String("component", "tokenstore")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the Redis key holding the token.
func (s *Store) Key() string { return s.key }

// OAuthConfig describes the integration for building the consent URL.
func (s *Store) OAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		RedirectURL:  s.cfg.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  s.tokenURL(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthCodeURL returns the URL an account admin opens to grant access.
func (s *Store) AuthCodeURL(state string) string {
	return s.OAuthConfig().AuthCodeURL(state, oauth2.SetAuthURLParam("mode", "post_message"))
}

// Token returns a token that is not known to be expired.
func (s *Store) Token(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.valid(s.cached) {
		return s.cached, nil
	}

	stored, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if s.valid(stored) {
		s.cached = stored
		return stored, nil
	}

	if stored == nil && s.cfg.Seed != nil {
		if s.valid(s.cfg.Seed) {
			if err := s.save(ctx, s.cfg.Seed); err != nil {
				return nil, err
			}
			s.cached = s.cfg.Seed
			return s.cached, nil
		}
		stored = s.cfg.Seed
	}
	if stored == nil || stored.RefreshToken == "" {
		return nil, ErrNoToken
	}
	return s.refreshLocked(ctx, stored)
}

// Refresh renews the token after the API rejected it. A token already
// renewed by another instance is adopted instead of refreshing again.
func (s *Store) Refresh(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rejected := s.cached
	stored, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if stored != nil && s.valid(stored) && (rejected == nil || stored.AccessToken != rejected.AccessToken) {
		s.log.Info("adopting token refreshed elsewhere")
		s.cached = stored
		return stored, nil
	}

	base := stored
	if base == nil {
		base = rejected
	}
	if base == nil {
		base = s.cfg.Seed
	}
	if base == nil || base.RefreshToken == "" {
		return nil, ErrNoToken
	}
	return s.refreshLocked(ctx, base)
}

// Exchange trades an authorization code for a token pair and stores it.
func (s *Store) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.http)
	tok, err := s.OAuthConfig().Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, eris.Wrap(err, "tokenstore: exchange code")
	}
	if !tok.Expiry.IsZero() {
		tok.Expiry = tok.Expiry.Add(-expirySkew)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(ctx, tok); err != nil {
		return nil, err
	}
	s.cached = tok
	return tok, nil
}

func (s *Store) refreshLocked(ctx context.Context, base *oauth2.Token) (*oauth2.Token, error) {
	tok, err := s.grant(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": base.RefreshToken,
	})
	if err != nil {
		// Another instance may have spent the refresh token first.
		if stored, loadErr := s.load(ctx); loadErr == nil && s.valid(stored) && stored.RefreshToken != base.RefreshToken {
			s.log.Info("refresh failed, adopting token refreshed elsewhere", zap.Error(err))
			s.cached = stored
			return stored, nil
		}
		return nil, eris.Wrap(err, "tokenstore: refresh")
	}
	if err := s.save(ctx, tok); err != nil {
		return nil, err
	}
	s.cached = tok
	s.log.Info("access token refreshed", zap.Time("expiry", tok.Expiry))
	return tok, nil
}

type grantResponse struct {
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// grant posts a refresh grant to /oauth2/access_token. amoCRM requires
// redirect_uri on it, which x/oauth2's refresh path does not send.
func (s *Store) grant(ctx context.Context, params map[string]string) (*oauth2.Token, error) {
	body := map[string]string{
		"client_id":     s.cfg.ClientID,
		"client_secret": s.cfg.ClientSecret,
		"redirect_uri":  s.cfg.RedirectURI,
	}
	for k, v := range params {
		body[k] = v
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "marshal grant")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL(), bytes.NewReader(buf))
	if err != nil {
		return nil, eris.Wrap(err, "create grant request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "grant request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, eris.Wrap(err, "read grant response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("grant rejected: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var gr grantResponse
	if err := json.Unmarshal(data, &gr); err != nil {
		return nil, eris.Wrap(err, "decode grant response")
	}
	if gr.AccessToken == "" {
		return nil, eris.New("grant response has no access token")
	}

	tok := &oauth2.Token{
		AccessToken:  gr.AccessToken,
		TokenType:    gr.TokenType,
		RefreshToken: gr.RefreshToken,
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = params["refresh_token"]
	}
	if gr.ExpiresIn > 0 {
		lifetime := time.Duration(gr.ExpiresIn)*time.Second - expirySkew
		if lifetime < 0 {
			lifetime = 0
		}
		tok.Expiry = s.now().Add(lifetime)
	}
	return tok, nil
}

func (s *Store) tokenURL() string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/oauth2/access_token"
}

func (s *Store) valid(t *oauth2.Token) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return t.Expiry.IsZero() || s.now().Before(t.Expiry)
}

func (s *Store) load(ctx context.Context) (*oauth2.Token, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "tokenstore: load")
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, eris.Wrap(err, "tokenstore: decode")
	}
	return &tok, nil
}

// save persists the pair without a key TTL: the refresh token outlives the
// access token.
func (s *Store) save(ctx context.Context, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return eris.Wrap(err, "tokenstore: encode")
	}
	if err := s.rdb.Set(ctx, s.key, data, 0).Err(); err != nil {
		return eris.Wrap(err, "tokenstore: save")
	}
	return nil
}
