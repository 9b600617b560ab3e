package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"drivesync/protocol"
)

const (
	googleIssuer         = "https://accounts.google.com"
	googleUserInfoURL    = "https://openidconnect.googleapis.com/v1/userinfo"
	googleTokenInfoURL   = "https://oauth2.googleapis.com/tokeninfo"
	expiryDelta          = 10 * time.Second
	defaultBrokerTimeout = 30 * time.Second
)

// TokenSet is the Drive token pair held by the backend. It is never sent to browsers.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// Expired reports whether the access token is unusable at now.
func (t TokenSet) Expired(now time.Time) bool {
	if t.AccessToken == "" {
		return true
	}
	if t.Expiry.IsZero() {
		return false
	}
	return !now.Add(expiryDelta).Before(t.Expiry)
}

func (t TokenSet) oauth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.Expiry,
	}
}

func tokenSetFromOAuth(tok *oauth2.Token) TokenSet {
	return TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}

// UserInfo is the Google account profile.
type UserInfo = protocol.UserInfo

// TokenBroker is the minimal behaviour the sync service needs from the OAuth layer.
type TokenBroker interface {
	ExchangeCode(ctx context.Context, code string) (TokenSet, error)
	FetchUserInfo(ctx context.Context, tokens TokenSet) (UserInfo, error)
	Verify(ctx context.Context, tokens TokenSet) bool
	Refresh(ctx context.Context, tokens TokenSet) (TokenSet, error)
	TokenSource(ctx context.Context, tokens TokenSet, onRefresh func(TokenSet)) (oauth2.TokenSource, error)
}

// GoogleBroker talks to Google's OAuth endpoints.
type GoogleBroker struct {
	creds        *CredentialProvider
	httpClient   *http.Client
	userInfoURL  string
	tokenInfoURL string
	logger       *slog.Logger
}

// BrokerOption customises a GoogleBroker.
type BrokerOption func(*GoogleBroker)

// WithHTTPClient overrides the HTTP client used for every vendor call.
func WithHTTPClient(client *http.Client) BrokerOption {
	return func(b *GoogleBroker) { b.httpClient = client }
}

// WithUserInfoURL overrides the userinfo endpoint.
func WithUserInfoURL(u string) BrokerOption {
	return func(b *GoogleBroker) { b.userInfoURL = u }
}

// WithTokenInfoURL overrides the tokeninfo endpoint used by Verify.
func WithTokenInfoURL(u string) BrokerOption {
	return func(b *GoogleBroker) { b.tokenInfoURL = u }
}

// NewGoogleBroker constructs a broker over the credential provider.
func NewGoogleBroker(creds *CredentialProvider, logger *slog.Logger, opts ...BrokerOption) *GoogleBroker {
	b := &GoogleBroker{
		creds:        creds,
		httpClient:   &http.Client{Timeout: defaultBrokerTimeout},
		userInfoURL:  googleUserInfoURL,
		tokenInfoURL: googleTokenInfoURL,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *GoogleBroker) clientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, b.httpClient)
}

// ExchangeCode completes the code exchange.
func (b *GoogleBroker) ExchangeCode(ctx context.Context, code string) (TokenSet, error) {
	cfg, err := b.creds.OAuthConfig()
	if err != nil {
		return TokenSet{}, err
	}
	if code == "" {
		return TokenSet{}, fmt.Errorf("%w: empty code", ErrAuthExchange)
	}
	tok, err := cfg.Exchange(b.clientContext(ctx), code)
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: %v", ErrAuthExchange, err)
	}
	return tokenSetFromOAuth(tok), nil
}

// FetchUserInfo reads the account profile with the given tokens.
func (b *GoogleBroker) FetchUserInfo(ctx context.Context, tokens TokenSet) (UserInfo, error) {
	cfg, err := b.creds.OAuthConfig()
	if err != nil {
		return UserInfo{}, err
	}
	ctx = b.clientContext(ctx)
	provider := (&oidc.ProviderConfig{
		IssuerURL:   googleIssuer,
		AuthURL:     cfg.Endpoint.AuthURL,
		TokenURL:    cfg.Endpoint.TokenURL,
		UserInfoURL: b.userInfoURL,
	}).NewProvider(ctx)

	info, err := provider.UserInfo(ctx, oauth2.StaticTokenSource(tokens.oauth2Token()))
	if err != nil {
		return UserInfo{}, fmt.Errorf("%w: %v", ErrUserInfo, err)
	}

	var extra struct {
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := info.Claims(&extra); err != nil {
		return UserInfo{}, fmt.Errorf("%w: parse claims: %v", ErrUserInfo, err)
	}

	return UserInfo{
		Email:         info.Email,
		Name:          extra.Name,
		Picture:       extra.Picture,
		VerifiedEmail: info.EmailVerified,
	}, nil
}

// Verify checks the access token with Google. Every failure is reported as false.
func (b *GoogleBroker) Verify(ctx context.Context, tokens TokenSet) bool {
	if !b.creds.IsConfigured() {
		return false
	}
	if tokens.Expired(time.Now()) {
		return false
	}

	u, err := url.Parse(b.tokenInfoURL)
	if err != nil {
		return false
	}
	q := u.Query()
	q.Set("access_token", tokens.AccessToken)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.logger.Debug("token verify failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode == http.StatusOK
}

// Refresh exchanges the refresh token for a new access token.
func (b *GoogleBroker) Refresh(ctx context.Context, tokens TokenSet) (TokenSet, error) {
	cfg, err := b.creds.OAuthConfig()
	if err != nil {
		return TokenSet{}, err
	}
	if tokens.RefreshToken == "" {
		return TokenSet{}, fmt.Errorf("%w: %w: no refresh token", ErrRefresh, ErrTokenRevoked)
	}
	stale := &oauth2.Token{RefreshToken: tokens.RefreshToken}
	tok, err := cfg.TokenSource(b.clientContext(ctx), stale).Token()
	if err != nil {
		return TokenSet{}, refreshError(err)
	}
	refreshed := tokenSetFromOAuth(tok)
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = tokens.RefreshToken
	}
	return refreshed, nil
}

// TokenSource returns an auto-refreshing source for Drive calls. onRefresh is
// invoked whenever a new access token is minted.
func (b *GoogleBroker) TokenSource(ctx context.Context, tokens TokenSet, onRefresh func(TokenSet)) (oauth2.TokenSource, error) {
	cfg, err := b.creds.OAuthConfig()
	if err != nil {
		return nil, err
	}
	base := cfg.TokenSource(b.clientContext(ctx), tokens.oauth2Token())
	return &notifyingTokenSource{base: base, last: tokens.AccessToken, onRefresh: onRefresh}, nil
}

type notifyingTokenSource struct {
	mu        sync.Mutex
	base      oauth2.TokenSource
	last      string
	onRefresh func(TokenSet)
}

func (s *notifyingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, refreshError(err)
	}
	s.mu.Lock()
	changed := tok.AccessToken != s.last
	s.last = tok.AccessToken
	s.mu.Unlock()
	if changed && s.onRefresh != nil {
		s.onRefresh(tokenSetFromOAuth(tok))
	}
	return tok, nil
}

// refreshError classifies a token endpoint failure. invalid_grant and
// client errors from the endpoint mean the grant is gone; anything else
// (network, 5xx) is transient.
func refreshError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if re.ErrorCode == "invalid_grant" || status == http.StatusBadRequest || status == http.StatusUnauthorized {
			return fmt.Errorf("%w: %w: %w", ErrRefresh, ErrTokenRevoked, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrRefresh, err)
}

// IsRefreshFailure reports whether err came from a failed refresh.
func IsRefreshFailure(err error) bool {
	return errors.Is(err, ErrRefresh)
}

// IsTokenRevoked reports whether Google rejected the refresh token itself.
func IsTokenRevoked(err error) bool {
	return errors.Is(err, ErrTokenRevoked)
}
