package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Fixed OAuth scopes requested for Drive backups.
const (
	DriveFileScope = "https://www.googleapis.com/auth/drive.file"
	UserEmailScope = "https://www.googleapis.com/auth/userinfo.email"
)

// CallbackPath is where Google redirects the consent popup.
const CallbackPath = "/auth/google/callback"

const (
	credentialSourceEnv  = "env"
	credentialSourceFile = "file"
)

// Credentials are the OAuth client settings resolved at startup.
type Credentials struct {
	ClientID     string
	ClientSecret string
	ProjectID    string
	RedirectURI  string
	AuthURI      string
	TokenURI     string
	FrontendURL  string
	Source       string
}

type credentialsEnv struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	ProjectID    string `env:"PROJECT_ID"`
	RedirectURI  string `env:"REDIRECT_URI"`
	FrontendURL  string `env:"FRONTEND_URL"`
}

type credentialsFile struct {
	Web struct {
		ClientID          string   `json:"client_id"`
		ClientSecret      string   `json:"client_secret"`
		ProjectID         string   `json:"project_id"`
		AuthURI           string   `json:"auth_uri"`
		TokenURI          string   `json:"token_uri"`
		RedirectURIs      []string `json:"redirect_uris"`
		JavascriptOrigins []string `json:"javascript_origins"`
	} `json:"web"`
}

// LoadCredentials resolves credentials from the environment first and the
// credentials file second. ok is false when neither source is usable.
func LoadCredentials(path string) (creds Credentials, ok bool, err error) {
	var raw credentialsEnv
	if err := env.Parse(&raw); err != nil {
		return Credentials{}, false, fmt.Errorf("parse env: %w", err)
	}
	if raw.ClientID != "" && raw.ClientSecret != "" {
		return Credentials{
			ClientID:     raw.ClientID,
			ClientSecret: raw.ClientSecret,
			ProjectID:    raw.ProjectID,
			RedirectURI:  raw.RedirectURI,
			FrontendURL:  raw.FrontendURL,
			Source:       credentialSourceEnv,
		}, true, nil
	}

	if strings.TrimSpace(path) == "" {
		return Credentials{}, false, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credentials{}, false, nil
		}
		return Credentials{}, false, fmt.Errorf("read credentials file: %w", err)
	}
	var doc credentialsFile
	if err := json.Unmarshal(b, &doc); err != nil {
		return Credentials{}, false, fmt.Errorf("parse credentials file: %w", err)
	}
	if doc.Web.ClientID == "" || doc.Web.ClientSecret == "" {
		return Credentials{}, false, fmt.Errorf("credentials file %s: web.client_id and web.client_secret are required", path)
	}
	creds = Credentials{
		ClientID:     doc.Web.ClientID,
		ClientSecret: doc.Web.ClientSecret,
		ProjectID:    doc.Web.ProjectID,
		AuthURI:      doc.Web.AuthURI,
		TokenURI:     doc.Web.TokenURI,
		Source:       credentialSourceFile,
	}
	if len(doc.Web.RedirectURIs) > 0 {
		creds.RedirectURI = doc.Web.RedirectURIs[0]
	}
	if len(doc.Web.JavascriptOrigins) > 0 {
		creds.FrontendURL = doc.Web.JavascriptOrigins[0]
	}
	return creds, true, nil
}

// CredentialProvider owns the OAuth client configuration.
type CredentialProvider struct {
	creds       Credentials
	configured  bool
	oauthConfig *oauth2.Config
}

// NewCredentialProvider loads credentials once. A missing or broken source
// leaves the provider unconfigured and logs a single warning.
func NewCredentialProvider(cfg Config, logger *slog.Logger) *CredentialProvider {
	creds, ok, err := LoadCredentials(cfg.Credentials.Path)
	if err != nil {
		logger.Warn("google credentials unreadable", "path", cfg.Credentials.Path, "error", err)
	}
	if !ok {
		logger.Warn("google drive integration disabled: set CLIENT_ID and CLIENT_SECRET or provide a credentials file",
			"path", cfg.Credentials.Path)
		return &CredentialProvider{}
	}
	p := NewCredentialProviderFrom(creds, cfg.Server.PublicURL)
	logger.Info("google credentials loaded", "source", creds.Source, "project_id", creds.ProjectID, "redirect_uri", p.creds.RedirectURI)
	return p
}

// NewCredentialProviderFrom builds a configured provider from explicit credentials.
func NewCredentialProviderFrom(creds Credentials, publicURL string) *CredentialProvider {
	if creds.RedirectURI == "" {
		creds.RedirectURI = strings.TrimSuffix(publicURL, "/") + CallbackPath
	}
	if creds.FrontendURL == "" {
		creds.FrontendURL = publicURL
	}

	endpoint := google.Endpoint
	if creds.AuthURI != "" {
		endpoint.AuthURL = creds.AuthURI
	}
	if creds.TokenURI != "" {
		endpoint.TokenURL = creds.TokenURI
	}
	creds.AuthURI = endpoint.AuthURL
	creds.TokenURI = endpoint.TokenURL

	return &CredentialProvider{
		creds:      creds,
		configured: true,
		oauthConfig: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURI,
			Endpoint:     endpoint,
			Scopes:       []string{DriveFileScope, UserEmailScope},
		},
	}
}

// IsConfigured reports whether credentials were resolved.
func (p *CredentialProvider) IsConfigured() bool {
	return p != nil && p.configured
}

// Credentials returns the resolved credentials.
func (p *CredentialProvider) Credentials() Credentials {
	if p == nil {
		return Credentials{}
	}
	return p.creds
}

// FrontendURL is the dashboard origin allowed to receive popup messages.
func (p *CredentialProvider) FrontendURL() string {
	if p == nil {
		return ""
	}
	return p.creds.FrontendURL
}

// OAuthConfig returns the vendor OAuth client.
func (p *CredentialProvider) OAuthConfig() (*oauth2.Config, error) {
	if !p.IsConfigured() {
		return nil, ErrNotConfigured
	}
	return p.oauthConfig, nil
}

// AuthURL builds the consent URL. Offline access, forced consent and
// incremental scopes are always requested.
func (p *CredentialProvider) AuthURL(state string) (string, error) {
	cfg, err := p.OAuthConfig()
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	), nil
}
