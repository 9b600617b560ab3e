package server

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"path/filepath"

	"drivesync/protocol"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config      Config
	Logger      *slog.Logger
	Credentials *CredentialProvider
	Store       TokenStore
	Sync        *SyncService
	Messages    *Messages
}

// NewApp wires together the application state from configuration and
// restores a previously stored Drive connection.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	creds := NewCredentialProvider(cfg, logger)

	stateKey, err := loadOrCreateKey(filepath.Join(cfg.Server.SecretsPath, stateKeyFile))
	if err != nil {
		return nil, err
	}
	sealKey, err := loadOrCreateKey(filepath.Join(cfg.Server.SecretsPath, sealKeyFile))
	if err != nil {
		return nil, err
	}
	sealer, err := NewTokenSealer(sealKey)
	if err != nil {
		return nil, err
	}

	store, err := OpenTokenStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	messages := NewMessages(cfg.UI.Locale)
	svc := NewSyncService(SyncDeps{
		Credentials:      creds,
		Broker:           NewGoogleBroker(creds, logger),
		States:           NewStateIssuer(stateKey, cfg.StateTTL(), NewInMemoryStore()),
		Store:            store,
		Sealer:           sealer,
		Database:         NewSQLiteDatabase(cfg.Database.Path),
		Remotes:          DriveRemoteFactory(cfg.Drive),
		Messages:         messages,
		Logger:           logger,
		Drive:            cfg.Drive,
		Debounce:         cfg.DebounceInterval(),
		OperationTimeout: cfg.OperationTimeout(),
	})

	if err := svc.LoadStoredAuth(ctx); err != nil {
		logger.Warn("restore drive connection", "error", err)
	}

	return &App{
		Config:      cfg,
		Logger:      logger,
		Credentials: creds,
		Store:       store,
		Sync:        svc,
		Messages:    messages,
	}, nil
}

// Close stops background work and releases the token store.
func (a *App) Close() error {
	a.Sync.Close()
	if a.Store == nil {
		return nil
	}
	return a.Store.Close()
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":     "ok",
		"configured": a.Credentials.IsConfigured(),
		"clients":    a.Sync.Subscribers(),
	})
}

func (a *App) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.Sync.Snapshot())
}

func (a *App) handleChange(w http.ResponseWriter, r *http.Request) {
	queue := a.Sync.NotifyChange()
	AnnotateRequest(r.Context(), "queue_length", queue)
	writeJSONStatus(w, http.StatusAccepted, map[string]int{"queueLength": queue})
}

type popupResult struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (a *App) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if vendorErr := q.Get("error"); vendorErr != "" {
		a.Logger.Warn("google consent not granted", "error", vendorErr)
		a.renderPopup(w, http.StatusOK, popupResult{Type: protocol.PopupAuthError, Error: a.Messages.Text(msgAuthFailed)})
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		a.renderPopup(w, http.StatusBadRequest, popupResult{Type: protocol.PopupAuthError, Error: a.Messages.Text(msgInvalidRequest)})
		return
	}

	req, err := a.Sync.CompleteAuth(r.Context(), code, state)
	AnnotateRequest(r.Context(), "client_id", req.ClientID)
	if err != nil {
		a.Logger.Error("oauth callback failed", "client_id", req.ClientID, "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, ErrInvalidState) {
			status = http.StatusBadRequest
		} else if errors.Is(err, ErrNotConfigured) {
			status = http.StatusServiceUnavailable
		}
		a.renderPopup(w, status, popupResult{Type: protocol.PopupAuthError, Error: a.Messages.ForError(err)})
		return
	}

	a.renderPopup(w, http.StatusOK, popupResult{Type: protocol.PopupAuthSuccess, Message: a.Messages.Text(msgAuthCompleted)})
}

func (a *App) renderPopup(w http.ResponseWriter, status int, result popupResult) {
	text := result.Message
	if text == "" {
		text = result.Error
	}
	data := struct {
		Result       popupResult
		Text         string
		TargetOrigin string
	}{
		Result:       result,
		Text:         text,
		TargetOrigin: a.popupTargetOrigin(),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := popupTemplate.Execute(w, data); err != nil {
		a.Logger.Error("render popup page", "error", err)
	}
}

func (a *App) popupTargetOrigin() string {
	if origin := extractOrigin(a.Credentials.FrontendURL()); origin != "" {
		return origin
	}
	return extractOrigin(a.Config.Server.PublicURL)
}

var popupTemplate = template.Must(template.New("popup").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Google Drive</title>
</head>
<body>
<p>{{.Text}}</p>
<script>
(function () {
  if (window.opener) {
    window.opener.postMessage({{.Result}}, {{.TargetOrigin}});
  }
  window.close();
})();
</script>
</body>
</html>
`))

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
