package server

import (
	"errors"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Message keys. English text doubles as the fallback translation.
const (
	msgNotConfigured     = "Google Drive is not configured on the server"
	msgAuthFailed        = "Could not complete Google authentication"
	msgUserInfoFailed    = "Could not read the Google account profile"
	msgSessionExpired    = "The Google session expired, connect Drive again"
	msgNotAuthenticated  = "Connect Google Drive first"
	msgInvalidState      = "The authorization request expired, try again"
	msgNoBackup          = "There is no backup in Google Drive yet"
	msgRemoteUnavailable = "Google Drive is temporarily unavailable, try again later"
	msgUnexpected        = "Unexpected error while talking to Google Drive"
	msgBackupDone        = "Backup uploaded to Google Drive"
	msgRestoreDone       = "Database restored from Google Drive"
	msgRestoredElsewhere = "Another client restored the database from Google Drive. Reload to see the latest data"
	msgAuthCompleted     = "Google Drive connected. You can close this window."
	msgInvalidRequest    = "Invalid request"
)

var spanishCatalog = map[string]string{
	msgNotConfigured:     "Google Drive no está configurado en el servidor",
	msgAuthFailed:        "No se pudo completar la autenticación con Google",
	msgUserInfoFailed:    "No se pudo obtener el perfil de la cuenta de Google",
	msgSessionExpired:    "La sesión de Google expiró, vuelve a conectar Drive",
	msgNotAuthenticated:  "Primero conecta Google Drive",
	msgInvalidState:      "La solicitud de autorización expiró, inténtalo de nuevo",
	msgNoBackup:          "Todavía no hay copias de seguridad en Google Drive",
	msgRemoteUnavailable: "Google Drive no está disponible temporalmente, inténtalo más tarde",
	msgUnexpected:        "Error inesperado al comunicarse con Google Drive",
	msgBackupDone:        "Copia de seguridad subida a Google Drive",
	msgRestoreDone:       "Base de datos restaurada desde Google Drive",
	msgRestoredElsewhere: "Otro cliente restauró la base de datos desde Google Drive. Recarga para ver los datos más recientes",
	msgAuthCompleted:     "Google Drive conectado. Puedes cerrar esta ventana.",
	msgInvalidRequest:    "Solicitud inválida",
}

func init() {
	for key, translation := range spanishCatalog {
		_ = message.SetString(language.Spanish, key, translation)
		_ = message.SetString(language.English, key, key)
	}
}

func supportedLocale(locale string) bool {
	switch locale {
	case "es", "en":
		return true
	default:
		return false
	}
}

// Messages renders user-facing strings in the configured locale.
type Messages struct {
	printer *message.Printer
}

// NewMessages builds a Messages for locale, defaulting to Spanish.
func NewMessages(locale string) *Messages {
	tag := language.Spanish
	if locale == "en" {
		tag = language.English
	}
	return &Messages{printer: message.NewPrinter(tag)}
}

// Text returns the translation for key.
func (m *Messages) Text(key string) string {
	return m.printer.Sprintf(key)
}

// ForError converts an error into a message safe to show in the dashboard.
// Internal detail is never included.
func (m *Messages) ForError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotConfigured):
		return m.Text(msgNotConfigured)
	case errors.Is(err, ErrAuthExchange):
		return m.Text(msgAuthFailed)
	case errors.Is(err, ErrUserInfo):
		return m.Text(msgUserInfoFailed)
	case errors.Is(err, ErrTokenRevoked):
		return m.Text(msgSessionExpired)
	case errors.Is(err, ErrRefresh):
		return m.Text(msgRemoteUnavailable)
	case errors.Is(err, ErrNotAuthenticated):
		return m.Text(msgNotAuthenticated)
	case errors.Is(err, ErrInvalidState):
		return m.Text(msgInvalidState)
	case errors.Is(err, ErrNoBackup):
		return m.Text(msgNoBackup)
	case errors.Is(err, ErrRemoteUnavailable):
		return m.Text(msgRemoteUnavailable)
	default:
		return m.Text(msgUnexpected)
	}
}
