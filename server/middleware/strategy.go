package middleware

import (
	"fmt"
	"log/slog"

	"github.com/fieldline/audittrail/crypto"
)

const (
	AuthModeJWT     = "jwt"
	AuthModeGateway = "gateway"
)

// AuthConfig selects how incoming requests are identified. jwt verifies
// CRM session tokens locally; gateway trusts identity headers injected by
// an upstream gateway, gated on source IP.
type AuthConfig struct {
	Mode          string `envconfig:"AUTH_MODE" default:"jwt" validate:"oneof=jwt gateway"`
	SessionSecret string `envconfig:"SESSION_JWT_SECRET"`

	TrustedProxies []string `envconfig:"AUTH_TRUSTED_PROXIES"`
	HeaderUserID   string   `envconfig:"AUTH_HEADER_USER_ID" default:"X-Auth-User-ID"`
	HeaderRoles    string   `envconfig:"AUTH_HEADER_ROLES" default:"X-Auth-Roles"`
	HeaderEmail    string   `envconfig:"AUTH_HEADER_EMAIL" default:"X-Auth-Email"`
}

// NewAuthStrategy builds the strategy for the configured mode. In jwt mode
// an empty secret returns a nil strategy: requests proceed anonymous, which
// suits deployments where the CRM only sends the contact header.
func NewAuthStrategy(cfg AuthConfig, logger *slog.Logger) (AuthStrategy, error) {
	switch cfg.Mode {
	case AuthModeGateway:
		strategy, err := NewTrustedHeaderStrategy(TrustedHeaderConfig{
			TrustedProxies: cfg.TrustedProxies,
			HeaderUserID:   cfg.HeaderUserID,
			HeaderRoles:    cfg.HeaderRoles,
			HeaderEmail:    cfg.HeaderEmail,
		}, logger)
		if err != nil {
			return nil, err
		}
		return strategy, nil
	case AuthModeJWT, "":
		if cfg.SessionSecret == "" {
			return nil, nil
		}
		verifier, err := crypto.NewSessionVerifier(cfg.SessionSecret)
		if err != nil {
			return nil, err
		}
		return NewJWTStrategy(verifier, logger), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}
