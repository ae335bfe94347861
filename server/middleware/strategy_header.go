package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/fieldline/audittrail/contextx"
)

// TrustedHeaderStrategy accepts identity headers injected by an upstream
// gateway, but only from source IPs inside the trusted CIDR list. Used in
// deployments where the CRM gateway terminates auth before us.
type TrustedHeaderStrategy struct {
	trustedCIDRs []*net.IPNet
	logger       *slog.Logger

	headerUserID string
	headerRoles  string
	headerEmail  string
}

type TrustedHeaderConfig struct {
	TrustedProxies []string // e.g. ["127.0.0.1/32", "10.0.0.0/8"]
	HeaderUserID   string   // default: X-Auth-User-ID
	HeaderRoles    string   // default: X-Auth-Roles (comma separated)
	HeaderEmail    string   // default: X-Auth-Email
}

func NewTrustedHeaderStrategy(cfg TrustedHeaderConfig, logger *slog.Logger) (*TrustedHeaderStrategy, error) {
	if len(cfg.TrustedProxies) == 0 {
		return nil, errors.New("security_risk: trusted_proxies list cannot be empty in gateway mode")
	}

	cidrs := make([]*net.IPNet, 0, len(cfg.TrustedProxies))
	for _, cidr := range cfg.TrustedProxies {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			// Fallback: try parsing a single IP as /32.
			if ip := net.ParseIP(cidr); ip != nil {
				_, ipNet, _ = net.ParseCIDR(cidr + "/32")
			} else {
				return nil, fmt.Errorf("invalid cidr configuration: %s", cidr)
			}
		}
		cidrs = append(cidrs, ipNet)
	}

	if cfg.HeaderUserID == "" {
		cfg.HeaderUserID = "X-Auth-User-ID"
	}
	if cfg.HeaderRoles == "" {
		cfg.HeaderRoles = "X-Auth-Roles"
	}
	if cfg.HeaderEmail == "" {
		cfg.HeaderEmail = "X-Auth-Email"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &TrustedHeaderStrategy{
		trustedCIDRs: cidrs,
		logger:       logger,
		headerUserID: cfg.HeaderUserID,
		headerRoles:  cfg.HeaderRoles,
		headerEmail:  cfg.HeaderEmail,
	}, nil
}

func (s *TrustedHeaderStrategy) Authenticate(ctx context.Context, payload AuthPayload) (context.Context, error) {
	host, _, err := net.SplitHostPort(payload.RemoteAddr)
	if err != nil {
		s.logger.Warn("auth rejected: failed to parse remote addr", "addr", payload.RemoteAddr)
		return nil, errors.New("unauthorized gateway connection")
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil, errors.New("invalid remote ip")
	}

	isTrusted := false
	for _, cidr := range s.trustedCIDRs {
		if cidr.Contains(ip) {
			isTrusted = true
			break
		}
	}
	if !isTrusted {
		s.logger.WarnContext(ctx, "untrusted ip attempted to spoof gateway identity headers",
			"ip", host,
			"path", payload.Path,
		)
		return nil, errors.New("forbidden: untrusted source")
	}

	userID := payload.GetHeader(s.headerUserID)
	if userID == "" {
		return nil, errors.New("missing identity header")
	}

	ctx = contextx.WithPrincipalID(ctx, userID)
	if email := payload.GetHeader(s.headerEmail); email != "" {
		ctx = contextx.WithPrincipalEmail(ctx, email)
	}

	if rawRoles := payload.GetHeader(s.headerRoles); rawRoles != "" {
		var roles []string
		for _, role := range strings.Split(rawRoles, ",") {
			if trimmed := strings.TrimSpace(role); trimmed != "" {
				roles = append(roles, trimmed)
			}
		}
		if len(roles) > 0 {
			ctx = contextx.WithPrincipalRoles(ctx, roles)
		}
	}

	return ctx, nil
}
