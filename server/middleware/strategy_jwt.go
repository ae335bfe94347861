package middleware

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/fieldline/audittrail/contextx"
	"github.com/fieldline/audittrail/crypto"
)

// JWTStrategy verifies HMAC session tokens and hydrates the principal
// context the actor resolver reads from.
type JWTStrategy struct {
	verifier *crypto.SessionVerifier
	logger   *slog.Logger
}

func NewJWTStrategy(verifier *crypto.SessionVerifier, logger *slog.Logger) *JWTStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTStrategy{
		verifier: verifier,
		logger:   logger,
	}
}

func (s *JWTStrategy) Authenticate(ctx context.Context, payload AuthPayload) (context.Context, error) {
	authHeader := payload.GetHeader("Authorization")
	if authHeader == "" {
		return nil, errors.New("missing authorization header")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, errors.New("invalid authorization header format")
	}

	claims, err := s.verifier.VerifyToken(parts[1])
	if err != nil {
		s.logger.WarnContext(ctx, "session token verification failed", "error", err, "ip", payload.RemoteAddr)
		return nil, errors.New("invalid token")
	}

	// Portal contacts carry their own token type. They hydrate the contact
	// keys so the trail attributes them as contacts, not staff users.
	if claims.GetActorType() == "contact" {
		if claims.Subject != "" {
			ctx = contextx.WithContactID(ctx, claims.Subject)
		}
		if claims.Email != "" {
			ctx = contextx.WithContactEmail(ctx, claims.Email)
		}
		if claims.Name != "" {
			ctx = contextx.WithContactName(ctx, claims.Name)
		}
		if claims.ContractorID != "" {
			ctx = contextx.WithContractorID(ctx, claims.ContractorID)
		}
		return ctx, nil
	}

	if claims.Subject != "" {
		ctx = contextx.WithPrincipalID(ctx, claims.Subject)
	}
	if claims.Email != "" {
		ctx = contextx.WithPrincipalEmail(ctx, claims.Email)
	}
	if claims.Name != "" {
		ctx = contextx.WithPrincipalName(ctx, claims.Name)
	}
	if len(claims.Roles) > 0 {
		ctx = contextx.WithPrincipalRoles(ctx, claims.GetRoles())
	}

	return ctx, nil
}
