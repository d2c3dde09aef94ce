package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/rs/zerolog"

	"github.com/robomo/pulse/config"
)

// identityClaims gates the push channel on a verified identity: a valid
// token alone is not enough, the identity provider must have confirmed the
// email address.
type identityClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// Validate implements validator.CustomClaims.
func (c *identityClaims) Validate(ctx context.Context) error {
	if !c.EmailVerified {
		return errors.New("email address is not verified")
	}
	return nil
}

// Middleware returns a handler wrapper that admits only requests carrying a
// valid token for a verified identity. Browsers cannot set headers on a
// websocket upgrade, so the token is also accepted as a query parameter.
func Middleware(cfg config.AuthConfig, logger zerolog.Logger) (func(http.Handler) http.Handler, error) {
	issuerURL, err := url.Parse("https://" + cfg.Domain + "/")
	if err != nil {
		return nil, fmt.Errorf("parse issuer url: %w", err)
	}
	provider := jwks.NewCachingProvider(issuerURL, 5*time.Minute)

	jwtValidator, err := validator.New(
		provider.KeyFunc,
		validator.RS256,
		issuerURL.String(),
		[]string{cfg.Audience},
		validator.WithCustomClaims(func() validator.CustomClaims {
			return &identityClaims{}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create token validator: %w", err)
	}

	authLogger := logger.With().Str("component", "auth").Logger()
	middleware := jwtmiddleware.New(
		jwtValidator.ValidateToken,
		jwtmiddleware.WithTokenExtractor(jwtmiddleware.MultiTokenExtractor(
			jwtmiddleware.AuthHeaderTokenExtractor,
			jwtmiddleware.ParameterTokenExtractor("token"),
		)),
		jwtmiddleware.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			authLogger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejected connection")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}),
	)

	return middleware.CheckJWT, nil
}
