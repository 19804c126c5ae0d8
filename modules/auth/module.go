package auth

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/go-monolith/mono"
)

// Module provides token validation to the WebSocket endpoints.
type Module struct {
	manager *TokenManager
}

var _ mono.Module = (*Module)(nil)

// NewModule creates the auth module, loading JWT settings from the
// environment.
func NewModule() *Module {
	config := DefaultJWTConfig()
	if secret := os.Getenv("JWT_SECRET_KEY"); secret != "" {
		config.SecretKey = secret
	}
	if issuer := os.Getenv("JWT_ISSUER"); issuer != "" {
		config.Issuer = issuer
	}
	if d := os.Getenv("JWT_ACCESS_TOKEN_DURATION"); d != "" {
		if parsed, err := time.ParseDuration(d); err == nil {
			config.AccessTokenDuration = parsed
		}
	}
	return &Module{manager: NewTokenManager(config)}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "auth"
}

// Start initializes the auth module.
func (m *Module) Start(_ context.Context) error {
	log.Println("[auth] Module started")
	return nil
}

// Stop shuts down the module.
func (m *Module) Stop(_ context.Context) error {
	log.Println("[auth] Module stopped")
	return nil
}

// TokenManager returns the token manager.
func (m *Module) TokenManager() *TokenManager {
	return m.manager
}
