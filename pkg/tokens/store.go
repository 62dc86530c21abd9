// Package tokens persists the bearer tokens issued to services. Only bcrypt
// hashes are stored; the plaintext token is returned once, at creation.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"

	"github.com/blip/broker/internal/config"
	"github.com/blip/broker/internal/logger"
	"github.com/blip/broker/pkg/types"
	"golang.org/x/crypto/bcrypt"
)

// tokenBytes is the amount of randomness in an issued token. Its base64
// form stays under bcrypt's 72-byte input limit.
const tokenBytes = 48

// Store holds at most one live token per service name
type Store interface {
	// Exists reports whether service has a registered token.
	Exists(ctx context.Context, service string) (bool, error)
	// Create issues a token for service. It fails with ALREADY_EXISTS if
	// one is registered.
	Create(ctx context.Context, service string) (string, error)
	// Verify checks token against the stored hash. Unknown services
	// yield NOT_FOUND.
	Verify(ctx context.Context, service, token string) (bool, error)
	// Delete removes the service's token after verifying the old one.
	Delete(ctx context.Context, service, token string) error
	// Revoke removes the service's token without verification.
	Revoke(ctx context.Context, service string) error
	// List returns the registered service names, sorted.
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Open constructs the backend selected by cfg
func Open(ctx context.Context, cfg config.TokenStoreConfig, log *logger.Logger) (Store, error) {
	switch cfg.Backend {
	case config.TokenBackendFile, "":
		return NewFileStore(cfg.Path, cfg.BcryptCost, log)
	case config.TokenBackendPostgres:
		return NewPostgresStore(ctx, cfg.DatabaseURL, cfg.BcryptCost, log)
	default:
		return nil, types.NewError(types.ErrCodeInvalidArgument, "unknown token backend: "+cfg.Backend)
	}
}

// generate returns a new plaintext token and its bcrypt hash
func generate(cost int) (string, string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", types.WrapError(types.ErrCodeInternal, "failed to generate token", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", "", types.WrapError(types.ErrCodeInternal, "failed to hash token", err)
	}
	return token, string(hash), nil
}

// matches compares a plaintext token with a stored hash
func matches(hash, token string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
	switch err {
	case nil:
		return true, nil
	case bcrypt.ErrMismatchedHashAndPassword:
		return false, nil
	default:
		return false, types.WrapError(types.ErrCodeInternal, "stored token hash is unreadable", err)
	}
}

func notFound(service string) error {
	return types.NewError(types.ErrCodeNotFound, "no token registered for "+service)
}

func alreadyExists(service string) error {
	return types.NewError(types.ErrCodeAlreadyExists, "a token is already registered for "+service)
}

func mismatch(service string) error {
	return types.NewError(types.ErrCodeIncorrectToken, "token does not match the one registered for "+service)
}
