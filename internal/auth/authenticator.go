package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gmencz/mycelium/internal/domain"
	"github.com/gmencz/mycelium/internal/protocol"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// capabilitiesClaim is the private JWT claim carrying a capability override.
// When present, it replaces the key's stored grants for this session.
const capabilitiesClaim = "x-mycelium-capabilities"

// Raw keys are "id:secret" as issued at app creation.
const keySeparator = ":"

// Authenticator turns credentials into a resolved identity. Key lookups for
// token verification are deduplicated, so a reconnect storm of clients signed
// by the same key costs one database round trip.
type Authenticator struct {
	keys   domain.KeyRepository
	group  singleflight.Group
	logger *slog.Logger
}

func NewAuthenticator(keys domain.KeyRepository, logger *slog.Logger) *Authenticator {
	return &Authenticator{keys: keys, logger: logger}
}

// Authenticate resolves either a raw API key or a bearer token into an Auth.
// Exactly one of key and token must be set. The returned *protocol.CloseError
// is nil on success and carries the close code the session should end with on
// failure.
func (a *Authenticator) Authenticate(ctx context.Context, key, token string) (*domain.Auth, *protocol.CloseError) {
	switch {
	case key != "" && token != "":
		return nil, protocol.NewCloseError(protocol.CloseInvalidAuthCombination)
	case key == "" && token == "":
		return nil, protocol.NewCloseError(protocol.CloseInvalidAuthCombination)
	case key != "":
		return a.authenticateKey(ctx, key)
	default:
		return a.AuthenticateToken(ctx, token)
	}
}

func (a *Authenticator) authenticateKey(ctx context.Context, raw string) (*domain.Auth, *protocol.CloseError) {
	id, secret, ok := strings.Cut(raw, keySeparator)
	if !ok || id == "" || secret == "" {
		return nil, protocol.NewCloseErrorf(protocol.CloseAuthenticationError, "malformed api key")
	}

	apiKey, err := a.lookupKey(ctx, id)
	if err != nil {
		return nil, a.keyLookupError(id, err)
	}
	if apiKey.Secret != secret {
		return nil, protocol.NewCloseErrorf(protocol.CloseAuthenticationError, "invalid api key")
	}

	return &domain.Auth{
		AppID:        apiKey.AppID,
		KeyID:        apiKey.ID,
		Capabilities: apiKey.Capabilities,
	}, nil
}

// AuthenticateToken verifies a bearer token on its own. Besides the
// handshake, sessions use it for per-subscription tokens on private channels.
func (a *Authenticator) AuthenticateToken(ctx context.Context, raw string) (*domain.Auth, *protocol.CloseError) {
	var (
		apiKey    *domain.APIKey
		lookupErr error
	)

	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("token has no kid header")
		}

		k, err := a.lookupKey(ctx, kid)
		if err != nil {
			if !errors.Is(err, domain.ErrKeyNotFound) {
				lookupErr = err
			}
			return nil, err
		}
		apiKey = k
		return []byte(k.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if lookupErr != nil {
		a.logger.Error("token key lookup failed", slog.Any("error", lookupErr))
		return nil, protocol.NewCloseError(protocol.CloseInternalError)
	}
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			return nil, protocol.NewCloseErrorf(protocol.CloseAuthenticationError, "unknown signing key")
		}
		return nil, protocol.NewCloseErrorf(protocol.CloseAuthenticationError, "invalid token")
	}
	if !parsed.Valid || apiKey == nil {
		return nil, protocol.NewCloseErrorf(protocol.CloseAuthenticationError, "invalid token")
	}

	capabilities := apiKey.Capabilities
	claims, _ := parsed.Claims.(jwt.MapClaims)
	if override, ok := claims[capabilitiesClaim]; ok {
		capabilities, err = parseOverride(override)
		if err != nil {
			return nil, protocol.NewCloseErrorf(protocol.CloseAuthenticationError, "invalid capabilities claim: %v", err)
		}
	}

	return &domain.Auth{
		AppID:        apiKey.AppID,
		KeyID:        apiKey.ID,
		Capabilities: capabilities,
	}, nil
}

// lookupKey fetches a key by ID, collapsing concurrent lookups for the same
// ID into one repository call.
func (a *Authenticator) lookupKey(ctx context.Context, id string) (*domain.APIKey, error) {
	v, err, _ := a.group.Do(id, func() (any, error) {
		return a.keys.GetKey(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.APIKey), nil
}

func (a *Authenticator) keyLookupError(id string, err error) *protocol.CloseError {
	if errors.Is(err, domain.ErrKeyNotFound) {
		return protocol.NewCloseErrorf(protocol.CloseAuthenticationError, "invalid api key")
	}
	a.logger.Error("api key lookup failed", slog.String("key_id", id), slog.Any("error", err))
	return protocol.NewCloseError(protocol.CloseInternalError)
}

// parseOverride validates a token-embedded capability override. The claim
// decodes as map[string]any with []any values, so it is reshaped before the
// shared validation path.
func parseOverride(claim any) (domain.CapabilitySet, error) {
	m, ok := claim.(map[string]any)
	if !ok {
		return nil, errors.New("claim must be an object mapping patterns to operation lists")
	}
	if len(m) > domain.MaxCapabilityPatterns {
		return nil, fmt.Errorf("claim has %d patterns, limit is %d", len(m), domain.MaxCapabilityPatterns)
	}

	raw := make(map[string][]string, len(m))
	for pattern, v := range m {
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("pattern %q must map to a list of operations", pattern)
		}
		ops := make([]string, 0, len(list))
		for _, o := range list {
			s, ok := o.(string)
			if !ok {
				return nil, fmt.Errorf("pattern %q has a non-string operation", pattern)
			}
			ops = append(ops, s)
		}
		raw[pattern] = ops
	}

	return domain.ParseCapabilities(raw)
}
