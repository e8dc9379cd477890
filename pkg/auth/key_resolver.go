package auth

import (
	"context"

	"github.com/google/uuid"

	pkgerrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/observability"
)

// Credential is a resolved provider credential. The key material must
// never be logged; Source identifies where the chain stopped.
type Credential struct {
	Provider string
	Key      string
	Source   CredentialSource
}

// CredentialSource identifies which link of the fallback chain supplied a key
type CredentialSource string

// Credential sources in fallback order
const (
	SourceTenantOwner    CredentialSource = "tenant_owner"
	SourceUser           CredentialSource = "user"
	SourceProcessDefault CredentialSource = "process_default"
)

// CredentialStore loads stored credentials from the relational store
type CredentialStore interface {
	// GetTenantOwnerCredential returns the tenant owner's key for the
	// provider, or "" when none is stored.
	GetTenantOwnerCredential(ctx context.Context, tenantID uuid.UUID, provider string) (string, error)
	// GetUserCredential returns the user's key for the provider, or ""
	// when none is stored.
	GetUserCredential(ctx context.Context, userID uuid.UUID, provider string) (string, error)
}

// KeyResolver resolves a provider credential for a (tenant, user) pair
// using the fallback chain: tenant owner, then current user, then the
// process-level default.
type KeyResolver struct {
	store    CredentialStore
	defaults map[string]string
	logger   observability.Logger
}

// NewKeyResolver creates a new KeyResolver. defaults maps provider tag to
// a process-level key and may be nil.
func NewKeyResolver(store CredentialStore, defaults map[string]string, logger observability.Logger) *KeyResolver {
	if logger == nil {
		logger = observability.NewLogger("auth.key_resolver")
	}
	if defaults == nil {
		defaults = map[string]string{}
	}
	return &KeyResolver{store: store, defaults: defaults, logger: logger}
}

// Resolve walks the fallback chain and stops at the first hit. Absence of
// any credential is an AuthFailure.
func (r *KeyResolver) Resolve(ctx context.Context, tenantID, userID uuid.UUID, provider string) (*Credential, error) {
	if tenantID != uuid.Nil {
		key, err := r.store.GetTenantOwnerCredential(ctx, tenantID, provider)
		if err != nil {
			return nil, pkgerrors.StorageFailure(err).WithOperation("resolve_credential")
		}
		if key != "" {
			return &Credential{Provider: provider, Key: key, Source: SourceTenantOwner}, nil
		}
	}

	if userID != uuid.Nil {
		key, err := r.store.GetUserCredential(ctx, userID, provider)
		if err != nil {
			return nil, pkgerrors.StorageFailure(err).WithOperation("resolve_credential")
		}
		if key != "" {
			return &Credential{Provider: provider, Key: key, Source: SourceUser}, nil
		}
	}

	if key, ok := r.defaults[provider]; ok && key != "" {
		return &Credential{Provider: provider, Key: key, Source: SourceProcessDefault}, nil
	}

	r.logger.Warn("No credential available", map[string]interface{}{
		"tenant_id": tenantID.String(),
		"provider":  provider,
	})
	return nil, pkgerrors.AuthFailure("no credential available for provider %s", provider)
}
