package integration

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/storage"
)

// ResolveCredential picks the credential for a call in two explicit steps:
//
//  1. When preferWorkspace is set and workspaceID is non-empty, a
//     workspace-scoped credential wins if one exists.
//  2. Otherwise the actor's own user-scoped credential is used.
//
// A workspace credential is never used unless preferred. ErrCredentialMissing
// is returned when neither step finds one.
func (s *Service) ResolveCredential(ctx context.Context, providerKey, userID, workspaceID string, preferWorkspace bool) (model.IntegrationCredentials, error) {
	if preferWorkspace && workspaceID != "" {
		c, err := s.cfg.Credentials.GetWorkspaceCredential(ctx, providerKey, workspaceID)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return model.IntegrationCredentials{}, fmt.Errorf("integration: workspace credential: %w", err)
		}
	}

	c, err := s.cfg.Credentials.GetUserCredential(ctx, providerKey, userID)
	if err == nil {
		return c, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return model.IntegrationCredentials{}, ErrCredentialMissing
	}
	return model.IntegrationCredentials{}, fmt.Errorf("integration: user credential: %w", err)
}
