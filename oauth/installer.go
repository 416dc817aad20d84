package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/linkbilling/store"
)

// StoreInstaller saves installs as store.InstalledIntegration rows.
type StoreInstaller struct {
	store store.IntegrationStore
}

// NewStoreInstaller creates a StoreInstaller.
func NewStoreInstaller(s store.IntegrationStore) *StoreInstaller {
	return &StoreInstaller{store: s}
}

// Install upserts the integration for wc.WorkspaceID with tok as its credentials.
func (i *StoreInstaller) Install(ctx context.Context, provider string, tok *Token, wc WorkspaceContext) error {
	if wc.WorkspaceID == "" {
		return fmt.Errorf("install %s: missing workspace id", provider)
	}
	creds, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("install %s: encode credentials: %w", provider, err)
	}
	_, err = i.store.UpsertIntegration(ctx, store.InstalledIntegration{
		WorkspaceID: wc.WorkspaceID,
		UserID:      wc.UserID,
		Integration: provider,
		Credentials: creds,
	})
	if err != nil {
		return fmt.Errorf("install %s: %w", provider, err)
	}
	return nil
}

// Credentials decodes the token saved by Install.
func (i *StoreInstaller) Credentials(ctx context.Context, provider, workspaceID string) (*Token, WorkspaceContext, error) {
	in, err := i.store.GetIntegration(ctx, workspaceID, provider)
	if errors.Is(err, store.ErrNotFound) {
		return nil, WorkspaceContext{}, err
	}
	if err != nil {
		return nil, WorkspaceContext{}, fmt.Errorf("load %s: %w", provider, err)
	}
	var tok Token
	if err := json.Unmarshal(in.Credentials, &tok); err != nil {
		return nil, WorkspaceContext{}, fmt.Errorf("decode %s credentials: %w", provider, err)
	}
	return &tok, WorkspaceContext{WorkspaceID: in.WorkspaceID, UserID: in.UserID}, nil
}
