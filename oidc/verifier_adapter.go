package oidcutil

import (
	"context"

	coreoidc "github.com/coreos/go-oidc/v3/oidc"
)

// Adapter implements api.TokenVerifier using VerifyToken.
type Adapter struct{ Verifier *coreoidc.IDTokenVerifier }

func (a Adapter) Verify(ctx context.Context, raw string) error {
	_, err := VerifyToken(ctx, a.Verifier, raw)
	return err
}

// AllowAll accepts every token; used when authentication is disabled.
type AllowAll struct{}

func (AllowAll) Verify(context.Context, string) error { return nil }
