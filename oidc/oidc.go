package oidcutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	coreoidc "github.com/coreos/go-oidc/v3/oidc"

	"sharedcatalog/config"
	"sharedcatalog/logger"
	"sharedcatalog/metrics"
)

// Init initializes the OIDC provider (with backoff and optional fallback issuer) and returns the verifier.
func Init(ctx context.Context) (*coreoidc.IDTokenVerifier, error) {
	p, err := initProviderWithBackoff(ctx, config.DexIssuer)
	if err != nil {
		return nil, err
	}
	return p.Verifier(&coreoidc.Config{ClientID: config.ClientID}), nil
}

// VerifyToken verifies a raw token using the provided verifier and validates audience & expiration.
func VerifyToken(ctx context.Context, verifier *coreoidc.IDTokenVerifier, raw string) (*coreoidc.IDToken, error) {
	tok, err := verifier.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	var claims struct {
		Aud interface{} `json:"aud"`
		Exp int64       `json:"exp"`
	}
	if err := tok.Claims(&claims); err != nil {
		return nil, err
	}
	if err := CheckClaims(claims.Aud, claims.Exp, time.Now()); err != nil {
		return nil, err
	}
	return tok, nil
}

// CheckClaims validates the audience (string or list) and expiry of a token.
func CheckClaims(aud interface{}, exp int64, now time.Time) error {
	var auds []string
	switch v := aud.(type) {
	case string:
		auds = []string{v}
	case []interface{}:
		for _, a := range v {
			if s, ok := a.(string); ok {
				auds = append(auds, s)
			}
		}
	case []string:
		auds = v
	}
	found := false
	for _, a := range auds {
		if a == config.Audience {
			found = true
			break
		}
	}
	if !found {
		return ErrInvalidAudience{Expected: config.Audience, Got: strings.Join(auds, ",")}
	}
	if now.Unix() > exp {
		return ErrTokenExpired{}
	}
	return nil
}

// Errors

type ErrInvalidAudience struct{ Expected, Got string }

func (e ErrInvalidAudience) Error() string {
	return "invalid audience: expected " + e.Expected + " got " + e.Got
}

type ErrTokenExpired struct{}

func (e ErrTokenExpired) Error() string { return "token expired" }

func backoff(attempt int) time.Duration {
	return time.Duration(math.Min(float64(time.Second*30), float64(time.Second)*math.Pow(2, float64(attempt))))
}

func initProviderWithBackoff(ctx context.Context, issuer string) (*coreoidc.Provider, error) {
	maxAttempts := 8
	if v, perr := strconv.Atoi(config.DexOIDCMaxAttempts); perr == nil && v > 0 {
		maxAttempts = v
	}

	pctx := ctx
	if config.DexCACertFile != "" {
		c, err := clientWithCA(config.DexCACertFile)
		if err != nil {
			return nil, err
		}
		pctx = coreoidc.ClientContext(ctx, c)
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var provider *coreoidc.Provider
		provider, err = coreoidc.NewProvider(pctx, issuer)
		if err == nil {
			logger.Info("oidc provider initialized", logger.FieldKV("issuer", issuer), logger.FieldKV("attempt", attempt))
			metrics.IncOIDCInitSuccess()
			return provider, nil
		}
		// Detect common misconfiguration: using https issuer while endpoint serves plain http
		if strings.Contains(err.Error(), "server gave HTTP response to HTTPS client") {
			logger.Error("oidc issuer scheme mismatch (https expected but endpoint is http)", err,
				logger.FieldKV("issuer", issuer))
		}
		sleep := backoff(attempt)
		logger.Error("oidc provider init failed", err, logger.FieldKV("attempt", attempt), logger.FieldKV("next_sleep", sleep.String()))
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, fmt.Errorf("oidc init canceled: %w", ctx.Err())
		}
	}

	if config.Enabled(config.DexOIDCFallbackEnabled) && issuer != config.InternalDexIssuer {
		logger.Error("primary issuer failed, attempting internal fallback", err,
			logger.FieldKV("primary_issuer", issuer), logger.FieldKV("fallback_issuer", config.InternalDexIssuer))
		for attempt := 1; attempt <= 4; attempt++ {
			provider, ferr := coreoidc.NewProvider(pctx, config.InternalDexIssuer)
			if ferr == nil {
				logger.Info("oidc provider initialized via fallback", logger.FieldKV("issuer", config.InternalDexIssuer), logger.FieldKV("attempt", attempt))
				metrics.IncOIDCInitSuccess()
				return provider, nil
			}
			err = ferr
			select {
			case <-time.After(500 * time.Millisecond * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, fmt.Errorf("oidc fallback init canceled: %w", ctx.Err())
			}
		}
	}

	metrics.IncOIDCInitFailure()
	return nil, fmt.Errorf("initialize oidc provider after %d attempts: %w", maxAttempts, err)
}

// clientWithCA builds an http client trusting the PEM bundle at path.
func clientWithCA(path string) (*http.Client, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read custom CA file: %w", err)
	}
	p := x509.NewCertPool()
	if ok := p.AppendCertsFromPEM(data); !ok {
		return nil, fmt.Errorf("no certs found in %s", path)
	}
	tr := &http.Transport{Proxy: http.ProxyFromEnvironment, TLSClientConfig: &tls.Config{RootCAs: p}}
	logger.Info("custom CA trust added for OIDC", logger.FieldKV("path", path))
	return &http.Client{Transport: tr, Timeout: 10 * time.Second}, nil
}
