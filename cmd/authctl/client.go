package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ---- http client ----

type apiError struct {
	Status     int
	Detail     string
	RetryAfter string
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("http %d: %s", e.Status, e.Detail)
	if e.RetryAfter != "" {
		msg += " (retry after " + e.RetryAfter + "s)"
	}
	return msg
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type profile struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
}

type gateway struct {
	base string
	hc   *http.Client
}

func newGateway(base string, hc *http.Client) *gateway {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &gateway{base: strings.TrimRight(base, "/"), hc: hc}
}

func (g *gateway) do(ctx context.Context, method, path, bearer, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, g.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := g.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Detail == "" {
			e.Detail = http.StatusText(resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Detail: e.Detail, RetryAfter: resp.Header.Get("Retry-After")}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (g *gateway) login(ctx context.Context, username, password string) (tokenResponse, error) {
	form := url.Values{"username": {username}, "password": {password}}
	var tr tokenResponse
	err := g.do(ctx, http.MethodPost, "/auth/login", "", "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()), &tr)
	return tr, err
}

func (g *gateway) refresh(ctx context.Context, refreshToken string) (tokenResponse, error) {
	b, _ := json.Marshal(map[string]string{"refresh_token": refreshToken})
	var tr tokenResponse
	err := g.do(ctx, http.MethodPost, "/auth/refresh", "", "application/json", strings.NewReader(string(b)), &tr)
	return tr, err
}

func (g *gateway) logout(ctx context.Context, access, refreshToken string) error {
	var body io.Reader
	ct := ""
	if refreshToken != "" {
		b, _ := json.Marshal(map[string]string{"refresh_token": refreshToken})
		body, ct = strings.NewReader(string(b)), "application/json"
	}
	return g.do(ctx, http.MethodPost, "/auth/logout", access, ct, body, nil)
}

// profile asks the gateway who the token belongs to. Admin tokens are
// rejected by the user route, so the admin route is tried second.
func (g *gateway) profile(ctx context.Context, access string) (profile, error) {
	var p profile
	err := g.do(ctx, http.MethodGet, "/users/profile", access, "", nil, &p)
	var ae *apiError
	if errors.As(err, &ae) && ae.Status == http.StatusForbidden {
		err = g.do(ctx, http.MethodGet, "/admins/profile", access, "", nil, &p)
	}
	return p, err
}

// expiryOf reads the exp claim without verifying the signature; the gateway
// remains the authority on validity.
func expiryOf(raw string, fallback time.Duration) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return time.Now().Add(fallback)
}

// ---- grpc dial ----

type bearerCreds struct{ token string }

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return false }

func loadTLS(caPath string, useTLS bool) (credentials.TransportCredentials, error) {
	if !useTLS {
		return insecure.NewCredentials(), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}), nil
}

// checkHealth queries the gRPC health service of the gateway.
func checkHealth(ctx context.Context, addr, service, caPath string, useTLS bool, bearer string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	creds, err := loadTLS(caPath, useTLS)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer}))
	}
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	defer cc.Close()

	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
