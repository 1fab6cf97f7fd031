package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// HTTPClient talks to the publishing platform's HTTP API. The platform
// penalizes burst activity, so every call waits on a coarse request limiter.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	limiter <-chan time.Time
}

func NewHTTPClient() (*HTTPClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("PLATFORM_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("PLATFORM_API_BASE_URL is required")
	}
	rateLimitPerMin := int64(20)
	if v := strings.TrimSpace(os.Getenv("PLATFORM_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: time.Tick(interval),
	}, nil
}

type authRequest struct {
	AccountId  string `json:"account_id"`
	Credential string `json:"credential"`
}

type authResponse struct {
	Success     bool              `json:"success"`
	Credential  *CredentialBundle `json:"credential_bundle"`
	ErrorKind   string            `json:"error_kind"`
	ErrorDetail string            `json:"error_detail"`
}

type publishResponse struct {
	Success     bool   `json:"success"`
	Ref         string `json:"ref"`
	ErrorDetail string `json:"error_detail"`
}

func (c *HTTPClient) Authenticate(ctx context.Context, accountId string, credentialMaterial string) (CredentialBundle, error) {
	var parsed authResponse
	err := c.postJSON(ctx, "/v1/auth/login", "", authRequest{
		AccountId:  accountId,
		Credential: credentialMaterial,
	}, &parsed)
	if err != nil {
		if isTimeout(err) {
			return CredentialBundle{}, &AuthError{Kind: AuthErrorTimeout, Detail: err.Error()}
		}
		return CredentialBundle{}, &AuthError{Kind: AuthErrorUnknown, Detail: err.Error()}
	}
	if !parsed.Success || parsed.Credential == nil {
		return CredentialBundle{}, &AuthError{Kind: mapAuthErrorKind(parsed.ErrorKind), Detail: parsed.ErrorDetail}
	}
	return *parsed.Credential, nil
}

func (c *HTTPClient) Publish(ctx context.Context, req PublishRequest, cred CredentialBundle) (PublishResult, error) {
	var parsed publishResponse
	if err := c.postJSON(ctx, "/v1/drafts", cred.AccessToken, req, &parsed); err != nil {
		return PublishResult{}, err
	}
	if !parsed.Success || parsed.Ref == "" {
		detail := parsed.ErrorDetail
		if detail == "" {
			detail = "publish rejected by platform"
		}
		return PublishResult{}, errors.New(detail)
	}
	return PublishResult{ExternalRef: parsed.Ref}, nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, bearer string, payload interface{}, dest interface{}) error {
	select {
	case <-c.limiter:
	case <-ctx.Done():
		return ctx.Err()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("platform api error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, dest)
}

func mapAuthErrorKind(kind string) AuthErrorKind {
	switch kind {
	case "InvalidCredentials":
		return AuthErrorInvalidCredentials
	case "ChallengeRequired":
		return AuthErrorChallengeRequired
	case "Timeout":
		return AuthErrorTimeout
	}
	return AuthErrorUnknown
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
