// Package tokenexchange implements the gateway's RFC 8693 Token-Exchange
// Client: it mints audience-scoped downstream credentials from the inbound
// principal's token, with IdP error-code mapping and an optional cache.
package tokenexchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/stacklok/vmcp-gateway/internal/gwerrors"
	"github.com/stacklok/vmcp-gateway/internal/logger"
)

const (
	//nolint:gosec // G101: OAuth2 URN identifier, not a credential
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	//nolint:gosec // G101: OAuth2 URN identifier, not a credential
	tokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

	defaultHTTPTimeout  = 30 * time.Second
	maxResponseBodySize = 1 << 20
)

var defaultHTTPClient = &http.Client{Timeout: defaultHTTPTimeout}

// Client performs RFC 8693 token exchange against the configured IdP token
// endpoint.
type Client struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// NewClient constructs a Client; httpClient may be nil to use a default
// timeout-bounded client.
func NewClient(tokenURL, clientID, clientSecret string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = defaultHTTPClient
	}
	return &Client{TokenURL: tokenURL, ClientID: clientID, ClientSecret: clientSecret, HTTPClient: httpClient}
}

// oauthError is an RFC 6749 §5.2 error response.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	StatusCode       int    `json:"-"`
}

func parseOAuthError(statusCode int, body []byte) *oauthError {
	var e oauthError
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return nil
	}
	e.StatusCode = statusCode
	return &e
}

type exchangeResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope"`
}

// Exchange performs the RFC 8693 request described in spec.md §4.2,
// returning the minted access token and its absolute expiry.
func (c *Client) Exchange(ctx context.Context, subjectToken, targetAudience string) (accessToken string, expiresAt time.Time, err error) {
	data := url.Values{}
	data.Set("grant_type", grantTypeTokenExchange)
	data.Set("subject_token", subjectToken)
	data.Set("subject_token_type", tokenTypeAccessToken)
	data.Set("requested_token_type", tokenTypeAccessToken)
	data.Set("audience", targetAudience)

	encoded := data.Encode()
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(encoded))
	if reqErr != nil {
		return "", time.Time{}, gwerrors.Wrap(gwerrors.KindInternal, "", "building token exchange request", reqErr)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(encoded)))
	if c.ClientID != "" && c.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(c.ClientID), url.QueryEscape(c.ClientSecret))
	}

	resp, doErr := c.HTTPClient.Do(req)
	if doErr != nil {
		return "", time.Time{}, gwerrors.Wrap(gwerrors.KindUpstreamUnavailable, gwerrors.ReasonIdpUnavailable,
			"token exchange request failed", doErr)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if readErr != nil {
		return "", time.Time{}, gwerrors.Wrap(gwerrors.KindUpstreamUnavailable, gwerrors.ReasonIdpUnavailable,
			"reading token exchange response", readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", time.Time{}, mapExchangeError(resp.StatusCode, body, targetAudience)
	}

	var tokenResp exchangeResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", time.Time{}, gwerrors.Wrap(gwerrors.KindUpstreamUnavailable, gwerrors.ReasonIdpUnavailable,
			"parsing token exchange response", err)
	}
	if tokenResp.AccessToken == "" {
		return "", time.Time{}, gwerrors.New(gwerrors.KindUpstreamUnavailable, gwerrors.ReasonIdpUnavailable,
			"IdP returned empty access_token")
	}

	expiry := time.Time{}
	if tokenResp.ExpiresIn > 0 {
		expiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}
	return tokenResp.AccessToken, expiry, nil
}

// ExchangeToken is Exchange wrapped in the standard oauth2.Token shape, for
// callers (the Activation Engine, the Proxy Tool Dispatcher) that want a
// typed credential rather than a bare (string, time.Time) pair.
func (c *Client) ExchangeToken(ctx context.Context, subjectToken, targetAudience string) (*oauth2.Token, error) {
	accessToken, expiry, err := c.Exchange(ctx, subjectToken, targetAudience)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		Expiry:      expiry,
	}, nil
}

func mapExchangeError(statusCode int, body []byte, targetAudience string) error {
	oe := parseOAuthError(statusCode, body)

	switch {
	case statusCode == http.StatusBadRequest && oe != nil && oe.Error == "invalid_grant":
		logger.Debugf("token exchange: invalid_grant: %s", oe.ErrorDescription)
		return gwerrors.New(gwerrors.KindUnauthenticated, gwerrors.ReasonSubjectTokenInvalid, "subject token rejected by IdP")
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return gwerrors.New(gwerrors.KindPermissionDenied, "",
			fmt.Sprintf("IdP denied exchange for audience %q: caller likely lacks the required role", targetAudience))
	case statusCode >= 500:
		return gwerrors.New(gwerrors.KindUpstreamUnavailable, gwerrors.ReasonIdpUnavailable,
			fmt.Sprintf("IdP returned %d", statusCode))
	default:
		msg := fmt.Sprintf("token exchange failed with status %d", statusCode)
		if oe != nil {
			msg = fmt.Sprintf("token exchange failed: %s", oe.Error)
		}
		return gwerrors.New(gwerrors.KindUpstreamUnavailable, gwerrors.ReasonIdpUnavailable, msg)
	}
}
