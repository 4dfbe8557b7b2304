// Package remote implements the identity backend against a hosted GoTrue
// compatible auth service. It persists no state of its own: the provider owns
// the account, the client holds the issued tokens and keeps them fresh in the
// background.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/ybdn/WhatWeWatch/identity"
)

const defaultRefreshMargin = 30 * time.Second

// Client talks to the auth service REST API and implements identity.Backend.
type Client struct {
	baseURL      string
	anonKey      string
	functionsURL string
	httpClient   *http.Client
	log          zerolog.Logger
	nowTime      func() time.Time
	margin       time.Duration

	mu           sync.Mutex
	session      *identity.Session
	refreshTimer *time.Timer
	onSession    identity.SessionFunc
}

var _ identity.Backend = (*Client)(nil)

// ClientOption defines a function type to modify the Client instance.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client (primarily for testing).
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ClientOption {
	return func(c *Client) {
		c.nowTime = nowFunc
	}
}

// WithFunctionsURL sets the base URL for provider edge functions such as
// account deletion.
func WithFunctionsURL(functionsURL string) ClientOption {
	return func(c *Client) {
		c.functionsURL = strings.TrimRight(functionsURL, "/")
	}
}

// WithRefreshMargin sets how long before token expiry the refresh runs.
func WithRefreshMargin(margin time.Duration) ClientOption {
	return func(c *Client) {
		c.margin = margin
	}
}

// WithLogger sets the logger used for background refresh events.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// NewClient initializes a new Client with required dependencies.
func NewClient(baseURL, anonKey string, options ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("[NewClient] baseURL is required")
	}
	if anonKey == "" {
		return nil, errors.New("[NewClient] anonKey is required")
	}

	client := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		anonKey:    anonKey,
		httpClient: http.DefaultClient,
		log:        zerolog.Nop(),
		nowTime:    time.Now,
		margin:     defaultRefreshMargin,
	}
	for _, opt := range options {
		opt(client)
	}
	if client.functionsURL == "" {
		client.functionsURL = client.baseURL + "/functions"
	}
	return client, nil
}

// userPayload is the provider's user object.
type userPayload struct {
	ID               string          `json:"id"`
	Email            string          `json:"email"`
	EmailConfirmedAt *time.Time      `json:"email_confirmed_at"`
	Factors          []factorPayload `json:"factors"`
}

type factorPayload struct {
	ID           string `json:"id"`
	FriendlyName string `json:"friendly_name"`
	FactorType   string `json:"factor_type"`
	Status       string `json:"status"`
}

func (f factorPayload) verified() bool {
	return f.FactorType == "totp" && f.Status == "verified"
}

func (u userPayload) identity() identity.Identity {
	return identity.Identity{ID: u.ID, Email: u.Email, EmailConfirmedAt: u.EmailConfirmedAt}
}

// tokenPayload is the provider's session object, returned by the token,
// signup and MFA verify endpoints.
type tokenPayload struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int64        `json:"expires_in"`
	User         *userPayload `json:"user"`
}

func (c *Client) sessionFrom(tp *tokenPayload) *identity.Session {
	session := &identity.Session{
		AccessToken:  tp.AccessToken,
		RefreshToken: tp.RefreshToken,
	}
	if tp.User != nil {
		session.Identity = tp.User.identity()
	}
	if tp.ExpiresIn > 0 {
		session.ExpiresAt = c.nowTime().Add(time.Duration(tp.ExpiresIn) * time.Second)
	} else if exp := tokenExpiry(tp.AccessToken); !exp.IsZero() {
		session.ExpiresAt = exp
	}
	return session
}

// tokenExpiry reads the exp claim without verifying the signature. Only the
// provider can verify its own tokens; the claim is used to schedule refreshes,
// never to grant anything.
func tokenExpiry(accessToken string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func (c *Client) GetSession(ctx context.Context) (*identity.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, nil
}

func (c *Client) SignInPassword(ctx context.Context, email, password string) (*identity.Session, string, error) {
	var tp tokenPayload
	err := c.do(ctx, http.MethodPost, "/token", url.Values{"grant_type": {"password"}},
		map[string]string{"email": email, "password": password}, &tp)
	if err != nil {
		return nil, "", err
	}

	session := c.sessionFrom(&tp)

	// A verified TOTP factor means the session is only half-authenticated:
	// the caller must run a challenge before treating the user as signed in.
	// The tokens are held for the challenge requests, but no refresh is
	// scheduled so the session can never resurface on its own.
	if tp.User != nil {
		for _, f := range tp.User.Factors {
			if f.verified() {
				c.holdSession(session)
				return nil, f.ID, &identity.ProviderError{Code: "mfa_required", Message: "MFA verification required"}
			}
		}
	}

	c.setSession(session, false)
	return session, "", nil
}

func (c *Client) SignUpPassword(ctx context.Context, email, password, redirectURL string) (*identity.Session, error) {
	query := url.Values{}
	if redirectURL != "" {
		query.Set("redirect_to", redirectURL)
	}

	// When email confirmation is required the provider answers with a bare
	// user object instead of a session wrapper, so decode both shapes.
	var resp struct {
		tokenPayload
		userPayload
	}
	err := c.do(ctx, http.MethodPost, "/signup", query,
		map[string]string{"email": email, "password": password}, &resp)
	if err != nil {
		return nil, err
	}

	if resp.AccessToken == "" {
		user := resp.userPayload
		if resp.User != nil {
			user = *resp.User
		}
		return &identity.Session{Identity: user.identity()}, nil
	}

	session := c.sessionFrom(&resp.tokenPayload)
	c.setSession(session, false)
	return session, nil
}

func (c *Client) SignOut(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/logout", nil, nil, nil)
	c.setSession(nil, false)
	return err
}

func (c *Client) ResetPassword(ctx context.Context, email, redirectURL string) error {
	query := url.Values{}
	if redirectURL != "" {
		query.Set("redirect_to", redirectURL)
	}
	return c.do(ctx, http.MethodPost, "/recover", query, map[string]string{"email": email}, nil)
}

func (c *Client) ResendConfirmationEmail(ctx context.Context, email, redirectURL string) error {
	query := url.Values{}
	if redirectURL != "" {
		query.Set("redirect_to", redirectURL)
	}
	return c.do(ctx, http.MethodPost, "/resend", query,
		map[string]string{"email": email, "type": "signup"}, nil)
}

func (c *Client) ChangeEmail(ctx context.Context, newEmail string) error {
	return c.do(ctx, http.MethodPut, "/user", nil, map[string]string{"email": newEmail}, nil)
}

func (c *Client) CurrentIdentity(ctx context.Context) (*identity.Identity, error) {
	if !c.authenticated() {
		return nil, identity.NotAuthenticatedErr
	}
	var user userPayload
	if err := c.do(ctx, http.MethodGet, "/user", nil, nil, &user); err != nil {
		return nil, err
	}
	id := user.identity()

	c.mu.Lock()
	if c.session != nil {
		c.session.Identity = id
	}
	c.mu.Unlock()
	return &id, nil
}

func (c *Client) ChallengeMFA(ctx context.Context, factorID string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/factors/"+factorID+"/challenge", nil, nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) VerifyMFA(ctx context.Context, factorID, challengeID, code string) (*identity.Session, error) {
	var tp tokenPayload
	err := c.do(ctx, http.MethodPost, "/factors/"+factorID+"/verify", nil,
		map[string]string{"challenge_id": challengeID, "code": code}, &tp)
	if err != nil {
		return nil, err
	}
	session := c.sessionFrom(&tp)
	c.setSession(session, false)
	return session, nil
}

func (c *Client) ListFactors(ctx context.Context) ([]identity.TotpFactor, error) {
	var payloads []factorPayload
	if err := c.do(ctx, http.MethodGet, "/factors", nil, nil, &payloads); err != nil {
		return nil, err
	}
	factors := make([]identity.TotpFactor, 0, len(payloads))
	for _, p := range payloads {
		if p.FactorType != "totp" {
			continue
		}
		factors = append(factors, identity.TotpFactor{
			ID:           p.ID,
			FriendlyName: p.FriendlyName,
			Verified:     p.Status == "verified",
		})
	}
	return factors, nil
}

func (c *Client) EnrollTotp(ctx context.Context, friendlyName string) (*identity.TotpEnrollment, error) {
	var resp struct {
		ID   string `json:"id"`
		Totp struct {
			QRCode string `json:"qr_code"`
			Secret string `json:"secret"`
			URI    string `json:"uri"`
		} `json:"totp"`
	}
	err := c.do(ctx, http.MethodPost, "/factors", nil,
		map[string]string{"factor_type": "totp", "friendly_name": friendlyName}, &resp)
	if err != nil {
		return nil, err
	}
	return &identity.TotpEnrollment{
		FactorID: resp.ID,
		Secret:   resp.Totp.Secret,
		URI:      resp.Totp.URI,
	}, nil
}

func (c *Client) UnenrollFactor(ctx context.Context, factorID string) error {
	return c.do(ctx, http.MethodDelete, "/factors/"+factorID, nil, nil, nil)
}

func (c *Client) DeleteAccount(ctx context.Context) error {
	if !c.authenticated() {
		return identity.NotAuthenticatedErr
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.functionsURL+"/delete-account", nil)
	if err != nil {
		return errors.Wrap(err, "[DeleteAccount] build request")
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "[DeleteAccount] call function")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return providerError(resp)
	}
	c.setSession(nil, false)
	return nil
}

func (c *Client) Subscribe(fn identity.SessionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSession = fn
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
	return nil
}

func (c *Client) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.AccessToken != ""
}

// setSession swaps the held session and reschedules the background refresh.
// Subscribers are notified only for changes the caller did not initiate
// themselves (notify=true), which is the refresh path.
func (c *Client) setSession(session *identity.Session, notify bool) {
	c.mu.Lock()
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
	c.session = session
	fn := c.onSession

	if session != nil && session.RefreshToken != "" {
		expiry := session.ExpiresAt
		if expiry.IsZero() {
			expiry = tokenExpiry(session.AccessToken)
		}
		if !expiry.IsZero() {
			wait := expiry.Sub(c.nowTime()) - c.margin
			if wait < 0 {
				wait = 0
			}
			refreshToken := session.RefreshToken
			c.refreshTimer = time.AfterFunc(wait, func() { c.refresh(refreshToken) })
		}
	}
	c.mu.Unlock()

	if notify && fn != nil {
		fn(session)
	}
}

// holdSession keeps token material for follow-up requests without arming the
// refresh timer or telling subscribers. Used while an MFA challenge is open,
// when the session must authorize the challenge calls but nothing else.
func (c *Client) holdSession(session *identity.Session) {
	c.mu.Lock()
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
	c.session = session
	c.mu.Unlock()
}

// refresh exchanges the refresh token for a new session. On failure the
// session is dropped and the subscriber told, so the app can fall back to the
// signed-out state instead of carrying dead tokens.
func (c *Client) refresh(refreshToken string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var tp tokenPayload
	err := c.do(ctx, http.MethodPost, "/token", url.Values{"grant_type": {"refresh_token"}},
		map[string]string{"refresh_token": refreshToken}, &tp)
	if err != nil {
		c.log.Warn().Err(err).Msg("session refresh failed, dropping session")
		c.setSession(nil, true)
		return
	}

	session := c.sessionFrom(&tp)
	if session.Identity.ID == "" {
		c.mu.Lock()
		if c.session != nil {
			session.Identity = c.session.Identity
		}
		c.mu.Unlock()
	}
	c.log.Debug().Time("expires_at", session.ExpiresAt).Msg("session refreshed")
	c.setSession(session, true)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Content-Type", "application/json")

	c.mu.Lock()
	token := c.anonKey
	if c.session != nil && c.session.AccessToken != "" {
		token = c.session.AccessToken
	}
	c.mu.Unlock()
	req.Header.Set("Authorization", "Bearer "+token)
}

// do runs one API call, decoding a successful response into out (when non
// nil) and turning error responses into classified identity errors.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "[do] marshal %s %s", method, path)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return errors.Wrapf(err, "[do] build %s %s", method, path)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(identity.ProviderUnavailableErr, "[do] %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return identity.Classify(providerError(resp))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "[do] decode %s %s", method, path)
	}
	return nil
}

// providerError reads an error response body tolerantly; the service has
// answered with several payload shapes across versions.
func providerError(resp *http.Response) *identity.ProviderError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var payload struct {
		Code             any    `json:"code"`
		ErrorCode        string `json:"error_code"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
	}
	_ = json.Unmarshal(data, &payload)

	message := payload.ErrorDescription
	if message == "" {
		message = payload.Msg
	}
	if message == "" {
		message = payload.Message
	}
	if message == "" {
		message = payload.Error
	}
	if message == "" {
		message = strings.TrimSpace(string(data))
	}

	code := payload.ErrorCode
	if code == "" {
		if s, ok := payload.Code.(string); ok {
			code = s
		}
	}
	if message == "" {
		message = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return &identity.ProviderError{Code: code, Message: message, Status: resp.StatusCode}
}
