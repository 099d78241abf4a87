// Package client is a Go client for the portal HTTP API. The bearer token is
// read from the CredentialStore on every call, so a login or logout takes
// effect for the very next request.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/csta-portal-api/internal/models"
)

// ErrNotLoggedIn is returned by authenticated calls without a stored token.
var ErrNotLoggedIn = errors.New("not logged in")

// APIError is an error envelope returned by the server.
type APIError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Status   int    `json:"status"`
	Redirect string `json:"-"`
}

func (e *APIError) Error() string {
	if e.Redirect != "" {
		return fmt.Sprintf("%s: %s (go to %s)", e.Code, e.Message, e.Redirect)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client talks to one portal deployment.
type Client struct {
	baseURL string
	http    *http.Client
	store   CredentialStore
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New returns a client for baseURL, e.g. http://localhost:8000/api.
func New(baseURL string, store CredentialStore, opts ...Option) *Client {
	if store == nil {
		store = &MemoryStore{}
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		store:   store,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the stored session.
func (c *Client) State() (State, error) {
	return c.store.Load()
}

// Login authenticates and persists the new session. TempPassword on the
// result means the password must be changed before anything else.
func (c *Client) Login(ctx context.Context, username, password string) (*models.LoginResponse, error) {
	var res models.LoginResponse
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", false, body, &res); err != nil {
		return nil, err
	}
	if err := c.store.Save(State{Token: res.AccessToken, Role: string(res.Role), Username: strings.ToLower(strings.TrimSpace(username))}); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return &res, nil
}

// Logout ends the server session and forgets it locally. The local state is
// cleared even when the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/auth/logout", true, nil, nil)
	if clearErr := c.store.Clear(); clearErr != nil {
		return clearErr
	}
	if errors.Is(err, ErrNotLoggedIn) {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		return nil
	}
	return err
}

// ChangePassword rotates the password. The server ends every session, so
// the local state is cleared on success.
func (c *Client) ChangePassword(ctx context.Context, current, next string) error {
	body := models.ChangePasswordRequest{CurrentPassword: current, NewPassword: next}
	if err := c.do(ctx, http.MethodPost, "/auth/change_password", true, body, nil); err != nil {
		return err
	}
	return c.store.Clear()
}

// Me returns the current account.
func (c *Client) Me(ctx context.Context) (*models.MeResponse, error) {
	var res models.MeResponse
	if err := c.do(ctx, http.MethodGet, "/me", true, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Enroll submits an enroll request. No session is needed.
func (c *Client) Enroll(ctx context.Context, req models.SubmitEnrollmentRequest) (*models.SubmitEnrollmentResponse, error) {
	var res models.SubmitEnrollmentResponse
	if err := c.do(ctx, http.MethodPost, "/enroll", false, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// EnrollRequests lists requests by status: pending, accepted, rejected or all.
func (c *Client) EnrollRequests(ctx context.Context, status string) ([]models.EnrollmentRequest, error) {
	path := "/admin/enroll_requests"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var res []models.EnrollmentRequest
	if err := c.do(ctx, http.MethodGet, path, true, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Accept accepts a request and returns the new account's one-time credentials.
func (c *Client) Accept(ctx context.Context, id int64) (*models.CredentialBundle, error) {
	var res models.CredentialBundle
	if err := c.do(ctx, http.MethodPost, "/admin/enroll_requests/"+strconv.FormatInt(id, 10)+"/accept", true, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Reject rejects a request.
func (c *Client) Reject(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, "/admin/enroll_requests/"+strconv.FormatInt(id, 10)+"/reject", true, nil, nil)
}

// ResetPassword issues a new temporary password for userID.
func (c *Client) ResetPassword(ctx context.Context, userID string) (*models.CredentialBundle, error) {
	var res models.CredentialBundle
	if err := c.do(ctx, http.MethodPost, "/admin/users/"+url.PathEscape(userID)+"/reset_password", true, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Export downloads an export and returns the suggested filename and bytes.
func (c *Client) Export(ctx context.Context, status, format string) (string, []byte, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if format != "" {
		q.Set("format", format)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/admin/enroll_requests/export?"+q.Encode(), true, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, decodeError(resp)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, err
	}
	filename := "export"
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		filename = params["filename"]
	}
	return filename, payload, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, auth bool, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if auth {
		state, err := c.store.Load()
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		if !state.LoggedIn() {
			return nil, ErrNotLoggedIn
		}
		req.Header.Set("Authorization", "Bearer "+state.Token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, auth bool, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, auth, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func decodeError(resp *http.Response) error {
	var env struct {
		Error *APIError              `json:"error"`
		Meta  map[string]interface{} `json:"meta"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || env.Error == nil {
		return &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode), Status: resp.StatusCode}
	}
	if redirect, ok := env.Meta["redirect"].(string); ok {
		env.Error.Redirect = redirect
	}
	if env.Error.Status == 0 {
		env.Error.Status = resp.StatusCode
	}
	return env.Error
}
