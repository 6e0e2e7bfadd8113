package rpc

import (
	"context"
	"net/http"
)

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int    `json:"expiresIn,omitempty"`
}

type SessionInfo struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Plan   string `json:"plan,omitempty"`
}

func (c *Client) Login(ctx context.Context, creds Credentials) error {
	var resp tokenResponse
	if err := c.Request(ctx, http.MethodPost, "/auth/login", creds, &resp); err != nil {
		return err
	}
	c.applyTokenResponse(resp)
	return nil
}

func (c *Client) Register(ctx context.Context, creds Credentials) error {
	var resp tokenResponse
	if err := c.Request(ctx, http.MethodPost, "/auth/register", creds, &resp); err != nil {
		return err
	}
	c.applyTokenResponse(resp)
	return nil
}

// Refresh forces a token refresh. Concurrent calls share one underlying
// network call and observe the same outcome.
func (c *Client) Refresh(ctx context.Context) error {
	return c.refresh(ctx)
}

// Logout tells the backend to revoke the session and clears local token
// state either way.
func (c *Client) Logout(ctx context.Context) error {
	err := c.Request(ctx, http.MethodPost, "/auth/logout", nil, nil)
	c.clearTokens()
	return err
}

func (c *Client) Session(ctx context.Context) (SessionInfo, error) {
	var info SessionInfo
	if err := c.Request(ctx, http.MethodGet, "/auth/session", nil, &info); err != nil {
		return SessionInfo{}, err
	}
	return info, nil
}
