package api

import (
	"context"
	"fmt"
)

// User is the account returned at login
type User struct {
	ID       flexibleID `json:"id" yaml:"id"`
	Email    string     `json:"email" yaml:"email"`
	FullName string     `json:"full_name" yaml:"full_name"`
}

// Login exchanges credentials for an access token
func (c *Client) Login(ctx context.Context, email, password string) (string, *User, error) {
	var out struct {
		AccessToken string `json:"access_token"`
		User        *User  `json:"user"`
	}
	resp, err := c.request(ctx).
		SetBody(map[string]string{"email": email, "password": password}).
		SetResult(&out).
		Post("/auth/login")
	if err := c.check(resp, err); err != nil {
		return "", nil, fmt.Errorf("login failed: %w", err)
	}
	if out.AccessToken == "" {
		return "", nil, fmt.Errorf("login failed: response carries no access_token")
	}
	return out.AccessToken, out.User, nil
}

// Register creates an account
func (c *Client) Register(ctx context.Context, fullName, email, password string) error {
	resp, err := c.request(ctx).
		SetBody(map[string]string{"full_name": fullName, "email": email, "password": password}).
		Post("/auth/register")
	if err := c.check(resp, err); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	return nil
}
