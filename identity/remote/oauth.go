package remote

import (
	"github.com/pkg/errors"
	"github.com/ybdn/WhatWeWatch/identity"
	"golang.org/x/oauth2"
)

// SignInOAuthURL builds the provider's hosted authorize URL. The code
// exchange happens server-side at the auth service, so only the URL is
// constructed here; the caller opens it in a browser and the service calls
// back on redirectURL with a session.
func (c *Client) SignInOAuthURL(provider identity.OAuthProvider, redirectURL string) (string, error) {
	switch provider {
	case identity.OAuthGoogle, identity.OAuthApple:
	default:
		return "", errors.Errorf("[SignInOAuthURL] unsupported provider %q", provider)
	}

	cfg := oauth2.Config{
		ClientID: c.anonKey,
		Endpoint: oauth2.Endpoint{AuthURL: c.baseURL + "/authorize"},
	}
	return cfg.AuthCodeURL("",
		oauth2.SetAuthURLParam("provider", string(provider)),
		oauth2.SetAuthURLParam("redirect_to", redirectURL),
	), nil
}
