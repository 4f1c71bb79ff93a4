package graphql

import "net/http"

// AuthEngine attaches credentials to an outgoing request.
type AuthEngine interface {
	SetApiKey(request *http.Request)
}

// AccessTokenAuth authenticates with an Admin API access token.
type AccessTokenAuth struct {
	token string
}

func NewAccessTokenAuth(token string) *AccessTokenAuth {
	if token == "" {
		return nil
	}
	return &AccessTokenAuth{token: token}
}

func (a *AccessTokenAuth) SetApiKey(request *http.Request) {
	request.Header.Set("X-Shopify-Access-Token", a.token)
}
