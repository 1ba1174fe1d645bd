package credential

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// DriveReadOnlyScope is the scope needed to list and download receipts
const DriveReadOnlyScope = "https://www.googleapis.com/auth/drive.readonly"

// OAuth2Refresher refreshes tokens against an OAuth2 token endpoint
type OAuth2Refresher struct {
	config *oauth2.Config
	client *http.Client
}

// NewOAuth2Refresher creates a refresher for Google's token endpoint
func NewOAuth2Refresher(clientID, clientSecret string) *OAuth2Refresher {
	return NewOAuth2RefresherWithEndpoint(clientID, clientSecret, google.Endpoint, nil)
}

// NewOAuth2RefresherWithEndpoint creates a refresher for a custom endpoint and HTTP client
func NewOAuth2RefresherWithEndpoint(clientID, clientSecret string, endpoint oauth2.Endpoint, client *http.Client) *OAuth2Refresher {
	return &OAuth2Refresher{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{DriveReadOnlyScope},
		},
		client: client,
	}
}

// Refresh exchanges refreshToken for a new token set
func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}
	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	return tok, nil
}
