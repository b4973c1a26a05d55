package utils

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"time"

	"outreach/config"
	"outreach/models"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

// OAuth scopes needed to send over SMTP and read over IMAP.
var (
	googleMailScopes    = []string{"https://mail.google.com/"}
	microsoftMailScopes = []string{
		"offline_access",
		"https://outlook.office.com/SMTP.Send",
		"https://outlook.office.com/IMAP.AccessAsUser.All",
	}
)

func OAuthConfigFor(provider string) (*oauth2.Config, error) {
	switch provider {
	case "google":
		return &oauth2.Config{
			ClientID:     config.AppConfig.Google.ClientID,
			ClientSecret: config.AppConfig.Google.ClientSecret,
			RedirectURL:  config.AppConfig.Google.RedirectURI,
			Scopes:       googleMailScopes,
			Endpoint:     google.Endpoint,
		}, nil
	case "microsoft":
		return &oauth2.Config{
			ClientID:     config.AppConfig.Microsoft.ClientID,
			ClientSecret: config.AppConfig.Microsoft.ClientSecret,
			RedirectURL:  config.AppConfig.Microsoft.RedirectURI,
			Scopes:       microsoftMailScopes,
			Endpoint:     microsoft.AzureADEndpoint("common"),
		}, nil
	}
	return nil, fmt.Errorf("unsupported oauth provider %q", provider)
}

// OAuthAccessToken returns a valid access token for the sender, refreshing
// it when expired. refreshed reports whether the caller should persist the
// new token.
func OAuthAccessToken(ctx context.Context, s *models.Sender) (tok *oauth2.Token, refreshed bool, err error) {
	cfg, err := OAuthConfigFor(s.OAuthProvider)
	if err != nil {
		return nil, false, err
	}

	access, err := Decrypt(s.OAuthToken)
	if err != nil {
		return nil, false, fmt.Errorf("%w: oauth token: %v", ErrCredentials, err)
	}
	refresh, err := Decrypt(s.OAuthRefreshToken)
	if err != nil {
		return nil, false, fmt.Errorf("%w: oauth refresh token: %v", ErrCredentials, err)
	}

	current := &oauth2.Token{AccessToken: access, RefreshToken: refresh, TokenType: "Bearer"}
	if s.OAuthExpiry != nil {
		current.Expiry = *s.OAuthExpiry
	}

	tok, err = cfg.TokenSource(ctx, current).Token()
	if err != nil {
		return nil, false, fmt.Errorf("%w: refresh oauth token: %v", ErrCredentials, err)
	}
	return tok, tok.AccessToken != access, nil
}

// StoreOAuthToken writes a refreshed token back onto the sender (encrypted).
func StoreOAuthToken(s *models.Sender, tok *oauth2.Token) error {
	access, err := Encrypt(tok.AccessToken)
	if err != nil {
		return err
	}
	s.OAuthToken = access
	if tok.RefreshToken != "" {
		refresh, err := Encrypt(tok.RefreshToken)
		if err != nil {
			return err
		}
		s.OAuthRefreshToken = refresh
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		s.OAuthExpiry = &expiry
	} else {
		s.OAuthExpiry = nil
	}
	return nil
}

// XOAuth2 authenticates SMTP with a bearer token (Gmail, Office 365).
func XOAuth2(username, accessToken string) smtp.Auth {
	return &xoauth2Auth{username: username, token: accessToken}
}

type xoauth2Auth struct {
	username string
	token    string
}

func (a *xoauth2Auth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return "XOAUTH2", []byte("user=" + a.username + "\x01auth=Bearer " + a.token + "\x01\x01"), nil
}

func (a *xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		// the server sends a JSON error challenge; an empty reply ends the exchange
		return []byte{}, errors.New("xoauth2 rejected: " + string(fromServer))
	}
	return nil, nil
}

// tokenExpiry is used in logs only.
func tokenExpiry(tok *oauth2.Token) string {
	if tok.Expiry.IsZero() {
		return "never"
	}
	return tok.Expiry.UTC().Format(time.RFC3339)
}
