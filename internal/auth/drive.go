// Package auth builds Drive credentials and parses API bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
)

// DriveScopes are the OAuth scopes requested for Drive. Sync only reads.
var DriveScopes = []string{drive.DriveReadonlyScope}

// DriveHTTPClient returns an authorized client for the service account
// described by credentialsJSON. When subject is set the account
// impersonates that user through domain-wide delegation.
func DriveHTTPClient(ctx context.Context, credentialsJSON, subject string) (*http.Client, error) {
	if credentialsJSON == "" {
		return nil, errors.New("drive credentials are empty")
	}
	conf, err := google.JWTConfigFromJSON([]byte(credentialsJSON), DriveScopes...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse drive credentials: %w", err)
	}
	conf.Subject = subject
	return conf.Client(ctx), nil
}
