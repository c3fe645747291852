package auth

import (
	"errors"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/oauth2"

	"archcanvas/llmservice/internal/llmerr"
)

var authErrorMarkers = []string{
	"401",
	"unauthorized",
	"invalid token",
	"token invalid",
	"token expired",
	"expired token",
	"invalid_auth",
	"authentication",
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// IsAuthError reports whether err means the bearer token was rejected.
// Typed errors from the token exchange and the OpenAI client are checked first;
// anything else is matched case-insensitively against known auth phrases.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, llmerr.ErrAuth) {
		return true
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && isAuthStatus(retrieveErr.Response.StatusCode) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && isAuthStatus(apiErr.HTTPStatusCode) {
		return true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && isAuthStatus(reqErr.HTTPStatusCode) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range authErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
