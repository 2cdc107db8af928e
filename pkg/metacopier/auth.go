package metacopier

import (
	"net/http"
)

const (
	// RESTKeyHeader carries the API key on REST requests.
	RESTKeyHeader = "X-API-KEY"
	// StreamKeyHeader carries the API key on the STOMP CONNECT frame.
	StreamKeyHeader = "api-key"
)

// Authenticator decorates outbound requests with credentials.
type Authenticator interface {
	AddAuthHeaders(req *http.Request) error
	// StreamHeaders returns the header pairs sent on the STOMP CONNECT frame.
	StreamHeaders() []string
}

// APIKeyAuthenticator authenticates with a static account API key.
type APIKeyAuthenticator struct {
	apiKey string
}

func NewAPIKeyAuthenticator(apiKey string) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{apiKey: apiKey}
}

func (a *APIKeyAuthenticator) AddAuthHeaders(req *http.Request) error {
	if a.apiKey == "" {
		return ErrMissingAPIKey
	}
	req.Header.Set(RESTKeyHeader, a.apiKey)
	return nil
}

func (a *APIKeyAuthenticator) StreamHeaders() []string {
	return []string{StreamKeyHeader, a.apiKey}
}

// MaskKey shortens a key for log output.
func MaskKey(key string) string {
	if len(key) <= 5 {
		return "*****"
	}
	return key[:5] + "..."
}
