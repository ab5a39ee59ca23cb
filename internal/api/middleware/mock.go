// Package middleware provides HTTP middleware components for the Loadstone API.
package middleware

// MockRateLimiter is a scriptable RateLimiter for testing. The zero value
// allows everything; set AllowFunc to control decisions per client.
type MockRateLimiter struct {
	AllowFunc func(clientID string) bool
}

// Allow implements the RateLimiter interface.
func (m *MockRateLimiter) Allow(clientID string) bool {
	if m.AllowFunc != nil {
		return m.AllowFunc(clientID)
	}

	return true
}
