// Package real provides the production collaborators of a relay: an HTTP
// client for the relay server's request/response API.
//
// HTTPClient implements transport.PollClient, interfaces.MessageFetcher and
// interfaces.Authorizer against these endpoints:
//
//	GET  /v1/devices/{device}/events?cursor=...          poll
//	POST /v1/messages                                    send
//	GET  /v1/conversations/{id}/messages?since=...       authoritative fetch
//	GET  /v1/conversations/{id}/permissions?device=...   authorization
//
// # Usage
//
//	client, err := real.NewHTTPClient("https://relay.example.com",
//	    interfaces.CollaboratorConfig{NetworkTimeout: 10 * time.Second, RetryAttempts: 3},
//	    real.WithToken(token),
//	    real.WithRateLimit(20, 40),
//	)
//
// # Retry Behavior
//
// Network errors, 429 and 5xx responses are retried up to RetryAttempts
// times with exponential backoff. A Retry-After header overrides the
// computed delay, capped at the maximum delay. Other 4xx responses fail
// immediately with an *HTTPError, except 403 from the permissions endpoint,
// which is a negative answer rather than an error.
//
// # Thread Safety
//
// All methods on HTTPClient are safe for concurrent use.
package real
