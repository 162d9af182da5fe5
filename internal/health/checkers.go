package health

import (
	"context"
	"fmt"
	"net/http"
)

// Pinger is satisfied by *pgxpool.Pool and anything else that can verify
// connectivity with a ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database returns a checker that pings the CRM database.
func Database(p Pinger) Checker {
	return Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			return nil
		},
	}
}

// Endpoint returns a checker that probes an upstream provider URL with a
// GET request. Any response below 500 counts as reachable; auth failures
// mean the provider is up even if our key is not welcome there.
func Endpoint(name, url string, client *http.Client) Checker {
	if client == nil {
		client = http.DefaultClient
	}
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("reach %s: %w", url, err)
			}
			resp.Body.Close()
			if resp.StatusCode >= 500 {
				return fmt.Errorf("reach %s: status %d", url, resp.StatusCode)
			}
			return nil
		},
	}
}
