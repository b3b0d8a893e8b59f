package pool

import (
	"context"
	"net/http"

	"github.com/calderhq/agentd/internal/config"
)

// defaultReadyCheck probes the worker's base URL with a plain GET.
// Any status below 500 counts as ready; the worker may legitimately
// answer 404 on / before a session is attached. No response body
// contract is assumed.
func defaultReadyCheck(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, config.DefaultHealthRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 500
}
