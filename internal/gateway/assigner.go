package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// HTTPAssigner resolves sector assignments from the staff-assignment
// service. The gateway never caches the answer; a refresh_scope always hits
// the collaborator so a floor-plan change takes effect immediately.
type HTTPAssigner struct {
	baseURL string
	client  *http.Client
}

func NewHTTPAssigner(baseURL string) *HTTPAssigner {
	return &HTTPAssigner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

var _ SectorAssigner = (*HTTPAssigner)(nil)

// Sectors fetches the user's current sector ids across the given branches.
// Response shape: {"sectors": ["s1", "s2"]}.
func (a *HTTPAssigner) Sectors(ctx context.Context, userID string, branches []string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/users/%s/sectors?branches=%s",
		a.baseURL,
		url.PathEscape(userID),
		url.QueryEscape(strings.Join(branches, ",")),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("assignment lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("assignment lookup: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var sectors []string
	for _, v := range gjson.GetBytes(body, "sectors").Array() {
		sectors = append(sectors, v.String())
	}
	return sectors, nil
}
