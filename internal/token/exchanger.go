package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPExchanger calls the platform's token endpoint.
type HTTPExchanger struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPExchanger(endpoint string, timeout time.Duration) *HTTPExchanger {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPExchanger{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (e *HTTPExchanger) Exchange(ctx context.Context, req ExchangeRequest) (ExchangeResponse, error) {
	q := url.Values{}
	q.Set("client_id", req.ClientID)
	q.Set("org_id", req.OrgID)
	q.Set("timestamp", req.Timestamp)
	q.Set("signature", req.Signature)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		e.endpoint+"/apps/token?"+q.Encode(), nil)
	if err != nil {
		return ExchangeResponse{}, fmt.Errorf("build token request: %w", err)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return ExchangeResponse{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ExchangeResponse{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ExchangeResponse{}, fmt.Errorf("token endpoint returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out ExchangeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return ExchangeResponse{}, fmt.Errorf("decode token response: %w", err)
	}
	return out, nil
}
