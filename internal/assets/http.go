package assets

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPProvider downloads probe binaries from a base URL. When a
// "<asset>.sha256" sidecar exists, the stream is verified against it and
// the final Read reports a *ChecksumMismatchError on mismatch.
type HTTPProvider struct {
	baseURL    string
	httpClient *http.Client
	// RequireChecksum rejects assets that have no sidecar.
	RequireChecksum bool
	logger          *slog.Logger
}

// NewHTTPProvider creates a provider for baseURL with retrying transport:
// 3 retries, linear jitter backoff between 1 and 10 seconds.
func NewHTTPProvider(baseURL string, logger *slog.Logger) *HTTPProvider {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Backoff = retryablehttp.LinearJitterBackoff
	// We log with slog.
	retryClient.Logger = nil

	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: retryClient.StandardClient(),
		logger:     logger.With(slog.String("component", "assets")),
	}
}

func (p *HTTPProvider) Open(ctx context.Context, abi ABI) (io.ReadCloser, error) {
	name, err := AssetName(abi)
	if err != nil {
		return nil, err
	}

	sum, err := p.fetchChecksum(ctx, name)
	if err != nil {
		return nil, err
	}
	if sum == "" && p.RequireChecksum {
		return nil, fmt.Errorf("no checksum published for %s", name)
	}

	resp, err := p.get(ctx, name)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, name)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download %s failed: HTTP %d", name, resp.StatusCode)
	}

	p.logger.Debug("downloading probe asset",
		slog.String("asset", name),
		slog.Bool("verified", sum != ""),
	)
	if sum == "" {
		return resp.Body, nil
	}
	return newVerifyingReader(resp.Body, sum), nil
}

// fetchChecksum returns the expected sha256 for name, or "" when no sidecar
// is published.
func (p *HTTPProvider) fetchChecksum(ctx context.Context, name string) (string, error) {
	resp, err := p.get(ctx, name+".sha256")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", nil
	default:
		return "", fmt.Errorf("checksum for %s: HTTP %d", name, resp.StatusCode)
	}

	// sha256sum format: "<hex>  <file>"
	line, err := bufio.NewReader(io.LimitReader(resp.Body, 1024)).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read checksum: %w", err)
	}
	fields := strings.Fields(line)
	if len(fields) == 0 || len(fields[0]) != 64 {
		return "", fmt.Errorf("malformed checksum for %s", name)
	}
	return strings.ToLower(fields[0]), nil
}

func (p *HTTPProvider) get(ctx context.Context, name string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/"+name, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request: %w", err)
	}
	return resp, nil
}
