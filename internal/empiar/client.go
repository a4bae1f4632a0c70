package empiar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// DefaultBaseURL is the public EMPIAR download gateway.
const DefaultBaseURL = "https://ftp.ebi.ac.uk/empiar/world_availability"

// Client is the retrieval boundary for an EMPIAR-like archive. Fetch errors
// propagate immediately; no retry or timeout policy is layered on top of the
// transport.
type Client interface {
	// ListFiles returns the file listing of the entry's data directory.
	ListFiles(ctx context.Context, accessionNo string) (*FileList, error)
	// Fetch opens a file below the entry's data directory.
	Fetch(ctx context.Context, accessionNo, relPath string) (io.ReadCloser, error)
	// FileURL returns the stable public URL recorded in converted datasets.
	FileURL(accessionNo, relPath string) string
	// FetchURL opens a previously recorded public URL.
	FetchURL(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPClient talks to the HTTPS gateway. The file listing is served as a
// JSON manifest from a configurable endpoint so the transport stays behind
// this boundary.
type HTTPClient struct {
	BaseURL    string // download gateway, default DefaultBaseURL
	ListingURL string // manifest endpoint template, %s is the accession number
	HTTP       *http.Client
}

// NewHTTPClient returns a gateway client with the default endpoints.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{
		BaseURL:    DefaultBaseURL,
		ListingURL: DefaultBaseURL + "/%s/data/all_files.json",
		HTTP:       http.DefaultClient,
	}
}

func (c *HTTPClient) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}
	return resp.Body, nil
}

// ListFiles downloads and decodes the entry manifest.
func (c *HTTPClient) ListFiles(ctx context.Context, accessionNo string) (*FileList, error) {
	body, err := c.get(ctx, fmt.Sprintf(c.ListingURL, accessionNo))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var list FileList
	if err := json.NewDecoder(body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode file listing for %s: %w", accessionNo, err)
	}
	return &list, nil
}

// Fetch opens a file below the entry's data directory.
func (c *HTTPClient) Fetch(ctx context.Context, accessionNo, relPath string) (io.ReadCloser, error) {
	return c.get(ctx, c.FileURL(accessionNo, relPath))
}

// FileURL returns the public gateway URL for a data file.
func (c *HTTPClient) FileURL(accessionNo, relPath string) string {
	return fmt.Sprintf("%s/%s/data/%s", c.BaseURL, accessionNo, relPath)
}

// FetchURL opens an absolute URL recorded in a converted dataset.
func (c *HTTPClient) FetchURL(ctx context.Context, url string) (io.ReadCloser, error) {
	return c.get(ctx, url)
}
