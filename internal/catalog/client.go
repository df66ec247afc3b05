// Package catalog is a client for the CKAN-style action API that owns
// resources, datasets and task status records.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brainless/datastorer/internal/ingesterr"
)

var DefaultTimeout = 30 * time.Second

// ErrNotFound is returned when the catalog reports a missing entity.
var ErrNotFound = errors.New("catalog: not found")

// ResourceUpdater writes resource metadata back to the catalog.
type ResourceUpdater interface {
	ResourceUpdate(ctx context.Context, resource *Resource) error
}

// TaskStatusWriter records task progress and failures in the catalog.
type TaskStatusWriter interface {
	TaskStatusUpdate(ctx context.Context, status TaskStatus) error
}

// Client talks to the catalog action API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a catalog client for the given site URL.
func NewClient(siteURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		baseURL: strings.TrimRight(siteURL, "/"),
		apiKey:  apiKey,
	}
}

// WithAPIKey returns a copy of the client that authenticates with apiKey.
func (c *Client) WithAPIKey(apiKey string) *Client {
	cp := *c
	cp.apiKey = apiKey
	return &cp
}

// SiteURL returns the catalog base URL.
func (c *Client) SiteURL() string {
	return c.baseURL
}

type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *actionError    `json:"error"`
}

type actionError struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

// action calls a catalog action and decodes its result into out.
func (c *Client) action(ctx context.Context, name string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", name, err)
	}

	url := c.baseURL + "/api/3/action/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", name, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode == http.StatusNotFound ||
		(env.Error != nil && env.Error.Type == "Not Found Error") {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if decodeErr != nil {
		return fmt.Errorf("failed to decode %s response: %w", name, decodeErr)
	}
	if !env.Success {
		msg := "unknown error"
		if env.Error != nil {
			msg = env.Error.Type + ": " + env.Error.Message
		}
		return fmt.Errorf("%s failed: %s", name, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", name, err)
	}
	return nil
}

// SiteUser fetches the privileged site user.
func (c *Client) SiteUser(ctx context.Context) (*User, error) {
	var user User
	if err := c.action(ctx, "get_site_user", map[string]any{}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// PackageShow fetches a dataset with its resources.
func (c *Client) PackageShow(ctx context.Context, id string) (*Package, error) {
	var pkg Package
	if err := c.action(ctx, "package_show", map[string]string{"id": id}, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// ResourceShow fetches a single resource.
func (c *Client) ResourceShow(ctx context.Context, id string) (*Resource, error) {
	var res Resource
	if err := c.action(ctx, "resource_show", map[string]string{"id": id}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ResourceUpdate writes the resource back. Failures are classified as
// CatalogUpdateError so callers can decide whether to swallow them.
func (c *Client) ResourceUpdate(ctx context.Context, resource *Resource) error {
	if err := c.action(ctx, "resource_update", resource, nil); err != nil {
		return ingesterr.Wrap(ingesterr.CatalogUpdateError, err, "catalog failed to update resource %s", resource.ID)
	}
	return nil
}

// TaskStatusUpdate records a task status in the catalog.
func (c *Client) TaskStatusUpdate(ctx context.Context, status TaskStatus) error {
	return c.action(ctx, "task_status_update", status, nil)
}

// PackageListWithResources returns one page of datasets with resources.
// Pages start at 1.
func (c *Client) PackageListWithResources(ctx context.Context, limit, page int) ([]Package, error) {
	var pkgs []Package
	payload := map[string]int{"limit": limit, "page": page}
	if err := c.action(ctx, "current_package_list_with_resources", payload, &pkgs); err != nil {
		return nil, err
	}
	return pkgs, nil
}

// AllPackages pages through every dataset until an empty page is returned.
func (c *Client) AllPackages(ctx context.Context, pageSize int) ([]Package, error) {
	if pageSize <= 0 {
		pageSize = 100
	}

	var all []Package
	for page := 1; ; page++ {
		select {
		case <-ctx.Done():
			return all, ctx.Err()
		default:
		}

		pkgs, err := c.PackageListWithResources(ctx, pageSize, page)
		if err != nil {
			return all, fmt.Errorf("failed to list packages (page %d): %w", page, err)
		}
		if len(pkgs) == 0 {
			return all, nil
		}
		all = append(all, pkgs...)
		if len(pkgs) < pageSize {
			return all, nil
		}
	}
}
