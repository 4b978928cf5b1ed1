// Package pterodactyl is the HTTP client for the hosting panel's application
// and client APIs: account management, server provisioning, suspension, and
// the live utilization and file listing endpoints the radar scanner uses.
package pterodactyl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client talks to a Pterodactyl-compatible panel. AppKey authorizes the
// application API (users, servers); ClientKey authorizes the client API
// (resources, files) and may be empty, which disables radar scanning.
type Client struct {
	baseURL    string
	appKey     string
	clientKey  string
	httpClient *http.Client
}

func NewClient(baseURL, appKey, clientKey string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		appKey:    appKey,
		clientKey: clientKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Configured reports whether the application API is usable.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.appKey != ""
}

// ClientAPIConfigured reports whether the client API (radar) is usable.
func (c *Client) ClientAPIConfigured() bool {
	return c.Configured() && c.clientKey != ""
}

// APIError is a failed panel call with the panel's own human-readable detail
// preserved, so a provisioning failure reason can be stored and shown later.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("panel returned %d: %s", e.Status, e.Detail)
}

func (c *Client) do(ctx context.Context, key, method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewBuffer(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("panel request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Detail: readErrorDetail(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode panel response: %w", err)
	}
	return nil
}

func readErrorDetail(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 2048))
	var payload struct {
		Errors []struct {
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(b, &payload); err == nil && len(payload.Errors) > 0 {
		details := make([]string, 0, len(payload.Errors))
		for _, e := range payload.Errors {
			if e.Detail != "" {
				details = append(details, e.Detail)
			}
		}
		if len(details) > 0 {
			return strings.Join(details, "; ")
		}
	}
	return strings.TrimSpace(string(b))
}

// PanelUser identifies a panel-side account.
type PanelUser struct {
	ID    uint
	Email string
}

// EnsureUser returns the panel account id for email, creating the account
// only when the lookup misses. Retried checkouts therefore never produce
// duplicate remote accounts.
func (c *Client) EnsureUser(ctx context.Context, email, firstName string) (uint, error) {
	var list struct {
		Data []struct {
			Attributes struct {
				ID    uint   `json:"id"`
				Email string `json:"email"`
			} `json:"attributes"`
		} `json:"data"`
	}
	path := "/api/application/users?filter%5Bemail%5D=" + url.QueryEscape(email)
	if err := c.do(ctx, c.appKey, http.MethodGet, path, nil, &list); err != nil {
		return 0, fmt.Errorf("look up panel user: %w", err)
	}
	for _, u := range list.Data {
		if strings.EqualFold(u.Attributes.Email, email) {
			return u.Attributes.ID, nil
		}
	}

	if firstName == "" {
		firstName = strings.SplitN(email, "@", 2)[0]
	}
	payload := map[string]interface{}{
		"email":      email,
		"username":   fmt.Sprintf("%s_%s", sanitizeUsername(firstName), uuid.NewString()[:8]),
		"first_name": firstName,
		"last_name":  "User",
		"password":   uuid.NewString(),
	}

	var created struct {
		Attributes struct {
			ID uint `json:"id"`
		} `json:"attributes"`
	}
	if err := c.do(ctx, c.appKey, http.MethodPost, "/api/application/users", payload, &created); err != nil {
		return 0, fmt.Errorf("create panel user: %w", err)
	}
	return created.Attributes.ID, nil
}

func sanitizeUsername(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}

// EggVariable is one configurable environment variable of an egg.
type EggVariable struct {
	EnvVariable  string `json:"env_variable"`
	DefaultValue string `json:"default_value"`
	UserEditable bool   `json:"user_editable"`
}

// Egg is a server template: image, startup command, and declared variables.
type Egg struct {
	ID          uint
	DockerImage string
	Startup     string
	Variables   []EggVariable
}

// GetEgg fetches an egg definition with its variables. A missing or
// unfetchable egg is a hard failure; provisioning must never fall through
// to a server with unset environment defaults.
func (c *Client) GetEgg(ctx context.Context, nestID, eggID uint) (*Egg, error) {
	var payload struct {
		Attributes struct {
			ID            uint   `json:"id"`
			DockerImage   string `json:"docker_image"`
			Startup       string `json:"startup"`
			Relationships struct {
				Variables struct {
					Data []struct {
						Attributes EggVariable `json:"attributes"`
					} `json:"data"`
				} `json:"variables"`
			} `json:"relationships"`
		} `json:"attributes"`
	}

	path := fmt.Sprintf("/api/application/nests/%d/eggs/%d?include=variables", nestID, eggID)
	if err := c.do(ctx, c.appKey, http.MethodGet, path, nil, &payload); err != nil {
		return nil, fmt.Errorf("fetch egg %d/%d: %w", nestID, eggID, err)
	}

	egg := &Egg{
		ID:          payload.Attributes.ID,
		DockerImage: payload.Attributes.DockerImage,
		Startup:     payload.Attributes.Startup,
	}
	for _, v := range payload.Attributes.Relationships.Variables.Data {
		egg.Variables = append(egg.Variables, v.Attributes)
	}
	return egg, nil
}

// ServerSpec is everything needed to create a server. ExtraAllocations is
// the plan's configured extras; the implicit default allocation is added by
// the client.
type ServerSpec struct {
	Name             string
	PanelUserID      uint
	NestID           uint
	EggID            uint
	PanelLocationID  uint
	Memory           int
	Swap             int
	Disk             int
	IO               int
	CPU              int
	Databases        int
	Backups          int
	ExtraAllocations int
	PlanEnv          map[string]string // admin overrides
	UserEnv          map[string]string // buyer checkout inputs
}

// CreatedServer is the panel's handle for a provisioned server.
type CreatedServer struct {
	ID         uint
	Identifier string
}

// CreateServer provisions a server. Environment variables resolve in three
// layers, later winning: egg defaults, then plan overrides, then buyer
// inputs restricted to variables the egg marks user-editable.
func (c *Client) CreateServer(ctx context.Context, spec ServerSpec) (*CreatedServer, error) {
	egg, err := c.GetEgg(ctx, spec.NestID, spec.EggID)
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(egg.Variables))
	editable := make(map[string]bool, len(egg.Variables))
	for _, v := range egg.Variables {
		env[v.EnvVariable] = v.DefaultValue
		editable[v.EnvVariable] = v.UserEditable
	}
	for k, v := range spec.PlanEnv {
		env[k] = v
	}
	for k, v := range spec.UserEnv {
		if editable[k] {
			env[k] = v
		}
	}

	payload := map[string]interface{}{
		"name":         spec.Name,
		"user":         spec.PanelUserID,
		"egg":          egg.ID,
		"docker_image": egg.DockerImage,
		"startup":      egg.Startup,
		"environment":  env,
		"limits": map[string]int{
			"memory": spec.Memory,
			"swap":   spec.Swap,
			"disk":   spec.Disk,
			"io":     spec.IO,
			"cpu":    spec.CPU,
		},
		"feature_limits": map[string]int{
			"databases":   spec.Databases,
			"backups":     spec.Backups,
			"allocations": spec.ExtraAllocations + 1, // default allocation is implicit
		},
		"deploy": map[string]interface{}{
			"locations":    []uint{spec.PanelLocationID},
			"dedicated_ip": false,
			"port_range":   []string{},
		},
		"start_on_completion": true,
	}

	var created struct {
		Attributes struct {
			ID         uint   `json:"id"`
			Identifier string `json:"identifier"`
		} `json:"attributes"`
	}
	if err := c.do(ctx, c.appKey, http.MethodPost, "/api/application/servers", payload, &created); err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}
	return &CreatedServer{ID: created.Attributes.ID, Identifier: created.Attributes.Identifier}, nil
}

// Suspend suspends a server on the panel.
func (c *Client) Suspend(ctx context.Context, serverID uint) error {
	path := fmt.Sprintf("/api/application/servers/%d/suspend", serverID)
	if err := c.do(ctx, c.appKey, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("suspend server %d: %w", serverID, err)
	}
	return nil
}

// Unsuspend resumes a suspended server.
func (c *Client) Unsuspend(ctx context.Context, serverID uint) error {
	path := fmt.Sprintf("/api/application/servers/%d/unsuspend", serverID)
	if err := c.do(ctx, c.appKey, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("unsuspend server %d: %w", serverID, err)
	}
	return nil
}

// Delete removes a server. A 404 means the server is already gone and is
// treated as success.
func (c *Client) Delete(ctx context.Context, serverID uint) error {
	path := fmt.Sprintf("/api/application/servers/%d", serverID)
	err := c.do(ctx, c.appKey, http.MethodDelete, path, nil, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("delete server %d: %w", serverID, err)
	}
	return nil
}

// Utilization is a server's live resource usage from the client API.
type Utilization struct {
	State       string
	CPUPercent  float64
	MemoryBytes int64
	DiskBytes   int64
}

// GetUtilization fetches live usage for a server by its short identifier.
func (c *Client) GetUtilization(ctx context.Context, identifier string) (*Utilization, error) {
	var payload struct {
		Attributes struct {
			CurrentState string `json:"current_state"`
			Resources    struct {
				CPUAbsolute float64 `json:"cpu_absolute"`
				MemoryBytes int64   `json:"memory_bytes"`
				DiskBytes   int64   `json:"disk_bytes"`
			} `json:"resources"`
		} `json:"attributes"`
	}
	path := fmt.Sprintf("/api/client/servers/%s/resources", identifier)
	if err := c.do(ctx, c.clientKey, http.MethodGet, path, nil, &payload); err != nil {
		return nil, fmt.Errorf("fetch utilization for %s: %w", identifier, err)
	}
	return &Utilization{
		State:       payload.Attributes.CurrentState,
		CPUPercent:  payload.Attributes.Resources.CPUAbsolute,
		MemoryBytes: payload.Attributes.Resources.MemoryBytes,
		DiskBytes:   payload.Attributes.Resources.DiskBytes,
	}, nil
}

// FileEntry is one entry from a server file listing.
type FileEntry struct {
	Name   string
	IsFile bool
}

// ListFiles lists a directory on a server via the client API.
func (c *Client) ListFiles(ctx context.Context, identifier, dir string) ([]FileEntry, error) {
	var payload struct {
		Data []struct {
			Attributes struct {
				Name   string `json:"name"`
				IsFile bool   `json:"is_file"`
			} `json:"attributes"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/api/client/servers/%s/files/list?directory=%s", identifier, url.QueryEscape(dir))
	if err := c.do(ctx, c.clientKey, http.MethodGet, path, nil, &payload); err != nil {
		return nil, fmt.Errorf("list files for %s: %w", identifier, err)
	}
	out := make([]FileEntry, 0, len(payload.Data))
	for _, d := range payload.Data {
		out = append(out, FileEntry{Name: d.Attributes.Name, IsFile: d.Attributes.IsFile})
	}
	return out, nil
}

// WalkFiles lists files recursively up to maxDepth, calling fn for each
// file path. Listing errors below the root are skipped so one unreadable
// directory does not abort a scan.
func (c *Client) WalkFiles(ctx context.Context, identifier string, maxDepth int, fn func(path string, entry FileEntry)) error {
	return c.walkFiles(ctx, identifier, "/", 0, maxDepth, fn)
}

func (c *Client) walkFiles(ctx context.Context, identifier, dir string, depth, maxDepth int, fn func(string, FileEntry)) error {
	entries, err := c.ListFiles(ctx, identifier, dir)
	if err != nil {
		if depth == 0 {
			return err
		}
		return nil
	}
	for _, e := range entries {
		p := strings.TrimRight(dir, "/") + "/" + e.Name
		fn(p, e)
		if !e.IsFile && depth+1 < maxDepth {
			if err := c.walkFiles(ctx, identifier, p, depth+1, maxDepth, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
