package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the Strand API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// ListThreads fetches all threads.
func (c *Client) ListThreads() ([]ThreadItem, error) {
	var threads []struct {
		ID      string   `json:"id"`
		Title   string   `json:"title"`
		Mode    string   `json:"mode"`
		TaskIDs []string `json:"task_ids"`
	}
	if err := c.get("/threads", &threads); err != nil {
		return nil, err
	}

	items := make([]ThreadItem, len(threads))
	for i, t := range threads {
		items[i] = ThreadItem{
			ID:        t.ID,
			Name:      t.Title,
			Mode:      t.Mode,
			TaskCount: len(t.TaskIDs),
		}
	}
	return items, nil
}

// Queue fetches the queue summary.
func (c *Client) Queue() (QueueInfo, error) {
	var status struct {
		QueuedCount  int `json:"queued_count"`
		RunningCount int `json:"running_count"`
	}
	if err := c.get("/queue", &status); err != nil {
		return QueueInfo{}, err
	}
	return QueueInfo{Queued: status.QueuedCount, Running: status.RunningCount}, nil
}

// ListPackages fetches all package records.
func (c *Client) ListPackages() ([]PackageItem, error) {
	var pkgs []struct {
		Name     string `json:"package_name"`
		Status   string `json:"status"`
		Metadata struct {
			SafetyLevel string `json:"safety_level"`
		} `json:"metadata"`
		Reason string `json:"reason"`
	}
	if err := c.get("/packages", &pkgs); err != nil {
		return nil, err
	}

	items := make([]PackageItem, len(pkgs))
	for i, p := range pkgs {
		items[i] = PackageItem{
			Name:   p.Name,
			Status: p.Status,
			Safety: p.Metadata.SafetyLevel,
			Reason: p.Reason,
		}
	}
	return items, nil
}

// ListTools fetches the tool registry.
func (c *Client) ListTools() ([]ToolItem, error) {
	var tools []struct {
		Name        string `json:"name"`
		Domain      string `json:"domain"`
		Description string `json:"description"`
		UsageCount  int    `json:"usage_count"`
		IsSystem    bool   `json:"is_system"`
	}
	if err := c.get("/tools", &tools); err != nil {
		return nil, err
	}

	items := make([]ToolItem, len(tools))
	for i, t := range tools {
		items[i] = ToolItem{
			Name:       t.Name,
			Domain:     t.Domain,
			Desc:       t.Description,
			UsageCount: t.UsageCount,
			IsSystem:   t.IsSystem,
		}
	}
	return items, nil
}

// ApprovePackage approves a pending package.
func (c *Client) ApprovePackage(name string) error {
	return c.post("/packages/"+name+"/approve", map[string]string{})
}

// DenyPackage denies a pending package.
func (c *Client) DenyPackage(name string) error {
	return c.post("/packages/"+name+"/deny", map[string]string{})
}

// Chat submits a message through the conversational endpoint.
func (c *Client) Chat(threadID, message string) error {
	return c.post("/chat", map[string]string{
		"thread_id": threadID,
		"message":   message,
	})
}

// CheckHealth reports whether the daemon answers its health endpoint.
func (c *Client) CheckHealth() bool {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) get(path string, out any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(path string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", string(body))
	}
	return nil
}
