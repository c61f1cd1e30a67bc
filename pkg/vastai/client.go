package vastai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aiserve/gpuorchestrator/internal/resilience"
)

const (
	APIBaseURL = "https://console.vast.ai/api/v0"
)

// Client talks to the Vast.ai marketplace API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewClient(apiKey string, timeout time.Duration) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: APIBaseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetBaseURL overrides the API base, used by tests.
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &resilience.HTTPError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Offer is one rentable machine from the marketplace search.
type Offer struct {
	ID            int     `json:"id"`
	GPUName       string  `json:"gpu_name"`
	NumGPUs       int     `json:"num_gpus"`
	GPUMemoryMB   int     `json:"gpu_ram"`
	CPUCores      int     `json:"cpu_cores"`
	CPURamMB      int     `json:"cpu_ram"`
	DiskSpaceGB   int     `json:"disk_space"`
	DPHTotal      float64 `json:"dph_total"`
	Location      string  `json:"geolocation"`
	Rentable      bool    `json:"rentable"`
	Verified      bool    `json:"verified"`
	InternetSpeed float64 `json:"inet_down"`
	Score         float64 `json:"score"`
}

type searchResponse struct {
	Offers []Offer `json:"offers"`
}

// SearchOffers lists rentable marketplace offers.
func (c *Client) SearchOffers(ctx context.Context) ([]Offer, error) {
	var resp searchResponse
	if err := c.do(ctx, "GET", "/bundles", nil, &resp); err != nil {
		return nil, err
	}

	offers := make([]Offer, 0, len(resp.Offers))
	for _, offer := range resp.Offers {
		if !offer.Rentable {
			continue
		}
		offers = append(offers, offer)
	}
	return offers, nil
}

type CreateRequest struct {
	OfferID int
	// Label is the idempotency key; Vast keeps it on the contract so a
	// retried accept can be detected via FindInstanceByLabel.
	Label  string
	Image  string
	DiskGB int
	Env    map[string]string
}

// CreateInstance accepts an ask and returns the new contract id.
func (c *Client) CreateInstance(ctx context.Context, req CreateRequest) (string, error) {
	payload := map[string]interface{}{
		"image":   req.Image,
		"disk":    req.DiskGB,
		"label":   req.Label,
		"env":     req.Env,
		"runtype": "args",
	}

	var result struct {
		Success     bool    `json:"success"`
		NewContract float64 `json:"new_contract"`
	}
	if err := c.do(ctx, "PUT", fmt.Sprintf("/asks/%d/", req.OfferID), payload, &result); err != nil {
		return "", err
	}
	if result.NewContract == 0 {
		return "", fmt.Errorf("vast.ai returned no contract for offer %d", req.OfferID)
	}
	return fmt.Sprintf("%d", int(result.NewContract)), nil
}

// InstanceDetail is the running contract state.
type InstanceDetail struct {
	ID             int     `json:"id"`
	ActualStatus   string  `json:"actual_status"`
	IntendedStatus string  `json:"intended_status"`
	PublicIP       string  `json:"public_ipaddr"`
	Label          string  `json:"label"`
	DPHTotal       float64 `json:"dph_total"`
}

func (c *Client) ShowInstance(ctx context.Context, contractID string) (*InstanceDetail, error) {
	var resp struct {
		Instances InstanceDetail `json:"instances"`
	}
	if err := c.do(ctx, "GET", fmt.Sprintf("/instances/%s/", contractID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Instances, nil
}

// FindInstanceByLabel scans the account's contracts for one carrying the
// label, used to recover a create whose response was lost.
func (c *Client) FindInstanceByLabel(ctx context.Context, label string) (*InstanceDetail, error) {
	var resp struct {
		Instances []InstanceDetail `json:"instances"`
	}
	if err := c.do(ctx, "GET", "/instances/", nil, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Instances {
		if resp.Instances[i].Label == label {
			return &resp.Instances[i], nil
		}
	}
	return nil, nil
}

// DestroyInstance ends a contract. Destroying an already-destroyed
// contract returns 404, which callers treat as success.
func (c *Client) DestroyInstance(ctx context.Context, contractID string) error {
	err := c.do(ctx, "DELETE", fmt.Sprintf("/instances/%s/", contractID), nil, nil)
	var httpErr *resilience.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}
