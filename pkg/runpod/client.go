package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aiserve/gpuorchestrator/internal/resilience"
)

const (
	GraphQLEndpoint = "https://api.runpod.io/graphql"
)

// Client talks to the RunPod GraphQL API with plain JSON posts.
type Client struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

func NewClient(apiKey string, timeout time.Duration) *Client {
	return &Client{
		apiKey:   apiKey,
		endpoint: GraphQLEndpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetEndpoint overrides the API endpoint, used by tests.
func (c *Client) SetEndpoint(endpoint string) {
	c.endpoint = endpoint
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) do(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return &resilience.HTTPError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var gqlResp graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&gqlResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		return fmt.Errorf("runpod API error: %s", gqlResp.Errors[0].Message)
	}

	if out != nil {
		if err := json.Unmarshal(gqlResp.Data, out); err != nil {
			return fmt.Errorf("failed to decode data: %w", err)
		}
	}
	return nil
}

// GPUType is one inventory row from the gpuTypes query.
type GPUType struct {
	ID                 string  `json:"id"`
	DisplayName        string  `json:"displayName"`
	MemoryInGB         int     `json:"memoryInGb"`
	CommunityPrice     float64 `json:"communityPrice"`
	CommunitySpotPrice float64 `json:"communitySpotPrice"`
	SecurePrice        float64 `json:"securePrice"`
	MaxGPUCount        int     `json:"maxGpuCount"`
}

func (c *Client) ListGPUTypes(ctx context.Context) ([]GPUType, error) {
	const query = `query GpuTypes {
		gpuTypes {
			id displayName memoryInGb
			communityPrice communitySpotPrice securePrice maxGpuCount
		}
	}`

	var data struct {
		GPUTypes []GPUType `json:"gpuTypes"`
	}
	if err := c.do(ctx, query, nil, &data); err != nil {
		return nil, err
	}
	return data.GPUTypes, nil
}

// Pod mirrors the subset of RunPod's pod object the orchestrator needs.
type Pod struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	DesiredStatus string  `json:"desiredStatus"`
	CostPerHr     float64 `json:"costPerHr"`
	GPUCount      int     `json:"gpuCount"`
	Runtime       *struct {
		Ports []struct {
			IP          string `json:"ip"`
			PublicPort  int    `json:"publicPort"`
			PrivatePort int    `json:"privatePort"`
			IsPublic    bool   `json:"isIpPublic"`
		} `json:"ports"`
	} `json:"runtime"`
}

// PublicIP returns the first public port mapping's address, or "".
func (p *Pod) PublicIP() string {
	if p.Runtime == nil {
		return ""
	}
	for _, port := range p.Runtime.Ports {
		if port.IsPublic && port.IP != "" {
			return port.IP
		}
	}
	return ""
}

type CreatePodRequest struct {
	// Name doubles as the idempotency key; RunPod rejects duplicate names
	// within an account, so a retried create cannot double-provision.
	Name              string
	GPUTypeID         string
	GPUCount          int
	ImageName         string
	VolumeInGB        int
	ContainerDiskInGB int
	MinMemoryInGB     int
	Spot              bool
	Env               map[string]string
}

func (c *Client) CreatePod(ctx context.Context, req CreatePodRequest) (*Pod, error) {
	mutation := `mutation Deploy($input: PodFindAndDeployOnDemandInput) {
		podFindAndDeployOnDemand(input: $input) { id name desiredStatus costPerHr gpuCount }
	}`
	field := "podFindAndDeployOnDemand"
	if req.Spot {
		mutation = `mutation Deploy($input: PodRentInterruptableInput) {
			podRentInterruptable(input: $input) { id name desiredStatus costPerHr gpuCount }
		}`
		field = "podRentInterruptable"
	}

	env := make([]map[string]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, map[string]string{"key": k, "value": v})
	}

	variables := map[string]interface{}{
		"input": map[string]interface{}{
			"name":              req.Name,
			"gpuTypeId":         req.GPUTypeID,
			"gpuCount":          req.GPUCount,
			"imageName":         req.ImageName,
			"volumeInGb":        req.VolumeInGB,
			"containerDiskInGb": req.ContainerDiskInGB,
			"minMemoryInGb":     req.MinMemoryInGB,
			"env":               env,
		},
	}

	var data map[string]*Pod
	if err := c.do(ctx, mutation, variables, &data); err != nil {
		return nil, err
	}
	pod := data[field]
	if pod == nil || pod.ID == "" {
		return nil, fmt.Errorf("runpod returned no pod for create request %q", req.Name)
	}
	return pod, nil
}

func (c *Client) GetPod(ctx context.Context, podID string) (*Pod, error) {
	const query = `query Pod($podId: String!) {
		pod(input: {podId: $podId}) {
			id name desiredStatus costPerHr gpuCount
			runtime { ports { ip publicPort privatePort isIpPublic } }
		}
	}`

	var data struct {
		Pod *Pod `json:"pod"`
	}
	if err := c.do(ctx, query, map[string]interface{}{"podId": podID}, &data); err != nil {
		return nil, err
	}
	if data.Pod == nil {
		return nil, fmt.Errorf("pod %s not found", podID)
	}
	return data.Pod, nil
}

func (c *Client) TerminatePod(ctx context.Context, podID string) error {
	const mutation = `mutation Terminate($input: PodTerminateInput!) {
		podTerminate(input: $input)
	}`
	return c.do(ctx, mutation, map[string]interface{}{
		"input": map[string]interface{}{"podId": podID},
	}, nil)
}
