package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/consus-energy/lanzone-edge/pkg/log"
	"github.com/consus-energy/lanzone-edge/pkg/state"
	"github.com/consus-energy/lanzone-edge/pkg/types"
)

// DefaultHealthEndpoint receives alert events when the comms settings do not
// override it.
const DefaultHealthEndpoint = "/blob/health"

const requestTimeout = 10 * time.Second

// Client posts telemetry, alerts, and validation results to the cloud
// backend, and pulls the initial LAN-zone state. Base URL and endpoints come
// from the store's comms settings on every call so an init-time override
// takes effect without reconstruction.
type Client struct {
	store  *state.Store
	http   *http.Client
	logger zerolog.Logger
}

// NewClient creates a backend client bound to the store's comms settings.
func NewClient(store *state.Store) *Client {
	return &Client{
		store:  store,
		http:   &http.Client{Timeout: requestTimeout},
		logger: log.WithComponent("backend"),
	}
}

// PostTelemetry sends one telemetry batch to the ingest endpoint.
func (c *Client) PostTelemetry(batch []types.TelemetryPayload) error {
	if len(batch) == 0 {
		return nil
	}
	comms := c.store.Comms()
	return c.postJSON(comms.APIBaseURL+comms.IngestEndpoint, batch)
}

// PostAlerts sends alert events to the health endpoint.
func (c *Client) PostAlerts(events []types.AlertEvent) error {
	if len(events) == 0 {
		return nil
	}
	comms := c.store.Comms()
	endpoint := comms.HealthEndpoint
	if endpoint == "" {
		endpoint = DefaultHealthEndpoint
	}
	return c.postJSON(comms.APIBaseURL+endpoint, events)
}

// PostModbusResults reports a connectivity verification run.
func (c *Client) PostModbusResults(payload any) error {
	comms := c.store.Comms()
	if comms.ModbusValidationEndpoint == "" {
		return fmt.Errorf("modbus_validation_endpoint not configured")
	}
	return c.postJSON(comms.APIBaseURL+comms.ModbusValidationEndpoint, payload)
}

// InitTask is a task document paired with its unit in the init response.
type InitTask struct {
	ConsusID string `json:"consus_id"`
	types.TaskPayload
}

// InitPayload is the /edge/init response body.
type InitPayload struct {
	Settings  *types.Settings       `json:"settings"`
	Lanzone   *types.CommsSettings  `json:"lanzone"`
	Batteries []types.BatteryConfig `json:"batteries"`
	Tasks     []InitTask            `json:"tasks"`
}

// InitState pulls the LAN zone's dynamic configuration from the backend.
func (c *Client) InitState(ctx context.Context) (*InitPayload, error) {
	comms := c.store.Comms()
	if comms.APIBaseURL == "" {
		return nil, fmt.Errorf("api_base_url not configured")
	}
	url := fmt.Sprintf("%s/edge/init?lanzone_id=%s", comms.APIBaseURL, comms.GroupID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build init request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("init request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("init returned %d: %s", resp.StatusCode, body)
	}

	var payload InitPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode init response: %w", err)
	}
	return &payload, nil
}

// Seed applies an init payload to the store: settings, comms overrides,
// battery configs, and task documents.
func (p *InitPayload) Seed(store *state.Store) {
	if p.Settings != nil {
		store.UpdateSettings(*p.Settings)
	}
	if p.Lanzone != nil {
		store.UpdateComms(*p.Lanzone)
	}
	for _, b := range p.Batteries {
		store.UpdateBattery(b.ConsusID, b)
	}
	for i := range p.Tasks {
		t := p.Tasks[i]
		if err := store.UpdateTask(t.ConsusID, &t.TaskPayload); err != nil {
			logger := log.WithComponent("backend")
			logger.Warn().Err(err).Str("consus_id", t.ConsusID).Msg("init task rejected")
		}
	}
}

func (c *Client) postJSON(url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, text)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if key := c.store.Comms().APIKey; key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
}
