// Package client is a typed Go client for the IoT hub REST and WebSocket API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ponytojas/go-iot-hub/internal/api"
	"github.com/ponytojas/go-iot-hub/internal/live"
	"github.com/ponytojas/go-iot-hub/internal/models"
)

// APIError is returned for every non-2xx response.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Detail)
}

// Client talks to one hub. It is safe for concurrent use once logged in.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// New returns a client for the hub at baseURL, e.g. http://localhost:8000.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// WithToken uses an existing access token instead of logging in.
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

// Token returns the access token in use.
func (c *Client) Token() string { return c.token }

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	target := c.baseURL + api.Prefix + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out interface{}) error {
	if c.token != "" && req.Header.Get(api.DeviceTokenHeader) == "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &e) != nil || e.Detail == "" {
			e.Detail = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Detail: e.Detail}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// Login exchanges credentials for an access token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, username, password string) error {
	form := url.Values{"username": {username}, "password": {password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+api.Prefix+"/login/access-token", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tok api.Token
	if err := c.send(req, &tok); err != nil {
		return err
	}
	c.token = tok.AccessToken
	return nil
}

func (c *Client) Me(ctx context.Context) (*models.User, error) {
	var u models.User
	if err := c.do(ctx, http.MethodGet, "/login/me", nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) ListDevices(ctx context.Context, includeArchived bool) ([]*models.Device, error) {
	q := url.Values{}
	if includeArchived {
		q.Set("include_archived", "true")
	}
	var out []*models.Device
	if err := c.do(ctx, http.MethodGet, "/devices/", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetDevice(ctx context.Context, id int64) (*models.Device, error) {
	var d models.Device
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/devices/%d", id), nil, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) CreateDevice(ctx context.Context, in models.DeviceCreate) (*models.Device, error) {
	var d models.Device
	if err := c.do(ctx, http.MethodPost, "/devices/", nil, in, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) ListSensorTypes(ctx context.Context) ([]*models.SensorType, error) {
	var out []*models.SensorType
	if err := c.do(ctx, http.MethodGet, "/sensor-types/", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListTokens(ctx context.Context, deviceID int64) ([]*models.DeviceToken, error) {
	var out []*models.DeviceToken
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/devices/%d/tokens", deviceID), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateToken(ctx context.Context, deviceID int64, label string) (*models.DeviceToken, error) {
	var tok models.DeviceToken
	path := fmt.Sprintf("/devices/%d/tokens", deviceID)
	if err := c.do(ctx, http.MethodPost, path, nil, api.TokenCreate{Label: label}, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// UpdateSensors replaces the sensor set of a device.
func (c *Client) UpdateSensors(ctx context.Context, deviceID int64, links []models.DeviceSensorLink) (*models.SensorLinkChange, error) {
	var change models.SensorLinkChange
	path := fmt.Sprintf("/devices/%d/sensors", deviceID)
	in := api.DeviceSensorsUpdate{Sensors: links}
	if in.Sensors == nil {
		in.Sensors = []models.DeviceSensorLink{}
	}
	if err := c.do(ctx, http.MethodPost, path, nil, in, &change); err != nil {
		return nil, err
	}
	return &change, nil
}

// ListMeasurements returns readings newest first.
func (c *Client) ListMeasurements(ctx context.Context, f models.MeasurementFilter) ([]*models.Measurement, error) {
	q := url.Values{}
	if f.DeviceID != 0 {
		q.Set("device_id", strconv.FormatInt(f.DeviceID, 10))
	}
	if f.SensorTypeID != 0 {
		q.Set("sensor_type_id", strconv.FormatInt(f.SensorTypeID, 10))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if !f.Start.IsZero() {
		q.Set("start_date", f.Start.UTC().Format(time.RFC3339Nano))
	}
	if !f.End.IsZero() {
		q.Set("end_date", f.End.UTC().Format(time.RFC3339Nano))
	}
	var out []*models.Measurement
	if err := c.do(ctx, http.MethodGet, "/measurements/", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Push sends a reading authenticated by a device token.
func (c *Client) Push(ctx context.Context, deviceToken string, sensorTypeID int64, value float64) (*models.Measurement, error) {
	raw, err := json.Marshal(api.MeasurementCreate{SensorTypeID: sensorTypeID, Value: &value})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+api.Prefix+"/measurements/", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.DeviceTokenHeader, deviceToken)

	var m models.Measurement
	if err := c.send(req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Stream subscribes to live measurements and calls fn for each one until ctx ends or
// the connection fails. It always returns a non-nil error.
func (c *Client) Stream(ctx context.Context, fn func(*models.Measurement)) error {
	u, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"token": {c.token}}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return &APIError{Status: resp.StatusCode, Detail: "websocket handshake rejected"}
		}
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream closed: %w", err)
		}
		if msg.Type != live.TypeMeasurement {
			continue
		}
		var m models.Measurement
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			continue
		}
		fn(&m)
	}
}
