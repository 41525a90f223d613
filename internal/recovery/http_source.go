package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"concierge-intercom/internal/domain/call"
)

// maxResponseBytes caps how much of a backend response is read.
const maxResponseBytes = 1 << 20

// HTTPSource reads active calls and apartment buildings from the building
// backend. It implements both ActiveCallSource and ApartmentDirectory.
type HTTPSource struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPSource(baseURL, bearerToken string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   bearerToken,
		client:  &http.Client{Timeout: timeout},
	}
}

type backendResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// ActiveCalls calls GET {base}/buildings/{id}/active-calls.
func (s *HTTPSource) ActiveCalls(ctx context.Context, buildingID string) ([]call.ActiveCallRecord, error) {
	data, status, err := s.get(ctx, "/buildings/"+url.PathEscape(buildingID)+"/active-calls")
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}

	var raw []map[string]any
	var wrapped struct {
		ActiveCalls []map[string]any `json:"activeCalls"`
		Calls       []map[string]any `json:"calls"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("decode active calls: %w", err)
		}
		raw = wrapped.ActiveCalls
		if raw == nil {
			raw = wrapped.Calls
		}
	}

	out := make([]call.ActiveCallRecord, 0, len(raw))
	for _, m := range raw {
		out = append(out, recordFrom(m))
	}
	return out, nil
}

// BuildingForApartment calls GET {base}/apartments/{number}/building. An
// apartment the backend does not know resolves to an empty id.
func (s *HTTPSource) BuildingForApartment(ctx context.Context, user call.CurrentUser) (string, error) {
	path := "/apartments/" + url.PathEscape(user.ApartmentNumber) + "/building"
	if user.ID != "" {
		path += "?userId=" + url.QueryEscape(user.ID)
	}
	data, status, err := s.get(ctx, path)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound || len(data) == 0 || string(data) == "null" {
		return "", nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return strings.TrimSpace(id), nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("decode building: %w", err)
	}
	return field(m, "buildingId", "building_id", "id"), nil
}

// get returns the unwrapped data member of the backend envelope. A 404 is not
// an error; the status lets callers treat it as empty.
func (s *HTTPSource) get(ctx context.Context, path string) (json.RawMessage, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, resp.StatusCode, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("request %s: unexpected status %d", path, resp.StatusCode)
	}

	var env backendResponse
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "unsuccessful response"
		}
		return nil, resp.StatusCode, fmt.Errorf("request %s: %s", path, msg)
	}
	return env.Data, resp.StatusCode, nil
}

func recordFrom(m map[string]any) call.ActiveCallRecord {
	return call.ActiveCallRecord{
		CallID:          field(m, "id", "callId", "call_id"),
		From:            field(m, "from", "callerId", "caller_id", "fromUserId", "doormanId"),
		CallerName:      field(m, "callerName", "caller_name", "fromName", "doormanName"),
		ApartmentNumber: field(m, "apartmentNumber", "apartment_number", "apartment"),
		BuildingID:      field(m, "buildingId", "building_id"),
		BuildingName:    field(m, "buildingName", "building_name"),
		ChannelName:     field(m, "channelName", "channel_name", "channel"),
		StartedAt:       timeField(m, "startedAt", "started_at", "createdAt", "created_at"),
	}
}

func field(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func timeField(m map[string]any, keys ...string) time.Time {
	s := field(m, keys...)
	if s == "" {
		return time.Time{}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(int64(n)).UTC()
		}
		return time.Unix(int64(n), 0).UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
