// Package push turns platform notification payloads into incoming call
// events for the coordinator.
package push

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"concierge-intercom/internal/domain/call"
)

// TypeIntercomCall is the notification type carrying an intercom call.
const TypeIntercomCall = "intercom_call"

// maxNesting bounds how deep nested payload strings are unwrapped.
const maxNesting = 4

// Payload is the result of Parse: either KnownIntercomCall or Unrecognized.
type Payload interface {
	isPayload()
}

// KnownIntercomCall is a valid intercom call notification. Event has no
// Source or ShouldShowNativeUI set; the ingestor fills them in.
type KnownIntercomCall struct {
	Event call.IncomingCallEvent
}

// Unrecognized is any payload that is not a usable intercom call.
type Unrecognized struct {
	Reason string
}

func (KnownIntercomCall) isPayload() {}
func (Unrecognized) isPayload() {}

// nested keys that may wrap the call data, as an object or a JSON string.
var nestedKeys = []string{"data", "body", "payload", "message", "extra"}

var (
	typeKeys            = []string{"type", "notificationType", "notification_type", "kind", "event"}
	callIDKeys          = []string{"callId", "call_id", "callID"}
	fromKeys            = []string{"from", "fromUserId", "from_user_id", "callerId", "caller_id", "senderId", "sender_id"}
	callerNameKeys      = []string{"callerName", "caller_name", "fromName", "from_name", "callerDisplayName", "doormanName", "doorman_name"}
	apartmentNumberKeys = []string{"apartmentNumber", "apartment_number", "apartment", "unit"}
	buildingIDKeys      = []string{"buildingId", "building_id", "buildingID"}
	buildingNameKeys    = []string{"buildingName", "building_name"}
	channelKeys         = []string{"channelName", "channel_name", "channel"}
	timestampKeys       = []string{"timestamp", "ts", "sentAt", "sent_at", "createdAt", "created_at"}
)

// Parse never fails: anything that is not an intercom call with a call id and
// a caller comes back as Unrecognized.
func Parse(raw []byte) Payload {
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return Unrecognized{Reason: "not a json object"}
	}
	return ParseMap(root)
}

// ParseMap is Parse for an already decoded payload.
func ParseMap(root map[string]any) Payload {
	if root == nil {
		return Unrecognized{Reason: "empty payload"}
	}
	layers := collectLayers(root)

	rawType, typeLayer := lookupLayer(layers, typeKeys)
	typ := strings.ToLower(rawType)
	if typ != TypeIntercomCall {
		if typ == "" {
			return Unrecognized{Reason: "missing type"}
		}
		return Unrecognized{Reason: fmt.Sprintf("unrelated type %q", typ)}
	}

	ev := call.IncomingCallEvent{
		CallID:          lookup(layers, callIDKeys),
		From:            lookup(layers, fromKeys),
		CallerName:      lookup(layers, callerNameKeys),
		ApartmentNumber: lookup(layers, apartmentNumberKeys),
		BuildingID:      lookup(layers, buildingIDKeys),
		BuildingName:    lookup(layers, buildingNameKeys),
		ChannelName:     lookup(layers, channelKeys),
		Timestamp:       lookupTime(layers, timestampKeys),
	}
	// A bare id names the call only beside the type; elsewhere it is usually
	// the notification's own id.
	if ev.CallID == "" {
		ev.CallID = scalar(typeLayer["id"])
	}
	if err := ev.Validate(); err != nil {
		return Unrecognized{Reason: "missing call id or caller"}
	}
	return KnownIntercomCall{Event: ev}
}

// collectLayers flattens the payload into the root followed by every nested
// object reachable through nestedKeys, breadth first.
func collectLayers(root map[string]any) []map[string]any {
	layers := []map[string]any{root}
	frontier := []map[string]any{root}
	for depth := 0; depth < maxNesting && len(frontier) > 0; depth++ {
		var next []map[string]any
		for _, m := range frontier {
			for _, key := range nestedKeys {
				if inner := asObject(m[key]); inner != nil {
					next = append(next, inner)
				}
			}
		}
		layers = append(layers, next...)
		frontier = next
	}
	return layers
}

func asObject(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case string:
		s := strings.TrimSpace(t)
		if !strings.HasPrefix(s, "{") {
			return nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil
		}
		return m
	default:
		return nil
	}
}

// lookup returns the first non-empty value, trying keys in order of
// preference across every layer.
func lookup(layers []map[string]any, keys []string) string {
	s, _ := lookupLayer(layers, keys)
	return s
}

// lookupLayer is lookup that also returns the layer the value came from.
func lookupLayer(layers []map[string]any, keys []string) (string, map[string]any) {
	for _, key := range keys {
		for _, m := range layers {
			if s := scalar(m[key]); s != "" {
				return s, m
			}
		}
	}
	return "", nil
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// lookupTime accepts epoch seconds, epoch milliseconds or RFC 3339.
func lookupTime(layers []map[string]any, keys []string) time.Time {
	s := lookup(layers, keys)
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
