package wsrelay

import "github.com/tidwall/gjson"

// parseEnvelope reads the streaming event envelope {event, payload} without
// fully unmarshaling payload, which is itself a JSON-encoded string.
func parseEnvelope(data []byte) (event, payload string, ok bool) {
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return "", "", false
	}

	eventField := parsed.Get("event")
	if eventField.Type != gjson.String {
		return "", "", false
	}

	payloadField := parsed.Get("payload")
	if payloadField.Type != gjson.String {
		return eventField.String(), "", true
	}

	return eventField.String(), payloadField.String(), true
}
