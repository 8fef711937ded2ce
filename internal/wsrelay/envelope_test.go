package wsrelay

import "testing"

func TestParseEnvelope(t *testing.T) {
	cases := []struct {
		name        string
		data        string
		wantEvent   string
		wantPayload string
		wantOK      bool
	}{
		{
			name:        "update with string payload",
			data:        `{"event":"update","payload":"{\"uri\":\"https://example.social/statuses/1\"}"}`,
			wantEvent:   "update",
			wantPayload: `{"uri":"https://example.social/statuses/1"}`,
			wantOK:      true,
		},
		{
			name:      "non-update event",
			data:      `{"event":"delete","payload":"123"}`,
			wantEvent: "delete",
			wantOK:    true,
		},
		{
			name:      "missing payload",
			data:      `{"event":"notification"}`,
			wantEvent: "notification",
			wantOK:    true,
		},
		{
			name:   "not an object",
			data:   `[1,2,3]`,
			wantOK: false,
		},
		{
			name:   "event not a string",
			data:   `{"event":1}`,
			wantOK: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event, payload, ok := parseEnvelope([]byte(tc.data))
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if event != tc.wantEvent {
				t.Fatalf("event = %q, want %q", event, tc.wantEvent)
			}
			if tc.wantPayload != "" && payload != tc.wantPayload {
				t.Fatalf("payload = %q, want %q", payload, tc.wantPayload)
			}
		})
	}
}
