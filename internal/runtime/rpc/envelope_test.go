package rpc

import (
	"strings"
	"testing"
)

func TestParseResultEnvelope(t *testing.T) {
	payload := `{
		"status": "succeeded",
		"summary": "opened PR",
		"runId": "run-1",
		"metadata": {"prUrl": "https://example.com/pr/7"}
	}`

	envelope, err := ParseResultEnvelope(payload)
	if err != nil {
		t.Fatalf("ParseResultEnvelope failed: %v", err)
	}
	if !envelope.Succeeded() {
		t.Error("Expected envelope to report success")
	}
	if envelope.Summary != "opened PR" {
		t.Errorf("Expected summary 'opened PR', got %q", envelope.Summary)
	}
	if envelope.Meta(EnvelopeMetaPRURL) != "https://example.com/pr/7" {
		t.Errorf("Unexpected prUrl metadata: %q", envelope.Meta(EnvelopeMetaPRURL))
	}
	if envelope.Meta("missing") != "" {
		t.Error("Expected empty string for absent metadata key")
	}
}

func TestParseResultEnvelope_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"malformed json", `{"status": "succeeded"`},
		{"unknown status", `{"status": "done", "runId": "run-1"}`},
		{"missing status", `{"runId": "run-1"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseResultEnvelope(tc.payload); err == nil {
				t.Errorf("Expected error for payload %q", tc.payload)
			}
		})
	}
}

func TestParseResultEnvelope_ValidationErrorText(t *testing.T) {
	// The error text feeds failure classification downstream, so malformed
	// and unknown-status envelopes must both mention envelope validation.
	for _, payload := range []string{`not json`, `{"status": "maybe"}`} {
		_, err := ParseResultEnvelope(payload)
		if err == nil {
			t.Fatalf("Expected error for %q", payload)
		}
		if !strings.Contains(err.Error(), "Envelope validation") {
			t.Errorf("Error %q does not mention envelope validation", err)
		}
	}
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		name          string
		explicitClass string
		summary       string
		errorText     string
		want          string
	}{
		{"explicit class wins", "GitPush", "Workspace preparation failed", "timeout", "GitPush"},
		{"workspace preparation", "", "Workspace preparation failed: clone error", "", "WorkspacePreparation"},
		{"envelope validation", "", "", "Envelope validation failed: unknown status", "EnvelopeValidation"},
		{"timeout", "", "", "command timeout after 300s", "Timeout"},
		{"cancelled", "", "", "context Cancelled", "Timeout"},
		{"workspace beats envelope", "", "Workspace preparation failed", "Envelope validation failed", "WorkspacePreparation"},
		{"envelope beats timeout", "", "", "Envelope validation failed: timeout", "EnvelopeValidation"},
		{"no class", "", "done", "some other error", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyFailure(tc.explicitClass, tc.summary, tc.errorText)
			if got != tc.want {
				t.Errorf("ClassifyFailure(%q, %q, %q) = %q, want %q",
					tc.explicitClass, tc.summary, tc.errorText, got, tc.want)
			}
		})
	}
}
