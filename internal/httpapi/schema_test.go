package httpapi

import "testing"

func TestValidatorAcceptsValidTaskCreate(t *testing.T) {
	v := MustNewValidator()
	body := []byte(`{"description": "fix the thing", "source": "api", "priority": 1}`)
	if err := v.Validate(SchemaTaskCreate, body); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidatorRejectsMissingDescription(t *testing.T) {
	v := MustNewValidator()
	body := []byte(`{"source": "api"}`)
	if err := v.Validate(SchemaTaskCreate, body); err == nil {
		t.Fatal("expected validation error for missing description")
	}
}

func TestValidatorRejectsUnknownField(t *testing.T) {
	v := MustNewValidator()
	body := []byte(`{"description": "x", "notAField": true}`)
	if err := v.Validate(SchemaTaskCreate, body); err == nil {
		t.Fatal("expected validation error for unknown field")
	}
}

func TestValidatorAcceptsSlackWebhook(t *testing.T) {
	v := MustNewValidator()
	body := []byte(`{"event": {"type": "message", "user": "U1", "text": "hi", "channel": "C1", "ts": "1.1"}}`)
	if err := v.Validate(SchemaWebhookSlack, body); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidatorRejectsSlackWebhookMissingEvent(t *testing.T) {
	v := MustNewValidator()
	body := []byte(`{}`)
	if err := v.Validate(SchemaWebhookSlack, body); err == nil {
		t.Fatal("expected validation error for missing event")
	}
}

func TestValidatorAcceptsGitHubWebhook(t *testing.T) {
	v := MustNewValidator()
	body := []byte(`{"action": "created", "comment": {"body": "hi", "user": {"login": "octocat"}}, "issue": {"number": 1, "title": "t"}, "repository": {"full_name": "o/r"}}`)
	if err := v.Validate(SchemaWebhookGitHub, body); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateUnknownSchemaName(t *testing.T) {
	v := MustNewValidator()
	if err := v.Validate("nope", []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown schema name")
	}
}

func TestValidateRejectsMalformedJSON(t *testing.T) {
	v := MustNewValidator()
	if err := v.Validate(SchemaTaskCreate, []byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}
