package domain

import "testing"

func TestMetadataStringValue(t *testing.T) {
	meta := Metadata{
		"padded":  "  a, b, c  ",
		"numeric": 7,
	}
	if got := meta.StringValue("padded"); got != "a, b, c" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	if got := meta.StringValue("numeric"); got != "" {
		t.Fatalf("non-string entries must yield empty, got %q", got)
	}
	if got := meta.StringValue("absent"); got != "" {
		t.Fatalf("missing entries must yield empty, got %q", got)
	}
	var nilMeta Metadata
	if got := nilMeta.StringValue("anything"); got != "" {
		t.Fatalf("nil metadata must yield empty, got %q", got)
	}
}
