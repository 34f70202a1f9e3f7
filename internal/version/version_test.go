package version

import "testing"

func TestCurrentPrefersLinkerValue(t *testing.T) {
	prev := buildVersion
	t.Cleanup(func() { buildVersion = prev })

	buildVersion = " v1.2.3 "
	if got := Current(); got != "v1.2.3" {
		t.Fatalf("unexpected version %q", got)
	}
}

func TestModuleNeverEmpty(t *testing.T) {
	if Module() == "" {
		t.Fatalf("expected module path")
	}
}
