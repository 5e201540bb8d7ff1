package doctor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/config"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/credential"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{HomeDir: t.TempDir()}
}

func TestCheckConfig_Nil(t *testing.T) {
	result := checkConfig(context.Background(), nil)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", result.Status)
	}
}

func TestCheckStore_OpensAndCounts(t *testing.T) {
	cfg := testConfig(t)
	result := checkStore(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s (%s)", result.Status, result.Detail)
	}
}

func TestCheckCredential_Unregistered(t *testing.T) {
	cfg := testConfig(t)
	result := checkCredential(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN before bootstrap, got %s", result.Status)
	}
	if result.Detail == "" {
		t.Fatal("expected bootstrap hint in detail")
	}
}

func TestCheckCredential_Registered(t *testing.T) {
	cfg := testConfig(t)
	creds := credential.NewMachineStore(cfg.HomeDir)
	if err := creds.Save(credential.Credential{DeviceID: "dev-9", DeviceKey: "k"}); err != nil {
		t.Fatalf("save credential: %v", err)
	}
	result := checkCredential(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS after save, got %s (%s)", result.Status, result.Detail)
	}
}

func TestCheckEndpoint_Unconfigured(t *testing.T) {
	cfg := testConfig(t)
	result := checkEndpoint(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN without endpoint, got %s", result.Status)
	}
}

func TestCheckEndpoint_Reachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Endpoint = srv.URL
	result := checkEndpoint(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s (%s)", result.Status, result.Detail)
	}
}

func TestCheckEndpoint_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	cfg := testConfig(t)
	cfg.Endpoint = srv.URL
	result := checkEndpoint(context.Background(), cfg)
	// Unreachable is an ordinary offline condition, not a failure.
	if result.Status != "WARN" {
		t.Fatalf("expected WARN for unreachable collector, got %s", result.Status)
	}
}

func TestCheckEnvironment_RedactsSecretOverrides(t *testing.T) {
	t.Setenv("ADHERENCE_ENDPOINT", "https://collector.example.com")
	t.Setenv("ADHERENCE_DEVICE_KEY", "super-secret-value")

	result := checkEnvironment(context.Background(), nil)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s", result.Status)
	}
	if !strings.Contains(result.Detail, "ADHERENCE_ENDPOINT=https://collector.example.com") {
		t.Fatalf("expected plain endpoint in detail, got %q", result.Detail)
	}
	if strings.Contains(result.Detail, "super-secret-value") {
		t.Fatalf("secret leaked into report: %q", result.Detail)
	}
	if !strings.Contains(result.Detail, "ADHERENCE_DEVICE_KEY=[REDACTED]") {
		t.Fatalf("expected redacted key entry, got %q", result.Detail)
	}
}

func TestRunCollectsAllChecks(t *testing.T) {
	cfg := testConfig(t)
	diag := Run(context.Background(), cfg, "test")
	if len(diag.Results) != 6 {
		t.Fatalf("expected 6 checks, got %d", len(diag.Results))
	}
	if diag.System.OS == "" || diag.System.Go == "" {
		t.Fatalf("system info incomplete: %+v", diag.System)
	}
}
