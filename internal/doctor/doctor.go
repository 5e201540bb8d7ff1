// Package doctor runs the diagnostic checks behind `adherenced doctor`.
package doctor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/buffer"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/config"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/credential"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/shared"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkEnvironment,
		checkStore,
		checkCredential,
		checkEndpoint,
		checkHomePermissions,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

// checkEnvironment lists the ADHERENCE_* overrides in effect. Values of
// secret-bearing variables are redacted before they reach the report.
func checkEnvironment(_ context.Context, _ *config.Config) CheckResult {
	var overrides []string
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "ADHERENCE_") {
			continue
		}
		overrides = append(overrides, key+"="+shared.RedactEnvValue(key, value))
	}
	if len(overrides) == 0 {
		return CheckResult{Name: "Environment", Status: "PASS", Message: "No ADHERENCE_* overrides"}
	}
	sort.Strings(overrides)
	return CheckResult{
		Name:    "Environment",
		Status:  "PASS",
		Message: fmt.Sprintf("%d ADHERENCE_* override(s)", len(overrides)),
		Detail:  strings.Join(overrides, "\n"),
	}
}

func checkStore(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Event Store", Status: "SKIP", Message: "Config missing"}
	}
	store, err := buffer.Open(cfg.BufferPath(), buffer.Options{})
	if err != nil {
		return CheckResult{
			Name:    "Event Store",
			Status:  "FAIL",
			Message: "Cannot open event store",
			Detail:  err.Error(),
		}
	}
	defer store.Close()

	pending, err := store.CountPending(context.Background())
	if err != nil {
		return CheckResult{Name: "Event Store", Status: "FAIL", Message: "Store query failed", Detail: err.Error()}
	}
	return CheckResult{
		Name:    "Event Store",
		Status:  "PASS",
		Message: fmt.Sprintf("Open at %s, %d pending", cfg.BufferPath(), pending),
	}
}

func checkCredential(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Credential", Status: "SKIP", Message: "Config missing"}
	}
	creds := credential.NewMachineStore(cfg.HomeDir)
	cred, ok, err := creds.Load()
	if err != nil {
		return CheckResult{Name: "Credential", Status: "FAIL", Message: "Credential store error", Detail: err.Error()}
	}
	if !ok {
		return CheckResult{
			Name:    "Credential",
			Status:  "WARN",
			Message: "Device not registered",
			Detail:  "Run: adherenced bootstrap --device-id <id> --device-key <key>",
		}
	}
	return CheckResult{Name: "Credential", Status: "PASS", Message: fmt.Sprintf("Registered as %s", cred.DeviceID)}
}

func checkEndpoint(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Endpoint == "" {
		return CheckResult{
			Name:    "Endpoint",
			Status:  "WARN",
			Message: "No collector endpoint configured",
			Detail:  "Set endpoint in config.yaml or ADHERENCE_ENDPOINT",
		}
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return CheckResult{Name: "Endpoint", Status: "FAIL", Message: "Endpoint URL invalid", Detail: err.Error()}
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, cfg.Endpoint, nil)
	if err != nil {
		return CheckResult{Name: "Endpoint", Status: "FAIL", Message: "Cannot build request", Detail: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Name:    "Endpoint",
			Status:  "WARN",
			Message: "Collector unreachable (events will buffer locally)",
			Detail:  err.Error(),
		}
	}
	resp.Body.Close()
	return CheckResult{Name: "Endpoint", Status: "PASS", Message: fmt.Sprintf("Reachable (%s)", resp.Status)}
}

func checkHomePermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	probe, err := os.CreateTemp(cfg.HomeDir, ".doctor-*")
	if err != nil {
		return CheckResult{
			Name:    "Permissions",
			Status:  "FAIL",
			Message: fmt.Sprintf("Home %s not writable", cfg.HomeDir),
			Detail:  err.Error(),
		}
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: fmt.Sprintf("%s writable", cfg.HomeDir)}
}
