package registry

import (
	"context"
	"testing"

	"github.com/basket/fleetcore/internal/fleeterr"
	"github.com/basket/fleetcore/internal/store"
	"github.com/basket/fleetcore/internal/store/sqlite"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	reg, err := New(st, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.EnsureDefault(context.Background()); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestUpsertFromSysinfoCreatesServer(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	sv, err := reg.UpsertFromSysinfo(ctx, "ur.sysinfo.cn-1", map[string]any{
		"UUID": "cn-1", "Hostname": "cn-1.example", "Setup": true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if sv.Hostname != "cn-1.example" || !sv.Setup {
		t.Fatalf("unexpected server: %+v", sv)
	}

	again, err := reg.Get(ctx, "cn-1")
	if err != nil {
		t.Fatal(err)
	}
	if again.UUID != "cn-1" {
		t.Fatalf("unexpected roundtrip: %+v", again)
	}
}

func TestUpsertFromSysinfoRejectsMissingUUID(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.UpsertFromSysinfo(context.Background(), "ur.sysinfo.x", map[string]any{"Hostname": "x"})
	if !fleeterr.Of(err, fleeterr.InvalidParameters) {
		t.Fatalf("expected InvalidParameters, got %v", err)
	}
}

func TestHeartbeatIngestUnknownServer(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.HeartbeatIngest(context.Background(), "no-such-cn", nil)
	if !fleeterr.Of(err, fleeterr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestGetBootParamsMergesWithDefault(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.UpsertFromSysinfo(ctx, "ur.sysinfo.cn-1", map[string]any{
		"UUID": "cn-1", "Hostname": "cn-1",
	}); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetBootParams(ctx, "cn-1", map[string]string{"custom": "1"}); err != nil {
		t.Fatal(err)
	}

	merged, err := reg.GetBootParams(ctx, "cn-1")
	if err != nil {
		t.Fatal(err)
	}
	if merged.KernelArgs["custom"] != "1" {
		t.Errorf("missing override: %+v", merged)
	}
	if merged.KernelArgs["rabbitmq"] == "" {
		t.Errorf("missing default inheritance: %+v", merged)
	}
}

func TestListServersExcludesDefaultAndFilters(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.UpsertFromSysinfo(ctx, "ur.sysinfo.cn-1", map[string]any{
		"UUID": "cn-1", "Hostname": "cn-1", "Setup": true,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.UpsertFromSysinfo(ctx, "ur.sysinfo.cn-2", map[string]any{
		"UUID": "cn-2", "Hostname": "cn-2", "Setup": false,
	}); err != nil {
		t.Fatal(err)
	}

	all, err := reg.ListServers(ctx, store.All, store.FindOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 servers (default excluded), got %d", len(all))
	}

	setup, err := reg.ListServers(ctx, store.Eq{Field: "setup", Value: true}, store.FindOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(setup) != 1 || setup[0].UUID != "cn-1" {
		t.Fatalf("unexpected filtered results: %+v", setup)
	}
}

func TestUpsertFromSysinfoParsesBootTime(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	sv, err := reg.UpsertFromSysinfo(ctx, "ur.sysinfo.cn-1", map[string]any{
		"UUID": "cn-1", "Hostname": "cn-1", "Boot Time": "1517295064",
	})
	if err != nil {
		t.Fatal(err)
	}
	if sv.LastBoot != "2018-01-30T07:11:04.000Z" {
		t.Fatalf("unexpected last_boot: %q", sv.LastBoot)
	}
}

func TestUpsertFromSysinfoBootTimeIsMonotone(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.UpsertFromSysinfo(ctx, "ur.sysinfo.cn-1", map[string]any{
		"UUID": "cn-1", "Hostname": "cn-1", "Boot Time": "1517295064",
	}); err != nil {
		t.Fatal(err)
	}

	// An earlier (stale, reordered) sysinfo report must not move
	// last_boot backwards.
	sv, err := reg.UpsertFromSysinfo(ctx, "ur.sysinfo.cn-1", map[string]any{
		"UUID": "cn-1", "Hostname": "cn-1", "Boot Time": "1400000000",
	})
	if err != nil {
		t.Fatal(err)
	}
	if sv.LastBoot != "2018-01-30T07:11:04.000Z" {
		t.Fatalf("expected last_boot to stay monotone, got %q", sv.LastBoot)
	}
}

func TestFactoryResetClearsState(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.UpsertFromSysinfo(ctx, "ur.sysinfo.cn-1", map[string]any{
		"UUID": "cn-1", "Hostname": "cn-1",
	}); err != nil {
		t.Fatal(err)
	}
	if err := reg.FactoryReset(ctx, "cn-1"); err != nil {
		t.Fatal(err)
	}
	sv, err := reg.Get(ctx, "cn-1")
	if err != nil {
		t.Fatal(err)
	}
	if sv.Status != "unknown" || len(sv.Sysinfo) != 0 {
		t.Fatalf("expected reset server, got %+v", sv)
	}
}
