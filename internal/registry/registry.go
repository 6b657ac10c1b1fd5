// Package registry is the server registry (spec.md §4.D): the
// authoritative record of every compute node in the fleet, kept current
// by sysinfo broadcasts and periodic heartbeats, with boot-param
// management and factory-reset.
//
// Grounded on the teacher's internal/agent/registry.go (RWMutex-guarded
// registry of named entities, backed by a persistence layer) and
// internal/persistence/store.go (CRUD over a SQL-backed store).
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/fleetcore/internal/fleeterr"
	"github.com/basket/fleetcore/internal/model"
	"github.com/basket/fleetcore/internal/store"
)

// defaultHeartbeatStaleAfter is the fallback running-status window
// (spec.md §3/§4.D, HEARTBEAT_LIFETIME_SECONDS) used when the caller
// doesn't supply cfg.Registry.HeartbeatStaleAfter.
const defaultHeartbeatStaleAfter = 11 * time.Second

// bootTimeLayout is the ISO-8601 millisecond UTC format spec.md §4.D
// requires for last_boot (e.g. "2018-01-30T07:11:04.000Z").
const bootTimeLayout = "2006-01-02T15:04:05.000Z"

const sysinfoSchemaJSON = `{
	"type": "object",
	"required": ["UUID", "Hostname"],
	"properties": {
		"UUID": {"type": "string", "minLength": 1},
		"Hostname": {"type": "string", "minLength": 1}
	}
}`

// Registry is the authoritative, store-backed record of every compute
// node in the fleet.
type Registry struct {
	store               store.Store
	logger              *slog.Logger
	schema              *jsonschema.Schema
	heartbeatStaleAfter time.Duration
}

// New creates a Registry, compiling the sysinfo validation schema.
// heartbeatStaleAfter is the running-status liveness window (spec.md
// §3/§4.D's HEARTBEAT_LIFETIME_SECONDS, cfg.Registry.HeartbeatStaleAfter);
// a value <= 0 falls back to defaultHeartbeatStaleAfter.
func New(st store.Store, logger *slog.Logger, heartbeatStaleAfter time.Duration) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeatStaleAfter <= 0 {
		heartbeatStaleAfter = defaultHeartbeatStaleAfter
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(sysinfoSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal sysinfo schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("sysinfo.json", doc); err != nil {
		return nil, fmt.Errorf("add sysinfo schema resource: %w", err)
	}
	schema, err := c.Compile("sysinfo.json")
	if err != nil {
		return nil, fmt.Errorf("compile sysinfo schema: %w", err)
	}
	return &Registry{store: st, logger: logger, schema: schema, heartbeatStaleAfter: heartbeatStaleAfter}, nil
}

// EnsureDefault seeds the sentinel default server record if absent, so
// GetBootParams always has a baseline to merge from.
func (r *Registry) EnsureDefault(ctx context.Context) error {
	_, _, err := store.GetDecode[model.Server](ctx, r.store, store.BucketServers, model.DefaultServerUUID)
	if err == nil {
		return nil
	}
	if err != store.ErrNotFound {
		return fleeterr.Wrap(fleeterr.Internal, err, "read default server")
	}
	body, err := json.Marshal(model.NewDefaultServer())
	if err != nil {
		return fleeterr.Wrap(fleeterr.Internal, err, "marshal default server")
	}
	if _, err := r.store.Put(ctx, store.BucketServers, model.DefaultServerUUID, body, ""); err != nil {
		return fleeterr.Wrap(fleeterr.Internal, err, "persist default server")
	}
	return nil
}

// UpsertFromSysinfo validates an inbound ur.sysinfo payload and merges it
// into the server record, creating it if this is the first time the CN
// has been seen. Retries on ETag conflict (spec.md §4.D).
func (r *Registry) UpsertFromSysinfo(ctx context.Context, routingKey string, payload map[string]any) (*model.Server, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, err, "marshal sysinfo payload")
	}
	decoded, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.InvalidParameters, err, "decode sysinfo payload")
	}
	if err := r.schema.Validate(decoded); err != nil {
		return nil, fleeterr.New(fleeterr.InvalidParameters, "sysinfo payload failed validation: %s", err)
	}

	uuidVal, _ := payload["UUID"].(string)
	if uuidVal == "" {
		return nil, fleeterr.New(fleeterr.InvalidParameters, "sysinfo payload missing UUID")
	}
	hostname, _ := payload["Hostname"].(string)
	now := time.Now().UTC()

	updated, etag, err := store.UpdateWithRetry(ctx, r.store, store.BucketServers, uuidVal, store.DefaultMaxAttempts,
		func(current *model.Server, exists bool) (*model.Server, error) {
			if !exists {
				current = &model.Server{UUID: uuidVal}
				r.logger.Info("discovered new server", "server_uuid", uuidVal, "hostname", hostname)
			}
			current.Hostname = hostname
			current.Sysinfo = payload
			if bootTime, ok := parseBootTime(payload); ok {
				formatted := bootTime.Format(bootTimeLayout)
				if prevBoot, err := time.Parse(bootTimeLayout, current.LastBoot); err != nil || !bootTime.Before(prevBoot) {
					current.LastBoot = formatted
				}
			}
			current.Status = model.ServerRunning
			current.LastHeartbeat = &now
			if setup, ok := payload["Setup"].(bool); ok {
				current.Setup = setup
			}
			if hn, ok := payload["Headnode"].(bool); ok {
				current.Headnode = hn
			}
			if dc, ok := payload["Datacenter"].(string); ok {
				current.Datacenter = dc
			}
			return current, nil
		})
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, err, "upsert server from sysinfo")
	}
	updated.ETag = etag
	return updated, nil
}

// HeartbeatIngest records a liveness heartbeat for serverUUID, flipping
// its derived status back to running.
func (r *Registry) HeartbeatIngest(ctx context.Context, serverUUID string, vms map[string]model.VM) (*model.Server, error) {
	now := time.Now().UTC()
	updated, etag, err := store.UpdateWithRetry(ctx, r.store, store.BucketServers, serverUUID, store.DefaultMaxAttempts,
		func(current *model.Server, exists bool) (*model.Server, error) {
			if !exists {
				return nil, fleeterr.New(fleeterr.NotFound, "server %s not found", serverUUID)
			}
			current.LastHeartbeat = &now
			current.Status = model.ServerRunning
			if vms != nil {
				current.VMs = vms
			}
			return current, nil
		})
	if err != nil {
		if fe, ok := fleeterr.As(err); ok {
			return nil, fe
		}
		return nil, fleeterr.Wrap(fleeterr.Internal, err, "ingest heartbeat")
	}
	updated.ETag = etag
	return updated, nil
}

// ReconcileStaleness scans every server and flips status to unknown for
// any whose last heartbeat is older than the registry's heartbeat-stale
// window. Intended to be called on a periodic tick (spec.md §4.D,
// "reconciliation").
func (r *Registry) ReconcileStaleness(ctx context.Context) (int, error) {
	recs, err := r.store.FindObjects(ctx, store.BucketServers, store.All, store.FindOptions{})
	if err != nil {
		return 0, fleeterr.Wrap(fleeterr.Internal, err, "list servers for reconciliation")
	}
	flipped := 0
	cutoff := time.Now().UTC().Add(-r.heartbeatStaleAfter)
	for _, rec := range recs {
		var sv model.Server
		if err := json.Unmarshal(rec.Value, &sv); err != nil {
			continue
		}
		if sv.IsDefault() || sv.Status != model.ServerRunning {
			continue
		}
		if sv.LastHeartbeat == nil || sv.LastHeartbeat.Before(cutoff) {
			if _, _, err := store.UpdateWithRetry(ctx, r.store, store.BucketServers, sv.UUID, store.DefaultMaxAttempts,
				func(current *model.Server, exists bool) (*model.Server, error) {
					if !exists {
						return nil, fleeterr.New(fleeterr.NotFound, "server %s vanished", sv.UUID)
					}
					if current.Status == model.ServerRunning {
						current.Status = model.ServerUnknown
					}
					return current, nil
				}); err == nil {
				flipped++
				r.logger.Warn("server heartbeat stale, marked unknown", "server_uuid", sv.UUID)
			}
		}
	}
	return flipped, nil
}

// Get returns a server by UUID.
func (r *Registry) Get(ctx context.Context, serverUUID string) (*model.Server, error) {
	sv, etag, err := store.GetDecode[model.Server](ctx, r.store, store.BucketServers, serverUUID)
	if err == store.ErrNotFound {
		return nil, fleeterr.New(fleeterr.NotFound, "server %s not found", serverUUID)
	}
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, err, "read server")
	}
	sv.ETag = etag
	return sv, nil
}

// ListServers returns every server matching filter (store.All for no
// filter), honoring sort/limit/offset.
func (r *Registry) ListServers(ctx context.Context, filter store.Filter, opts store.FindOptions) ([]*model.Server, error) {
	recs, err := r.store.FindObjects(ctx, store.BucketServers, filter, opts)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, err, "list servers")
	}
	out := make([]*model.Server, 0, len(recs))
	for _, rec := range recs {
		var sv model.Server
		if err := json.Unmarshal(rec.Value, &sv); err != nil {
			continue
		}
		if sv.IsDefault() {
			continue
		}
		sv.ETag = rec.ETag
		out = append(out, &sv)
	}
	return out, nil
}

// GetBootParams merges the default record's boot params with
// serverUUID's own overrides, the default-wins-on-absence rule spec.md
// §4.D calls out for boot provisioning.
func (r *Registry) GetBootParams(ctx context.Context, serverUUID string) (model.BootParamsView, error) {
	def, err := r.Get(ctx, model.DefaultServerUUID)
	if err != nil {
		return model.BootParamsView{}, err
	}
	var sv *model.Server
	if serverUUID == "" || serverUUID == model.DefaultServerUUID {
		sv = def
	} else {
		sv, err = r.Get(ctx, serverUUID)
		if err != nil {
			return model.BootParamsView{}, err
		}
	}

	kernelArgs := mergeStringMaps(def.BootParams, sv.BootParams)
	// rabbitmq/rabbitmq_dns come from the default record; hostname is
	// always injected from the target server itself.
	kernelArgs["hostname"] = sv.Hostname

	merged := model.BootParamsView{
		Platform:       firstNonEmpty(sv.BootPlatform, def.BootPlatform),
		KernelArgs:     kernelArgs,
		KernelFlags:    mergeStringMaps(def.KernelFlags, sv.KernelFlags),
		BootModules:    firstNonEmptySlice(sv.BootModules, def.BootModules),
		DefaultConsole: firstNonEmpty(sv.DefaultConsole, def.DefaultConsole),
		Serial:         firstNonEmpty(sv.Serial, def.Serial),
	}
	return merged, nil
}

// AdminPatch applies an administrative field patch to serverUUID
// (reserved, reservation_ratio, traits, next_reboot) — the subset of
// Server fields an operator can edit directly through the HTTP surface,
// as opposed to the fields sysinfo/heartbeat ingest own.
func (r *Registry) AdminPatch(ctx context.Context, serverUUID string, reserved *bool, reservationRatio *float64, traits map[string]any, nextReboot *string) (*model.Server, error) {
	updated, etag, err := store.UpdateWithRetry(ctx, r.store, store.BucketServers, serverUUID, store.DefaultMaxAttempts,
		func(current *model.Server, exists bool) (*model.Server, error) {
			if !exists {
				return nil, fleeterr.New(fleeterr.NotFound, "server %s not found", serverUUID)
			}
			if reserved != nil {
				current.Reserved = *reserved
			}
			if reservationRatio != nil {
				current.ReservationRatio = *reservationRatio
			}
			if traits != nil {
				current.Traits = traits
			}
			if nextReboot != nil {
				current.NextReboot = nextReboot
			}
			return current, nil
		})
	if err != nil {
		if fe, ok := fleeterr.As(err); ok {
			return nil, fe
		}
		return nil, fleeterr.Wrap(fleeterr.Internal, err, "admin patch server")
	}
	updated.ETag = etag
	return updated, nil
}

// SetBootParams replaces serverUUID's boot params wholesale.
func (r *Registry) SetBootParams(ctx context.Context, serverUUID string, params map[string]string) error {
	_, _, err := store.UpdateWithRetry(ctx, r.store, store.BucketServers, serverUUID, store.DefaultMaxAttempts,
		func(current *model.Server, exists bool) (*model.Server, error) {
			if !exists {
				return nil, fleeterr.New(fleeterr.NotFound, "server %s not found", serverUUID)
			}
			current.BootParams = params
			return current, nil
		})
	if err != nil {
		if fe, ok := fleeterr.As(err); ok {
			return fe
		}
		return fleeterr.Wrap(fleeterr.Internal, err, "set boot params")
	}
	return nil
}

// UpdateBootParams merges patch into serverUUID's existing boot params
// (as opposed to SetBootParams's wholesale replace).
func (r *Registry) UpdateBootParams(ctx context.Context, serverUUID string, patch map[string]string) error {
	_, _, err := store.UpdateWithRetry(ctx, r.store, store.BucketServers, serverUUID, store.DefaultMaxAttempts,
		func(current *model.Server, exists bool) (*model.Server, error) {
			if !exists {
				return nil, fleeterr.New(fleeterr.NotFound, "server %s not found", serverUUID)
			}
			if current.BootParams == nil {
				current.BootParams = map[string]string{}
			}
			for k, v := range patch {
				current.BootParams[k] = v
			}
			return current, nil
		})
	if err != nil {
		if fe, ok := fleeterr.As(err); ok {
			return fe
		}
		return fleeterr.Wrap(fleeterr.Internal, err, "update boot params")
	}
	return nil
}

// FactoryReset wipes a server's sysinfo, VM inventory, and boot
// overrides back to a freshly-discovered state, without removing the
// record itself (spec.md §4.D).
func (r *Registry) FactoryReset(ctx context.Context, serverUUID string) error {
	_, _, err := store.UpdateWithRetry(ctx, r.store, store.BucketServers, serverUUID, store.DefaultMaxAttempts,
		func(current *model.Server, exists bool) (*model.Server, error) {
			if !exists {
				return nil, fleeterr.New(fleeterr.NotFound, "server %s not found", serverUUID)
			}
			current.Sysinfo = map[string]any{}
			current.VMs = map[string]model.VM{}
			current.BootParams = map[string]string{}
			current.KernelFlags = map[string]string{}
			current.BootModules = []string{}
			current.Status = model.ServerUnknown
			current.LastHeartbeat = nil
			return current, nil
		})
	if err != nil {
		if fe, ok := fleeterr.As(err); ok {
			return fe
		}
		return fleeterr.Wrap(fleeterr.Internal, err, "factory reset server")
	}
	r.logger.Warn("server factory reset", "server_uuid", serverUUID)
	return nil
}

// parseBootTime extracts sysinfo's "Boot Time" (unix seconds, as either a
// JSON number or a numeric string) and returns it as a UTC time.Time.
// spec.md §4.D step 1: last_boot = iso8601(sysinfo["Boot Time"] * 1000).
func parseBootTime(payload map[string]any) (time.Time, bool) {
	raw, ok := payload["Boot Time"]
	if !ok {
		return time.Time{}, false
	}
	var seconds float64
	switch v := raw.(type) {
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return time.Time{}, false
		}
		seconds = f
	case float64:
		seconds = v
	default:
		return time.Time{}, false
	}
	return time.UnixMilli(int64(seconds * 1000)).UTC(), true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmptySlice(primary, fallback []string) []string {
	if len(primary) > 0 {
		return primary
	}
	return fallback
}

func mergeStringMaps(base, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
