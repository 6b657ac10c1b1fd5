// Package model holds the persisted entities of the fleet control plane:
// servers, waitlist tickets, tasks, and reboot plans. These are plain
// data types; behavior lives in the owning packages (registry, waitlist,
// tasks, reboot).
package model

import "time"

// ServerStatus is the liveness-derived status of a compute node.
type ServerStatus string

const (
	ServerRunning   ServerStatus = "running"
	ServerUnknown   ServerStatus = "unknown"
	ServerRebooting ServerStatus = "rebooting"
)

// DefaultServerUUID is the sentinel record that seeds baseline boot
// params, kernel flags, and modules for every other server.
const DefaultServerUUID = "default"

// VM is the minimal VM inventory slice reported in a server's heartbeat.
type VM struct {
	OwnerUUID         string `json:"owner_uuid"`
	MaxPhysicalMemory int64  `json:"max_physical_memory"`
	Quota             int64  `json:"quota"`
	CPUCap            *int   `json:"cpu_cap,omitempty"`
	State             string `json:"state"`
	LastModified      string `json:"last_modified"`
}

// Server is the authoritative record of a compute node.
type Server struct {
	UUID                string             `json:"uuid"`
	Hostname            string             `json:"hostname"`
	Datacenter          string             `json:"datacenter"`
	Setup               bool               `json:"setup"`
	Headnode            bool               `json:"headnode"`
	Reserved            bool               `json:"reserved"`
	ReservationRatio    float64            `json:"reservation_ratio"`
	Sysinfo             map[string]any     `json:"sysinfo"`
	LastHeartbeat       *time.Time         `json:"last_heartbeat"`
	LastBoot            string             `json:"last_boot"`
	CurrentPlatform     string             `json:"current_platform"`
	BootPlatform        string             `json:"boot_platform"`
	BootParams          map[string]string  `json:"boot_params"`
	KernelFlags         map[string]string  `json:"kernel_flags"`
	BootModules         []string           `json:"boot_modules"`
	DefaultConsole      string             `json:"default_console"`
	Serial              string             `json:"serial"`
	Traits              map[string]any     `json:"traits"`
	OverprovisionRatios map[string]float64 `json:"overprovision_ratios"`
	NextReboot          *string            `json:"next_reboot,omitempty"`
	VMs                 map[string]VM      `json:"vms"`
	Status              ServerStatus       `json:"status"`
	ETag                string             `json:"etag"`

	// Capacity fields, reported in sysinfo/heartbeat; used by the allocator.
	MemoryTotalBytes int64    `json:"memory_total_bytes"`
	MemoryAvailBytes int64    `json:"memory_available_bytes"`
	DiskTotalBytes   int64    `json:"disk_total_bytes"`
	DiskAvailBytes   int64    `json:"disk_available_bytes"`
	CPUCapTotal      int      `json:"cpu_cap_total"`
	NICTags          []string `json:"nic_tags"`
}

// IsDefault reports whether this is the sentinel default record.
func (s *Server) IsDefault() bool { return s.UUID == DefaultServerUUID }

// NewDefaultServer builds the sentinel default record used to seed
// baseline boot params for newly-discovered compute nodes.
func NewDefaultServer() *Server {
	return &Server{
		UUID:     DefaultServerUUID,
		Reserved: true,
		BootParams: map[string]string{
			"rabbitmq":     "guest:guest@localhost:5672",
			"rabbitmq_dns": "localhost",
		},
		KernelFlags: map[string]string{},
		BootModules: []string{},
		Traits:      map[string]any{},
	}
}

// Clone returns a deep-enough copy suitable for read-only snapshots handed
// to the allocator; map/slice fields are copied so callers cannot mutate
// the registry's in-memory state.
func (s *Server) Clone() *Server {
	cp := *s
	cp.Sysinfo = cloneMap(s.Sysinfo)
	cp.BootParams = cloneStringMap(s.BootParams)
	cp.KernelFlags = cloneStringMap(s.KernelFlags)
	cp.BootModules = append([]string(nil), s.BootModules...)
	cp.Traits = cloneMap(s.Traits)
	cp.OverprovisionRatios = make(map[string]float64, len(s.OverprovisionRatios))
	for k, v := range s.OverprovisionRatios {
		cp.OverprovisionRatios[k] = v
	}
	cp.VMs = make(map[string]VM, len(s.VMs))
	for k, v := range s.VMs {
		cp.VMs[k] = v
	}
	cp.NICTags = append([]string(nil), s.NICTags...)
	if s.LastHeartbeat != nil {
		t := *s.LastHeartbeat
		cp.LastHeartbeat = &t
	}
	if s.NextReboot != nil {
		v := *s.NextReboot
		cp.NextReboot = &v
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// BootParamsView is the merged boot configuration returned by
// registry.GetBootParams.
type BootParamsView struct {
	Platform       string            `json:"platform"`
	KernelArgs     map[string]string `json:"kernel_args"`
	KernelFlags    map[string]string `json:"kernel_flags"`
	BootModules    []string          `json:"boot_modules"`
	DefaultConsole string            `json:"default_console"`
	Serial         string            `json:"serial"`
}
