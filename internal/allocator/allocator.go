// Package allocator implements the DAPI placement pipeline (spec.md
// §4.F): a staged filter-and-score pipeline that selects a compute node
// for a new VM given hardware, platform, NIC-tag, trait, and capacity
// constraints.
//
// Grounded on the teacher's internal/coordinator/executor.go: a fixed
// ordered sequence of stages, each consuming the previous stage's
// surviving set and producing a possibly-smaller set plus a per-item
// reason, generalized here from DAG execution waves to filter stages.
package allocator

import (
	"math/rand"
	"sort"

	"github.com/basket/fleetcore/internal/fleeterr"
	"github.com/basket/fleetcore/internal/model"
)

// chunkSize is the candidate-set size above which the pipeline runs in
// chunks until one produces a winner (spec.md §4.F).
const chunkSize = 50

// VMRequest describes the VM being placed.
type VMRequest struct {
	RAM                int64
	CPUCap             *int
	Quota              int64
	OwnerUUID          string
	NICTagRequirements [][]string // alternative tag sets; any one satisfying = OK
	VolumesFrom        []string   // VM UUIDs this VM depends on
}

// Image describes the image backing the VM.
type Image struct {
	MinPlatform string // e.g. "7.0"
	Traits      map[string]any
}

// Package describes the optional package/brand overriding defaults.
type Package struct {
	MinPlatform         string
	CPUCap              *int
	OverprovisionRatios map[string]float64
	Traits              map[string]any
}

// OpenTicket is the minimal waitlist-ticket shape the allocator needs to
// account for in-flight reservations against a server's capacity.
type OpenTicket struct {
	ServerUUID string
	RAM        int64
	Quota      int64
	CPUCap     int
}

// Weights controls the scoring stage (spec.md §4.F); hot-reloadable from
// config so operators can retune without a restart.
type Weights struct {
	CurrentPlatform float64
	NextReboot      float64
	NumOwnerZones   float64
	UniformRandom   float64
	UnreservedDisk  float64
	UnreservedRAM   float64
}

// DefaultWeights mirrors the teacher-neutral defaults used when config
// supplies none.
var DefaultWeights = Weights{
	CurrentPlatform: 1,
	NextReboot:      1,
	NumOwnerZones:   1,
	UniformRandom:   1,
	UnreservedDisk:  1,
	UnreservedRAM:   1,
}

// Options toggles the configurable filter stages.
type Options struct {
	FilterHeadnode     bool
	FilterMinResources bool
	FilterLargeServers bool
	MinFreeRAM         int64
	MinFreeDisk        int64
	MinFreeCPU         int
	LargeServerRAM     int64 // servers with >= this much total RAM are "large"
	SmallVMRAM         int64 // VMs requesting <= this much RAM are "tiny"
}

// StepResult is one pipeline stage's outcome.
type StepResult struct {
	Step      string
	Remaining []string
	Reasons   map[string]string
}

// candidate is a server carried alongside its derived capacity numbers
// through the pipeline.
type candidate struct {
	server       *model.Server
	freeRAM      int64
	freeDisk     int64
	freeCPU      int
	ownerVMZones int
}

// Allocate runs the full staged pipeline and returns the chosen server
// (nil if none) plus the step-by-step summary.
func Allocate(servers []*model.Server, req VMRequest, image Image, pkg *Package, openTickets []OpenTicket, weights Weights, opts Options) (*model.Server, []StepResult, error) {
	if req.RAM <= 0 {
		return nil, nil, fleeterr.New(fleeterr.InvalidParameters, "ram must be positive")
	}

	if len(servers) <= chunkSize {
		return allocateChunk(servers, req, image, pkg, openTickets, weights, opts)
	}

	var lastSteps []StepResult
	for start := 0; start < len(servers); start += chunkSize {
		end := start + chunkSize
		if end > len(servers) {
			end = len(servers)
		}
		chosen, steps, err := allocateChunk(servers[start:end], req, image, pkg, openTickets, weights, opts)
		if err != nil {
			return nil, steps, err
		}
		lastSteps = steps
		if chosen != nil {
			return chosen, steps, nil
		}
	}
	return nil, lastSteps, fleeterr.New(fleeterr.NoAllocatableServers, "no allocatable server found in %d candidates", len(servers))
}

func allocateChunk(servers []*model.Server, req VMRequest, image Image, pkg *Package, openTickets []OpenTicket, weights Weights, opts Options) (*model.Server, []StepResult, error) {
	reserved := map[string]OpenTicket{}
	for _, t := range openTickets {
		agg := reserved[t.ServerUUID]
		agg.RAM += t.RAM
		agg.Quota += t.Quota
		agg.CPUCap += t.CPUCap
		reserved[t.ServerUUID] = agg
	}

	cands := make([]candidate, 0, len(servers))
	for _, s := range servers {
		cands = append(cands, candidate{server: s})
	}

	var steps []StepResult
	step := func(name string, keep func(candidate) (bool, string)) {
		var next []candidate
		reasons := map[string]string{}
		for _, c := range cands {
			ok, reason := keep(c)
			if ok {
				next = append(next, c)
			} else {
				reasons[c.server.UUID] = reason
			}
		}
		cands = next
		steps = append(steps, StepResult{Step: name, Remaining: uuidsOf(cands), Reasons: reasons})
	}

	step("setup_not_reserved", func(c candidate) (bool, string) {
		if !c.server.Setup {
			return false, "not setup"
		}
		if c.server.Reserved {
			return false, "reserved"
		}
		return true, ""
	})

	if opts.FilterHeadnode {
		step("filter_headnode", func(c candidate) (bool, string) {
			if c.server.Headnode {
				return false, "headnode excluded"
			}
			return true, ""
		})
	}

	if opts.FilterMinResources {
		step("filter_min_resources", func(c candidate) (bool, string) {
			if opts.MinFreeRAM > 0 && c.server.MemoryAvailBytes < opts.MinFreeRAM {
				return false, "below minimum free RAM"
			}
			if opts.MinFreeDisk > 0 && c.server.DiskAvailBytes < opts.MinFreeDisk {
				return false, "below minimum free disk"
			}
			return true, ""
		})
	}

	step("running", func(c candidate) (bool, string) {
		if c.server.Status != model.ServerRunning {
			return false, "server not running"
		}
		return true, ""
	})

	step("platform", func(c candidate) (bool, string) {
		min := image.MinPlatform
		if pkg != nil && pkg.MinPlatform != "" && pkg.MinPlatform > min {
			min = pkg.MinPlatform
		}
		if min != "" && c.server.CurrentPlatform < min {
			return false, "platform below minimum"
		}
		return true, ""
	})

	step("nic_tags", func(c candidate) (bool, string) {
		if len(req.NICTagRequirements) == 0 {
			return true, ""
		}
		have := map[string]bool{}
		for _, tag := range c.server.NICTags {
			have[tag] = true
		}
		for _, altSet := range req.NICTagRequirements {
			satisfied := true
			for _, tag := range altSet {
				if !have[tag] {
					satisfied = false
					break
				}
			}
			if satisfied {
				return true, ""
			}
		}
		return false, "no NIC tag set satisfied"
	})

	step("traits", func(c candidate) (bool, string) {
		required := map[string]any{}
		if image.Traits != nil {
			for k, v := range image.Traits {
				required[k] = v
			}
		}
		if pkg != nil {
			for k, v := range pkg.Traits {
				required[k] = v
			}
		}
		for k, want := range required {
			if !traitSatisfied(c.server.Traits[k], want) {
				return false, "trait " + k + " not satisfied"
			}
		}
		return true, ""
	})

	step("capacity", func(c candidate) (bool, string) {
		agg := reserved[c.server.UUID]
		ramRatio := overprovisionRatio(pkg, image, c.server, "ram")
		effectiveCap := float64(c.server.MemoryTotalBytes) * ramRatio
		freeRAM := int64(effectiveCap) - agg.RAM
		// subtract RAM already consumed by running VMs
		for _, vm := range c.server.VMs {
			freeRAM -= vm.MaxPhysicalMemory
		}
		if freeRAM < req.RAM {
			return false, "insufficient RAM capacity"
		}

		diskRatio := overprovisionRatio(pkg, image, c.server, "disk")
		freeDisk := int64(float64(c.server.DiskTotalBytes)*diskRatio) - agg.Quota
		if req.Quota > 0 && freeDisk < req.Quota {
			return false, "insufficient disk capacity"
		}

		freeCPU := c.server.CPUCapTotal - agg.CPUCap
		wantCPU := 0
		if req.CPUCap != nil {
			wantCPU = *req.CPUCap
		} else if pkg != nil && pkg.CPUCap != nil {
			wantCPU = *pkg.CPUCap
		}
		if wantCPU > 0 && freeCPU < wantCPU {
			return false, "insufficient CPU capacity"
		}
		return true, ""
	})
	// Stash derived capacity numbers for scoring, now that candidates
	// have survived the capacity filter.
	for i := range cands {
		c := &cands[i]
		agg := reserved[c.server.UUID]
		ramRatio := overprovisionRatio(pkg, image, c.server, "ram")
		c.freeRAM = int64(float64(c.server.MemoryTotalBytes)*ramRatio) - agg.RAM
		diskRatio := overprovisionRatio(pkg, image, c.server, "disk")
		c.freeDisk = int64(float64(c.server.DiskTotalBytes)*diskRatio) - agg.Quota
		c.freeCPU = c.server.CPUCapTotal - agg.CPUCap
		c.ownerVMZones = countOwnerVMs(c.server, req.OwnerUUID)
	}

	if opts.FilterLargeServers && opts.LargeServerRAM > 0 && opts.SmallVMRAM > 0 {
		step("filter_large_servers", func(c candidate) (bool, string) {
			if c.server.MemoryTotalBytes >= opts.LargeServerRAM && req.RAM <= opts.SmallVMRAM {
				return false, "avoid placing tiny VM on large server"
			}
			return true, ""
		})
	}

	if len(req.VolumesFrom) > 0 {
		step("volumes_from", func(c candidate) (bool, string) {
			for _, ownerVM := range req.VolumesFrom {
				if _, ok := c.server.VMs[ownerVM]; !ok {
					return false, "does not host dependency volume"
				}
			}
			return true, ""
		})
		if len(cands) == 0 {
			return nil, steps, fleeterr.New(fleeterr.VolumeServerNoResources, "no server hosts all volumes-from dependencies")
		}
	}

	if len(cands) == 0 {
		return nil, steps, fleeterr.New(fleeterr.NoAllocatableServers, "no candidate survived filtering")
	}

	winner := score(cands, weights)
	steps = append(steps, StepResult{Step: "score", Remaining: []string{winner.server.UUID}, Reasons: map[string]string{}})
	return winner.server, steps, nil
}

func score(cands []candidate, w Weights) candidate {
	type scored struct {
		c     candidate
		value float64
	}
	results := make([]scored, len(cands))
	for i, c := range cands {
		var s float64
		if c.server.CurrentPlatform == c.server.BootPlatform {
			s += w.CurrentPlatform
		}
		if c.server.NextReboot == nil {
			s += w.NextReboot
		}
		if c.ownerVMZones == 0 {
			s += w.NumOwnerZones
		} else {
			s += w.NumOwnerZones / float64(c.ownerVMZones+1)
		}
		s += w.UnreservedRAM * normalizedFraction(c.freeRAM, c.server.MemoryTotalBytes)
		s += w.UnreservedDisk * normalizedFraction(c.freeDisk, c.server.DiskTotalBytes)
		if w.UniformRandom > 0 {
			s += w.UniformRandom * rand.Float64()
		}
		results[i] = scored{c: c, value: s}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].value != results[j].value {
			return results[i].value > results[j].value
		}
		return results[i].c.server.UUID < results[j].c.server.UUID
	})
	return results[0].c
}

func normalizedFraction(free, total int64) float64 {
	if total <= 0 {
		return 0
	}
	f := float64(free) / float64(total)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// overprovisionRatio resolves precedence package > image > server >
// cluster default (spec.md §4.F stage 8).
func overprovisionRatio(pkg *Package, image Image, server *model.Server, resource string) float64 {
	if pkg != nil {
		if r, ok := pkg.OverprovisionRatios[resource]; ok {
			return r
		}
	}
	if server.OverprovisionRatios != nil {
		if r, ok := server.OverprovisionRatios[resource]; ok {
			return r
		}
	}
	return 1.0
}

func traitSatisfied(have any, want any) bool {
	switch w := want.(type) {
	case bool:
		hb, ok := have.(bool)
		return ok && hb == w
	case []any:
		for _, item := range w {
			if traitSatisfied(have, item) {
				return true
			}
		}
		return false
	default:
		return have == want
	}
}

func countOwnerVMs(server *model.Server, ownerUUID string) int {
	if ownerUUID == "" {
		return 0
	}
	n := 0
	for _, vm := range server.VMs {
		if vm.OwnerUUID == ownerUUID {
			n++
		}
	}
	return n
}

func uuidsOf(cands []candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.server.UUID
	}
	return out
}

// CapacityEntry is one server's spare room, as returned by Capacity.
type CapacityEntry struct {
	ServerUUID string
	CPU        int
	DiskMiB    int64
	RAMMiB     int64
}

// Capacity runs the same filter stages up to (but excluding) the
// scoring stage and reports spare room per surviving server
// (spec.md §4.F, "capacity endpoint").
func Capacity(servers []*model.Server, image Image, pkg *Package, openTickets []OpenTicket, opts Options) ([]CapacityEntry, []StepResult, error) {
	reserved := map[string]OpenTicket{}
	for _, t := range openTickets {
		agg := reserved[t.ServerUUID]
		agg.RAM += t.RAM
		agg.Quota += t.Quota
		agg.CPUCap += t.CPUCap
		reserved[t.ServerUUID] = agg
	}

	_, steps, err := allocateChunk(servers, VMRequest{RAM: 1}, image, pkg, openTickets, DefaultWeights, opts)
	var survivorUUIDs []string
	if len(steps) > 0 {
		last := steps[len(steps)-1]
		if last.Step == "score" {
			// scoring already trimmed to one; recompute survivors from
			// the capacity stage instead.
			for _, st := range steps {
				if st.Step == "capacity" {
					survivorUUIDs = st.Remaining
				}
			}
		} else {
			survivorUUIDs = last.Remaining
		}
	}
	if err != nil && len(survivorUUIDs) == 0 {
		return nil, steps, nil
	}

	byUUID := map[string]*model.Server{}
	for _, s := range servers {
		byUUID[s.UUID] = s
	}

	entries := make([]CapacityEntry, 0, len(survivorUUIDs))
	for _, uuid := range survivorUUIDs {
		s := byUUID[uuid]
		if s == nil {
			continue
		}
		agg := reserved[uuid]
		ramRatio := overprovisionRatio(pkg, image, s, "ram")
		freeRAM := int64(float64(s.MemoryTotalBytes)*ramRatio) - agg.RAM
		for _, vm := range s.VMs {
			freeRAM -= vm.MaxPhysicalMemory
		}
		diskRatio := overprovisionRatio(pkg, image, s, "disk")
		freeDisk := int64(float64(s.DiskTotalBytes)*diskRatio) - agg.Quota
		freeCPU := s.CPUCapTotal - agg.CPUCap

		entries = append(entries, CapacityEntry{
			ServerUUID: uuid,
			CPU:        freeCPU,
			DiskMiB:    freeDisk / (1024 * 1024),
			RAMMiB:     freeRAM / (1024 * 1024),
		})
	}
	return entries, steps, nil
}
