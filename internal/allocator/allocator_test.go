package allocator

import (
	"testing"

	"github.com/basket/fleetcore/internal/fleeterr"
	"github.com/basket/fleetcore/internal/model"
)

func runnableServer(uuid string, ramBytes int64) *model.Server {
	return &model.Server{
		UUID:             uuid,
		Setup:            true,
		Status:           model.ServerRunning,
		CurrentPlatform:  "7.0",
		BootPlatform:     "7.0",
		MemoryTotalBytes: ramBytes,
		DiskTotalBytes:   100 * 1024 * 1024 * 1024,
		CPUCapTotal:      400,
		VMs:              map[string]model.VM{},
	}
}

func TestAllocatePicksOnlyRunningSetupServer(t *testing.T) {
	good := runnableServer("cn-1", 16*1024*1024*1024)
	notSetup := runnableServer("cn-2", 16*1024*1024*1024)
	notSetup.Setup = false

	chosen, steps, err := Allocate([]*model.Server{good, notSetup}, VMRequest{RAM: 1024 * 1024 * 1024}, Image{}, nil, nil, DefaultWeights, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if chosen.UUID != "cn-1" {
		t.Fatalf("expected cn-1, got %s", chosen.UUID)
	}
	if len(steps) == 0 {
		t.Fatal("expected step summary")
	}
}

func TestAllocateNoAllocatableServers(t *testing.T) {
	notSetup := runnableServer("cn-1", 16*1024*1024*1024)
	notSetup.Setup = false

	_, _, err := Allocate([]*model.Server{notSetup}, VMRequest{RAM: 1024 * 1024 * 1024}, Image{}, nil, nil, DefaultWeights, Options{})
	if !fleeterr.Of(err, fleeterr.NoAllocatableServers) {
		t.Fatalf("expected NoAllocatableServers, got %v", err)
	}
}

func TestAllocateRespectsHeadnodeFilter(t *testing.T) {
	hn := runnableServer("cn-1", 16*1024*1024*1024)
	hn.Headnode = true
	other := runnableServer("cn-2", 16*1024*1024*1024)

	chosen, _, err := Allocate([]*model.Server{hn, other}, VMRequest{RAM: 1024 * 1024 * 1024}, Image{}, nil, nil, DefaultWeights, Options{FilterHeadnode: true})
	if err != nil {
		t.Fatal(err)
	}
	if chosen.UUID != "cn-2" {
		t.Fatalf("expected cn-2, got %s", chosen.UUID)
	}
}

func TestAllocateFiltersInsufficientCapacity(t *testing.T) {
	small := runnableServer("cn-1", 1*1024*1024*1024)
	big := runnableServer("cn-2", 64*1024*1024*1024)

	chosen, _, err := Allocate([]*model.Server{small, big}, VMRequest{RAM: 32 * 1024 * 1024 * 1024}, Image{}, nil, nil, DefaultWeights, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if chosen.UUID != "cn-2" {
		t.Fatalf("expected cn-2, got %s", chosen.UUID)
	}
}

func TestAllocateNICTagRequirement(t *testing.T) {
	withTag := runnableServer("cn-1", 16*1024*1024*1024)
	withTag.NICTags = []string{"external"}
	without := runnableServer("cn-2", 16*1024*1024*1024)

	chosen, _, err := Allocate([]*model.Server{withTag, without},
		VMRequest{RAM: 1024 * 1024 * 1024, NICTagRequirements: [][]string{{"external"}}},
		Image{}, nil, nil, DefaultWeights, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if chosen.UUID != "cn-1" {
		t.Fatalf("expected cn-1, got %s", chosen.UUID)
	}
}

func TestAllocateVolumesFromNoResourcesError(t *testing.T) {
	s := runnableServer("cn-1", 16*1024*1024*1024)

	_, _, err := Allocate([]*model.Server{s}, VMRequest{RAM: 1024 * 1024 * 1024, VolumesFrom: []string{"vm-nonexistent"}}, Image{}, nil, nil, DefaultWeights, Options{})
	if !fleeterr.Of(err, fleeterr.VolumeServerNoResources) {
		t.Fatalf("expected VolumeServerNoResources, got %v", err)
	}
}

func TestCapacityReportsSpareRoom(t *testing.T) {
	s := runnableServer("cn-1", 16*1024*1024*1024)
	entries, _, err := Capacity([]*model.Server{s}, Image{}, nil, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ServerUUID != "cn-1" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[0].RAMMiB <= 0 {
		t.Fatalf("expected positive spare RAM, got %+v", entries[0])
	}
}
