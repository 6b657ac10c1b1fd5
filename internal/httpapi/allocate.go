package httpapi

import (
	"net/http"

	"github.com/basket/fleetcore/internal/allocator"
	"github.com/basket/fleetcore/internal/fleeterr"
	"github.com/basket/fleetcore/internal/store"
)

var vmRequestValidator = Validator{
	Fields: []FieldSpec{
		{Name: "ram", Rules: []Rule{Required(), IsNumberType()}},
		{Name: "quota", Rules: []Rule{Required(), IsNumberType()}},
		{Name: "owner_uuid", Rules: []Rule{Required(), IsStringType()}},
		{Name: "cpu_cap", Rules: []Rule{IsNumberType()}},
		{Name: "nic_tag_requirements", Rules: []Rule{Optional([]any{}), IsArrayType()}},
		{Name: "volumes_from", Rules: []Rule{Optional([]any{}), IsArrayType()}},
		{Name: "candidate_uuids", Rules: []Rule{Optional([]any{}), IsArrayType()}},
		{Name: "image", Rules: []Rule{Required(), IsObjectType()}},
		{Name: "package", Rules: []Rule{IsObjectType()}},
	},
}

func asIntPtr(v any) *int {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	n := int(f)
	return &n
}

func asNICTagRequirements(v any) [][]string {
	a, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([][]string, 0, len(a))
	for _, alt := range a {
		out = append(out, asStringSlice(alt))
	}
	return out
}

func decodeImage(v any) allocator.Image {
	m, _ := v.(map[string]any)
	img := allocator.Image{}
	if s, ok := m["min_platform"].(string); ok {
		img.MinPlatform = s
	}
	if t, ok := m["traits"].(map[string]any); ok {
		img.Traits = t
	}
	return img
}

func decodePackage(v any) *allocator.Package {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	pkg := &allocator.Package{}
	if s, ok := m["min_platform"].(string); ok {
		pkg.MinPlatform = s
	}
	pkg.CPUCap = asIntPtr(m["cpu_cap"])
	if t, ok := m["traits"].(map[string]any); ok {
		pkg.Traits = t
	}
	if ratios, ok := m["overprovision_ratios"].(map[string]any); ok {
		pkg.OverprovisionRatios = map[string]float64{}
		for k, raw := range ratios {
			if f, ok := raw.(float64); ok {
				pkg.OverprovisionRatios[k] = f
			}
		}
	}
	return pkg
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := requestIDFrom(ctx)
	raw, err := decodeBody(r)
	if err != nil {
		writeError(w, reqID, fleeterr.Wrap(fleeterr.InvalidParameters, err, "malformed JSON body"))
		return
	}
	fields, ferrs := vmRequestValidator.Validate(raw)
	if len(ferrs) > 0 {
		writeValidationErrors(w, reqID, ferrs)
		return
	}

	req := allocator.VMRequest{
		RAM:                int64(fields["ram"].(float64)),
		Quota:              int64(fields["quota"].(float64)),
		OwnerUUID:          fields["owner_uuid"].(string),
		CPUCap:             asIntPtr(fields["cpu_cap"]),
		NICTagRequirements: asNICTagRequirements(fields["nic_tag_requirements"]),
		VolumesFrom:        asStringSlice(fields["volumes_from"]),
	}
	image := decodeImage(fields["image"])
	pkg := decodePackage(fields["package"])

	var filter store.Filter = store.All
	if candidates := asStringSlice(fields["candidate_uuids"]); len(candidates) > 0 {
		alts := make([]store.Filter, 0, len(candidates))
		for _, c := range candidates {
			alts = append(alts, store.Eq{Field: "uuid", Value: c})
		}
		filter = store.Or(alts)
	}
	servers, err := s.cfg.Registry.ListServers(ctx, filter, store.FindOptions{})
	if err != nil {
		writeError(w, reqID, err)
		return
	}

	chosen, steps, err := allocator.Allocate(servers, req, image, pkg, nil, s.cfg.AllocatorWeights, s.cfg.AllocatorOptions)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"server": chosen, "steps": steps})
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := requestIDFrom(ctx)
	raw, err := decodeBody(r)
	if err != nil {
		writeError(w, reqID, fleeterr.Wrap(fleeterr.InvalidParameters, err, "malformed JSON body"))
		return
	}
	imageRaw, _ := raw["image"].(map[string]any)
	image := decodeImage(imageRaw)
	pkg := decodePackage(raw["package"])

	servers, err := s.cfg.Registry.ListServers(ctx, store.All, store.FindOptions{})
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	entries, steps, err := allocator.Capacity(servers, image, pkg, nil, s.cfg.AllocatorOptions)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"capacity": entries, "steps": steps})
}
