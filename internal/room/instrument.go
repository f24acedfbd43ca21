package room

import (
	"fmt"
	"math"

	"slices"
)

type ParamType string

const (
	ParamTypeNumeric ParamType = "numeric"
	ParamTypeText    ParamType = "text"
	ParamTypeBool    ParamType = "bool"
	ParamTypeLabel   ParamType = "label"
)

// InstrumentParam is one controllable parameter. ZeroPoint, when set, marks
// the fraction of the normalized range where the native value crosses zero;
// the two polarities are mapped as independent power-curve segments so a UI
// can give either side disproportionate resolution while the mapping stays
// continuous and invertible at exactly zero.
type InstrumentParam struct {
	ParamID      string    `json:"param_id"`
	Name         string    `json:"name,omitempty"`
	Type         ParamType `json:"type"`
	MinValue     float64   `json:"min_value"`
	MaxValue     float64   `json:"max_value"`
	ValueCurve   float64   `json:"value_curve,omitempty"`
	ZeroPoint    *float64  `json:"zero_point,omitempty"`
	DefaultValue float64   `json:"default_value"`
	CurrentValue float64   `json:"current_value"`
}

func (p *InstrumentParam) curve() float64 {
	if p.ValueCurve <= 0 {
		return 1
	}
	return p.ValueCurve
}

// ForeignToNative maps a normalized 0..1 control position to param units.
func (p *InstrumentParam) ForeignToNative(foreign float64) float64 {
	foreign = math.Max(0, math.Min(1, foreign))
	if p.ZeroPoint == nil {
		return p.MinValue + (p.MaxValue-p.MinValue)*math.Pow(foreign, p.curve())
	}

	zp := *p.ZeroPoint
	if foreign >= zp {
		t := 0.0
		if zp < 1 {
			t = (foreign - zp) / (1 - zp)
		}
		return p.MaxValue * math.Pow(t, p.curve())
	}
	t := (zp - foreign) / zp
	return p.MinValue * math.Pow(t, p.curve())
}

// NativeToForeign is the inverse of ForeignToNative.
func (p *InstrumentParam) NativeToForeign(native float64) float64 {
	if p.ZeroPoint == nil {
		span := p.MaxValue - p.MinValue
		if span == 0 {
			return 0
		}
		t := math.Max(0, math.Min(1, (native-p.MinValue)/span))
		return math.Pow(t, 1/p.curve())
	}

	zp := *p.ZeroPoint
	if native >= 0 {
		if p.MaxValue == 0 {
			return zp
		}
		t := math.Pow(math.Max(0, math.Min(1, native/p.MaxValue)), 1/p.curve())
		return zp + t*(1-zp)
	}
	if p.MinValue == 0 {
		return zp
	}
	t := math.Pow(math.Max(0, math.Min(1, native/p.MinValue)), 1/p.curve())
	return zp - t*zp
}

// Preset is a patch object: required preset_id and patch_name keys plus
// arbitrary param values. Kept schemaless so engines can round-trip fields
// the server does not interpret.
type Preset map[string]any

const (
	presetKeyID   = "preset_id"
	presetKeyName = "patch_name"
	presetKeyRO   = "read_only"

	InitPresetID = "init"
)

func (p Preset) PresetID() string {
	id, _ := p[presetKeyID].(string)
	return id
}

func (p Preset) PatchName() string {
	name, _ := p[presetKeyName].(string)
	return name
}

func (p Preset) ReadOnly() bool {
	ro, _ := p[presetKeyRO].(bool)
	return ro
}

// Validate checks the required keys are present and are non-empty strings.
func (p Preset) Validate() error {
	if p.PresetID() == "" {
		return fmt.Errorf("preset missing %s", presetKeyID)
	}
	if p.PatchName() == "" {
		return fmt.Errorf("preset %q missing %s", p.PresetID(), presetKeyName)
	}
	return nil
}

func (p Preset) clone() Preset {
	out := make(Preset, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

type ParamMapping struct {
	ParamID string  `json:"param_id"`
	SrcVal  float64 `json:"src_val"`
}

// InstrumentSpec is one slot in the room's instrument closet. Created at
// room load from static config and never destroyed; only ownership, params,
// and the preset bank mutate.
type InstrumentSpec struct {
	InstrumentID       string                  `json:"instrument_id"`
	Name               string                  `json:"name"`
	Engine             string                  `json:"engine"`
	Params             []*InstrumentParam      `json:"params"`
	Presets            []Preset                `json:"presets"`
	Mappings           map[string]ParamMapping `json:"mappings,omitempty"`
	ControlledByUserID string                  `json:"controlled_by_user_id,omitempty"`

	factoryPresets []Preset
}

func (inst *InstrumentSpec) FindParam(paramID string) (*InstrumentParam, int) {
	for i, p := range inst.Params {
		if p.ParamID == paramID {
			return p, i
		}
	}
	return nil, -1
}

// IntegrateParams applies a patch object to the instrument's current values.
// Unknown param IDs are skipped. A whole patch resets unlisted params to
// their defaults first.
func (inst *InstrumentSpec) IntegrateParams(patchObj map[string]float64, isWholePatch bool) {
	if isWholePatch {
		for _, p := range inst.Params {
			p.CurrentValue = p.DefaultValue
		}
	}
	for id, val := range patchObj {
		if p, _ := inst.FindParam(id); p != nil {
			p.CurrentValue = val
		}
	}
}

// GetInitPreset guarantees a usable "init" preset: if none exists one is
// synthesized from each param's default and cached read-only at index 0.
func (inst *InstrumentSpec) GetInitPreset() Preset {
	for _, p := range inst.Presets {
		if p.PresetID() == InitPresetID {
			return p
		}
	}

	init := inst.buildInitPreset()
	inst.Presets = append([]Preset{init}, inst.Presets...)
	return init
}

func (inst *InstrumentSpec) buildInitPreset() Preset {
	init := Preset{
		presetKeyID:   InitPresetID,
		presetKeyName: "init",
		presetKeyRO:   true,
	}
	for _, p := range inst.Params {
		init[p.ParamID] = p.DefaultValue
	}
	return init
}

func (inst *InstrumentSpec) FindPreset(presetID string) (Preset, int) {
	for i, p := range inst.Presets {
		if p.PresetID() == presetID {
			return p, i
		}
	}
	return nil, -1
}

// SavePreset upserts a preset by ID. The init preset cannot be overwritten.
func (inst *InstrumentSpec) SavePreset(patch Preset) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	if patch.PresetID() == InitPresetID {
		return fmt.Errorf("preset %q is read-only", InitPresetID)
	}

	if _, i := inst.FindPreset(patch.PresetID()); i >= 0 {
		inst.Presets[i] = patch
		return nil
	}
	inst.Presets = append(inst.Presets, patch)
	return nil
}

// DeletePreset removes a preset. Read-only presets are guarded unless the
// actor is admin.
func (inst *InstrumentSpec) DeletePreset(presetID string, isAdmin bool) error {
	p, i := inst.FindPreset(presetID)
	if p == nil {
		return fmt.Errorf("preset %q not found", presetID)
	}
	if p.ReadOnly() && !isAdmin {
		return fmt.Errorf("preset %q is read-only", presetID)
	}
	inst.Presets = slices.Delete(inst.Presets, i, i+1)
	return nil
}

// ImportAllPresets replaces the whole bank. All-or-nothing: one malformed
// entry rejects the entire import and leaves the bank untouched. A fresh
// init preset is always reinserted; an imported one is never trusted.
func (inst *InstrumentSpec) ImportAllPresets(presets []Preset) error {
	for _, p := range presets {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("import rejected: %w", err)
		}
	}

	bank := []Preset{inst.buildInitPreset()}
	for _, p := range presets {
		if p.PresetID() == InitPresetID {
			continue
		}
		bank = append(bank, p.clone())
	}
	inst.Presets = bank
	return nil
}

// MergePresets upserts a batch into the bank, all-or-nothing on validation.
func (inst *InstrumentSpec) MergePresets(presets []Preset) error {
	for _, p := range presets {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("merge rejected: %w", err)
		}
	}

	for _, p := range presets {
		if p.PresetID() == InitPresetID {
			continue
		}
		if _, i := inst.FindPreset(p.PresetID()); i >= 0 {
			inst.Presets[i] = p.clone()
		} else {
			inst.Presets = append(inst.Presets, p.clone())
		}
	}
	return nil
}

// FactoryReset restores the preset bank captured at room load and resets
// every param to its default.
func (inst *InstrumentSpec) FactoryReset() {
	bank := []Preset{inst.buildInitPreset()}
	for _, p := range inst.factoryPresets {
		if p.PresetID() == InitPresetID {
			continue
		}
		bank = append(bank, p.clone())
	}
	inst.Presets = bank
	inst.Mappings = nil

	for _, p := range inst.Params {
		p.CurrentValue = p.DefaultValue
	}
}

// CaptureFactoryPresets snapshots the configured bank for later reset.
func (inst *InstrumentSpec) CaptureFactoryPresets() {
	inst.factoryPresets = make([]Preset, 0, len(inst.Presets))
	for _, p := range inst.Presets {
		inst.factoryPresets = append(inst.factoryPresets, p.clone())
	}
}
