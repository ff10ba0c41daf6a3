package audio

import "github.com/ardnew/usbaudio/pkg"

// EntityType identifies a terminal or unit in the audio function graph.
type EntityType uint8

// Entity types.
const (
	EntityUnknown EntityType = iota
	EntityInputTerminal
	EntityOutputTerminal
	EntityFeatureUnit
	EntityMixerUnit
	EntitySelectorUnit
)

// String returns the entity type name.
func (t EntityType) String() string {
	switch t {
	case EntityInputTerminal:
		return "input-terminal"
	case EntityOutputTerminal:
		return "output-terminal"
	case EntityFeatureUnit:
		return "feature-unit"
	case EntityMixerUnit:
		return "mixer-unit"
	case EntitySelectorUnit:
		return "selector-unit"
	default:
		return "unknown"
	}
}

// Feature Unit control selectors (Audio 1.0 Table A-11).
const (
	FUControlMute             = 0x01
	FUControlVolume           = 0x02
	FUControlBass             = 0x03
	FUControlMid              = 0x04
	FUControlTreble           = 0x05
	FUControlGraphicEqualizer = 0x06
	FUControlAutoGain         = 0x07
	FUControlDelay            = 0x08
	FUControlBassBoost        = 0x09
	FUControlLoudness         = 0x0A
)

// Per-channel Feature Unit capability bits, matching the bmaControls
// layout: bit (selector-1) set means the control is present.
const (
	FUCapMute             = 1 << 0
	FUCapVolume           = 1 << 1
	FUCapBass             = 1 << 2
	FUCapMid              = 1 << 3
	FUCapTreble           = 1 << 4
	FUCapGraphicEqualizer = 1 << 5
	FUCapAutoGain         = 1 << 6
	FUCapDelay            = 1 << 7
	FUCapBassBoost        = 1 << 8
	FUCapLoudness         = 1 << 9
)

// Terminal control selectors.
const TerminalControlCopyProtect = 0x01

// ITConfig configures an Input Terminal.
type ITConfig struct {
	TerminalType    uint16
	CopyProtEnabled bool
	CopyProtLevel   uint8
}

// OTConfig configures an Output Terminal.
type OTConfig struct {
	TerminalType    uint16
	CopyProtEnabled bool
	API             OTAPI
}

// FUConfig configures a Feature Unit.
type FUConfig struct {
	// LogChNbr is the number of logical channels (master channel 0 not
	// counted).
	LogChNbr uint8

	// LogChControls holds one capability mask per channel, indexed by
	// logical channel number starting at the master channel 0. Length
	// must be LogChNbr+1.
	LogChControls []uint16

	API FUAPI
}

// MUConfig configures a Mixer Unit.
type MUConfig struct {
	// NbrInPins is the number of input pins.
	NbrInPins uint8

	// LogOutChNbr is the number of logical output channels.
	LogOutChNbr uint8

	// Controls is the packed programmability bitmap: a two-dimensional
	// bit array with one row per logical input channel and one column
	// per logical output channel, MSB first within each byte.
	Controls []byte

	API MUAPI
}

// SUConfig configures a Selector Unit.
type SUConfig struct {
	NbrInPins uint8
	API       SUAPI
}

// entity is one node of the audio function graph.
type entity struct {
	typ EntityType
	id  uint8

	// sourceIDs are the upstream entity IDs this entity is connected to.
	sourceIDs []uint8

	it *ITConfig
	ot *OTConfig
	fu *FUConfig
	mu *MUConfig
	su *SUConfig
}

// entityTable assigns IDs sequentially from 1 and resolves them on access.
type entityTable struct {
	entities []entity
}

// add appends an entity and returns its assigned ID.
func (t *entityTable) add(e entity) (uint8, error) {
	if len(t.entities) >= 0xFF {
		return 0, pkg.ErrNoResources
	}
	e.id = uint8(len(t.entities) + 1)
	t.entities = append(t.entities, e)
	return e.id, nil
}

// get resolves an entity ID, returning nil for unknown IDs.
func (t *entityTable) get(id uint8) *entity {
	if id == 0 || int(id) > len(t.entities) {
		return nil
	}
	return &t.entities[id-1]
}
