// Package molproto holds the wire-format constants internal/frame and
// internal/api share: the binary world-frame layout §6 specifies.
package molproto

// Flag bits for a world-frame entity record's flags byte.
const (
	FlagPredator byte = 1 << 0
	FlagInfected byte = 1 << 1
)

// Byte sizes of the fixed-layout records §6 specifies.
const (
	HeaderSize         = 4 + 2 + 2 // tick u32, entity_count u16, resource_count u16
	EntityRecordSize   = 21        // id32 u32, x/y/radius f32 x3, color u32, flags u8
	ResourceRecordSize = 8         // x, y f32
)

// PredatorColor is the fixed 24-bit RGB value predators render as,
// distinct from a molbot's DNA-derived color.
const PredatorColor uint32 = 0xFF0000
