// Package frame implements the binary world-frame encoder §6
// specifies for external visualization consumers: a fixed big-endian
// header plus one fixed-size record per entity and per resource. No
// binary-framing library appears anywhere in the retrieval pack for a
// comparably small fixed-layout format; stdlib encoding/binary is used
// directly (see DESIGN.md).
package frame

import (
	"bytes"
	"encoding/binary"
	"hash/fnv"

	"github.com/molsim/molsim/internal/entity"
	"github.com/molsim/molsim/pkg/molproto"
)

// EntityView is the minimal per-entity projection the encoder needs,
// decoupling frame encoding from the full Entity type.
type EntityView struct {
	ID        string
	X, Y      float64
	Radius    float64
	DNA       uint64
	Predator  bool
	Infected  bool
}

// ResourceView is the minimal per-resource projection the encoder needs.
type ResourceView struct {
	X, Y float64
}

// id32 returns the lower 32 bits of an FNV-1a hash of id, the u32
// entity identifier §6's world-frame layout specifies.
func id32(id string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return h.Sum32()
}

// dnaColor derives a 24-bit RGB value from an entity's DNA fingerprint,
// masked into the low 3 bytes so it packs into the same u32 color field
// a predator's fixed molproto.PredatorColor uses.
func dnaColor(dna uint64) uint32 {
	return uint32(dna) & 0x00FFFFFF
}

// Encode produces one world frame: header, then one 21-byte record per
// entity, then one 8-byte record per resource, exactly as §6 lays out.
func Encode(tick uint32, entities []EntityView, resources []ResourceView) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, molproto.HeaderSize+
		len(entities)*molproto.EntityRecordSize+
		len(resources)*molproto.ResourceRecordSize))

	_ = binary.Write(buf, binary.BigEndian, tick)
	_ = binary.Write(buf, binary.BigEndian, uint16(len(entities)))
	_ = binary.Write(buf, binary.BigEndian, uint16(len(resources)))

	for _, e := range entities {
		var flags byte
		if e.Predator {
			flags |= molproto.FlagPredator
		}
		if e.Infected {
			flags |= molproto.FlagInfected
		}
		color := dnaColor(e.DNA)
		if e.Predator {
			color = molproto.PredatorColor
		}

		_ = binary.Write(buf, binary.BigEndian, id32(e.ID))
		_ = binary.Write(buf, binary.BigEndian, float32(e.X))
		_ = binary.Write(buf, binary.BigEndian, float32(e.Y))
		_ = binary.Write(buf, binary.BigEndian, float32(e.Radius))
		_ = binary.Write(buf, binary.BigEndian, color)
		_ = binary.Write(buf, binary.BigEndian, flags)
	}

	for _, r := range resources {
		_ = binary.Write(buf, binary.BigEndian, float32(r.X))
		_ = binary.Write(buf, binary.BigEndian, float32(r.Y))
	}

	return buf.Bytes()
}

// ViewOf projects an entity.Entity into the encoder's minimal EntityView.
func ViewOf(e *entity.Entity) EntityView {
	return EntityView{
		ID:       e.ID,
		X:        e.X.Load(),
		Y:        e.Y.Load(),
		Radius:   e.Radius,
		DNA:      e.DNA,
		Predator: e.EntityType == entity.Predator,
		Infected: e.Infection.Infected,
	}
}
