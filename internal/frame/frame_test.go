package frame

import (
	"encoding/binary"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/molsim/molsim/pkg/molproto"
)

func TestEncode(t *testing.T) {
	Convey("Given one entity and one resource", t, func() {
		entities := []EntityView{{ID: "e1", X: 10, Y: 20, Radius: 5, DNA: 0xABCDEF, Predator: false}}
		resources := []ResourceView{{X: 1, Y: 2}}

		buf := Encode(42, entities, resources)

		Convey("The buffer size matches header + one entity record + one resource record", func() {
			So(len(buf), ShouldEqual, molproto.HeaderSize+molproto.EntityRecordSize+molproto.ResourceRecordSize)
		})

		Convey("The header decodes to the given tick and counts", func() {
			So(binary.BigEndian.Uint32(buf[0:4]), ShouldEqual, uint32(42))
			So(binary.BigEndian.Uint16(buf[4:6]), ShouldEqual, uint16(1))
			So(binary.BigEndian.Uint16(buf[6:8]), ShouldEqual, uint16(1))
		})

		Convey("A predator entity encodes the fixed predator color and flag bit0", func() {
			predBuf := Encode(1, []EntityView{{ID: "p1", Predator: true}}, nil)
			color := binary.BigEndian.Uint32(predBuf[molproto.HeaderSize+16 : molproto.HeaderSize+20])
			flags := predBuf[molproto.HeaderSize+20]
			So(color, ShouldEqual, molproto.PredatorColor)
			So(flags&molproto.FlagPredator, ShouldNotEqual, 0)
		})

		Convey("An infected molbot keeps its DNA color but sets flag bit1", func() {
			infBuf := Encode(1, []EntityView{{ID: "m1", DNA: 0x112233, Infected: true}}, nil)
			color := binary.BigEndian.Uint32(infBuf[molproto.HeaderSize+16 : molproto.HeaderSize+20])
			flags := infBuf[molproto.HeaderSize+20]
			So(color, ShouldEqual, uint32(0x112233))
			So(flags&molproto.FlagInfected, ShouldNotEqual, 0)
			So(flags&molproto.FlagPredator, ShouldEqual, 0)
		})
	})
}
