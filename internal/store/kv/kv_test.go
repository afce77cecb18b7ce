package kv

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	Convey("Given an empty MemoryStore", t, func() {
		s := NewMemoryStore()

		Convey("Set then Get round-trips a value", func() {
			So(s.Set(ctx, "k", []byte("v"), 0), ShouldBeNil)
			v, ok, err := s.Get(ctx, "k")
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			So(string(v), ShouldEqual, "v")
		})

		Convey("A TTL'd key expires and reads as absent", func() {
			So(s.Set(ctx, "k", []byte("v"), time.Millisecond), ShouldBeNil)
			time.Sleep(5 * time.Millisecond)
			_, ok, err := s.Get(ctx, "k")
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})

		Convey("SetNX only succeeds once while the key is live, a core property the cycle mutex relies on", func() {
			first, err := s.SetNX(ctx, "lock", []byte("a"), time.Minute)
			So(err, ShouldBeNil)
			So(first, ShouldBeTrue)

			second, err := s.SetNX(ctx, "lock", []byte("b"), time.Minute)
			So(err, ShouldBeNil)
			So(second, ShouldBeFalse)

			So(s.Delete(ctx, "lock"), ShouldBeNil)
			third, err := s.SetNX(ctx, "lock", []byte("c"), time.Minute)
			So(err, ShouldBeNil)
			So(third, ShouldBeTrue)
		})

		Convey("SAdd/SIsMember implement the hash-used dedup set", func() {
			ok, err := s.SIsMember(ctx, "evo:mutation:hashes", "abc123")
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)

			So(s.SAdd(ctx, "evo:mutation:hashes", "abc123"), ShouldBeNil)
			ok, err = s.SIsMember(ctx, "evo:mutation:hashes", "abc123")
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
		})

		Convey("HSet/HGetAll implement the inspectable cycle record", func() {
			So(s.HSet(ctx, "evo:cycle:current", map[string]string{"stage": "planning"}), ShouldBeNil)
			So(s.HSet(ctx, "evo:cycle:current", map[string]string{"trigger_id": "t1"}), ShouldBeNil)
			h, err := s.HGetAll(ctx, "evo:cycle:current")
			So(err, ShouldBeNil)
			So(h["stage"], ShouldEqual, "planning")
			So(h["trigger_id"], ShouldEqual, "t1")
		})
	})
}
