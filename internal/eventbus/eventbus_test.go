package eventbus

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

type feedMsg struct {
	Agent   string `json:"agent"`
	Message string `json:"message"`
}

func TestLocalBus(t *testing.T) {
	Convey("Given a Bus over a LocalTransport with two subscribers on the feed topic", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := ctx.Done()

		bus := New(NewLocalTransport(done))
		subA, err := Subscribe[feedMsg](ctx, bus, TopicFeed)
		So(err, ShouldBeNil)
		subB, err := Subscribe[feedMsg](ctx, bus, TopicFeed)
		So(err, ShouldBeNil)

		Convey("A single publish reaches both subscribers with the same payload", func() {
			err := bus.Publish(ctx, TopicFeed, feedMsg{Agent: "watcher", Message: "starvation"})
			So(err, ShouldBeNil)

			select {
			case got := <-subA:
				So(got.Agent, ShouldEqual, "watcher")
				So(got.Message, ShouldEqual, "starvation")
			case <-time.After(time.Second):
				t.Fatal("subA never received the publish")
			}

			select {
			case got := <-subB:
				So(got.Agent, ShouldEqual, "watcher")
			case <-time.After(time.Second):
				t.Fatal("subB never received the publish")
			}
		})

		Convey("Two publishes arrive in publish order", func() {
			So(bus.Publish(ctx, TopicFeed, feedMsg{Message: "first"}), ShouldBeNil)
			So(bus.Publish(ctx, TopicFeed, feedMsg{Message: "second"}), ShouldBeNil)

			first := <-subA
			second := <-subA
			So(first.Message, ShouldEqual, "first")
			So(second.Message, ShouldEqual, "second")
		})
	})
}
