package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/molsim/molsim/internal/events"
	"github.com/molsim/molsim/internal/eventbus"
	"github.com/molsim/molsim/internal/gatekeeper"
	"github.com/molsim/molsim/internal/telemetry"
	"github.com/molsim/molsim/internal/validator"
)

const traitPackagePath = "github.com/molsim/molsim/internal/entity"

const validTraitSource = `package main

import "github.com/molsim/molsim/internal/entity"

type SniffTrait struct{}

func NewSniffTrait() entity.Trait { return &SniffTrait{} }

func (t *SniffTrait) Execute(e *entity.Entity) error {
	return nil
}
`

func newTestServer(t *testing.T) (*Server, *eventbus.Bus) {
	bus := eventbus.New(eventbus.NewLocalTransport(nil))
	v := validator.New(traitPackagePath, nil)
	gk := gatekeeper.New(bus, v, t.TempDir(), gatekeeper.DefaultLimits())
	return New("127.0.0.1:0", bus, gk, &telemetry.Counters{}), bus
}

func TestHandleTriggerPublishesEvolutionTrigger(t *testing.T) {
	Convey("Given a manual trigger request", t, func() {
		s, bus := newTestServer(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ch, err := eventbus.Subscribe[events.EvolutionTrigger](ctx, bus, eventbus.TopicEvolutionTrigger)
		So(err, ShouldBeNil)

		body, _ := json.Marshal(triggerRequest{ProblemType: "starvation", Severity: "high"})
		req := httptest.NewRequest(http.MethodPost, "/api/trigger", bytes.NewReader(body))
		rec := httptest.NewRecorder()

		s.handleTrigger(rec, req)

		Convey("it accepts the request and publishes an EvolutionTrigger", func() {
			So(rec.Code, ShouldEqual, http.StatusAccepted)

			select {
			case evt := <-ch:
				So(evt.ProblemType, ShouldEqual, "starvation")
				So(evt.Severity, ShouldEqual, "high")
				So(evt.TriggerID, ShouldNotBeEmpty)
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for EvolutionTrigger")
			}
		})
	})
}

func TestHandleTriggerRejectsMissingFields(t *testing.T) {
	Convey("Given a trigger request missing severity", t, func() {
		s, _ := newTestServer(t)
		body, _ := json.Marshal(triggerRequest{ProblemType: "starvation"})
		req := httptest.NewRequest(http.MethodPost, "/api/trigger", bytes.NewReader(body))
		rec := httptest.NewRecorder()

		s.handleTrigger(rec, req)

		Convey("it is rejected with 400", func() {
			So(rec.Code, ShouldEqual, http.StatusBadRequest)
		})
	})
}

func TestHandleProposeAcceptsValidSource(t *testing.T) {
	Convey("Given a valid externally-proposed trait", t, func() {
		s, _ := newTestServer(t)
		body, _ := json.Marshal(proposeRequest{AgentID: "agent-1", TraitName: "sniff", Goal: "improve foraging", Source: validTraitSource})
		req := httptest.NewRequest(http.MethodPost, "/api/mutations/propose", bytes.NewReader(body))
		req.RemoteAddr = "10.0.0.5:51234"
		rec := httptest.NewRecorder()

		s.handlePropose(rec, req)

		Convey("it is accepted", func() {
			So(rec.Code, ShouldEqual, http.StatusAccepted)

			var out gatekeeper.Outcome
			So(json.Unmarshal(rec.Body.Bytes(), &out), ShouldBeNil)
			So(out.Accepted, ShouldBeTrue)
			So(out.MutationID, ShouldNotBeEmpty)
		})
	})
}

func TestHandleProposeRejectsInvalidSource(t *testing.T) {
	Convey("Given an externally-proposed trait that fails validation", t, func() {
		s, _ := newTestServer(t)
		body, _ := json.Marshal(proposeRequest{AgentID: "agent-1", Source: "not go {{{"})
		req := httptest.NewRequest(http.MethodPost, "/api/mutations/propose", bytes.NewReader(body))
		req.RemoteAddr = "10.0.0.5:51234"
		rec := httptest.NewRecorder()

		s.handlePropose(rec, req)

		Convey("it is rejected with 422", func() {
			So(rec.Code, ShouldEqual, http.StatusUnprocessableEntity)
		})
	})
}

func TestHandleStatsReportsCounters(t *testing.T) {
	Convey("Given a server with some recorded kills", t, func() {
		s, _ := newTestServer(t)
		s.counters.PredatorKills.Add(3)

		req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
		rec := httptest.NewRecorder()
		s.handleStats(rec, req)

		Convey("the snapshot reflects them", func() {
			So(rec.Code, ShouldEqual, http.StatusOK)
			var snap map[string]uint64
			So(json.Unmarshal(rec.Body.Bytes(), &snap), ShouldBeNil)
			So(snap["predator_kills"], ShouldEqual, 3)
		})
	})
}

func TestPublishFrameFansOutToSubscribers(t *testing.T) {
	Convey("Given a server with a subscribed frame channel", t, func() {
		s, _ := newTestServer(t)
		id, ch := s.frames.subscribe()
		defer s.frames.unsubscribe(id)

		s.PublishFrame([]byte{1, 2, 3})

		Convey("the payload reaches the subscriber", func() {
			select {
			case payload := <-ch:
				So(payload, ShouldResemble, []byte{1, 2, 3})
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for frame broadcast")
			}
		})
	})
}
