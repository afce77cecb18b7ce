package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/molsim/molsim/internal/events"
	"github.com/molsim/molsim/internal/eventbus"
	"github.com/molsim/molsim/internal/gatekeeper"
	"github.com/molsim/molsim/internal/telemetry"
)

// Server is the HTTP/WS boundary spec.md §1 calls out as an external
// collaborator surface: manual evolution triggers and externally
// proposed mutations come in over REST, the world frame and the agent
// feed go out over websocket. gorilla/mux routes the REST side; the
// teacher's server.go never used mux.Router for anything, so this is
// its first real job in this codebase (see DESIGN.md).
type Server struct {
	addr       string
	router     *mux.Router
	bus        *eventbus.Bus
	gatekeeper *gatekeeper.Gatekeeper
	counters   *telemetry.Counters

	frames      *hub[[]byte]
	feeds       *hub[events.Feed]
	agentEvents *hub[agentEvent]
}

// agentEvent is the envelope external agent consumers receive over
// /ws/agents: an event-bus payload tagged with the topic it came from,
// grounded on original_source/backend/api/ws_agents.py's newline-delimited
// {"event": ..., ...} telemetry stream — the same bus topics, reshaped
// for gorilla/websocket's one-JSON-message-per-frame model instead of
// literal newline-delimited text.
type agentEvent struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// New wires the router. It starts no goroutines: PumpFeed, run by the
// caller, relays feed events from the bus into the feed broadcaster hub.
func New(addr string, bus *eventbus.Bus, gk *gatekeeper.Gatekeeper, counters *telemetry.Counters) *Server {
	s := &Server{
		addr:       addr,
		router:     mux.NewRouter(),
		bus:        bus,
		gatekeeper: gk,
		counters:   counters,
		frames:      newHub[[]byte](),
		feeds:       newHub[events.Feed](),
		agentEvents: newHub[agentEvent](),
	}
	s.routes()
	return s
}

// PublishFrame is wired to tick.Engine.FrameSink so every broadcast-tick
// world frame reaches every connected frame websocket.
func (s *Server) PublishFrame(payload []byte) {
	s.frames.broadcast(payload)
}

// PumpFeed subscribes to the feed topic and relays every event to the
// feed broadcaster hub until ctx is cancelled. Run this once from the
// process entrypoint's supervised goroutine group.
func (s *Server) PumpFeed(ctx context.Context) error {
	ch, err := eventbus.Subscribe[events.Feed](ctx, s.bus, eventbus.TopicFeed)
	if err != nil {
		return fmt.Errorf("api: subscribing to feed: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-ch:
			if !ok {
				return nil
			}
			s.feeds.broadcast(f)
		}
	}
}

// PumpAgentEvents subscribes to the three topics an external agent cares
// about watching without polling — its own feed narration, Mutation
// Applied, and Mutation Rollback — and relays each into the agent-event
// broadcaster hub until ctx is cancelled. Run this once from the process
// entrypoint's supervised goroutine group, alongside PumpFeed.
func (s *Server) PumpAgentEvents(ctx context.Context) error {
	feedCh, err := eventbus.Subscribe[events.Feed](ctx, s.bus, eventbus.TopicFeed)
	if err != nil {
		return fmt.Errorf("api: subscribing to feed for agent stream: %w", err)
	}
	appliedCh, err := eventbus.Subscribe[events.MutationApplied](ctx, s.bus, eventbus.TopicMutationApplied)
	if err != nil {
		return fmt.Errorf("api: subscribing to mutation applied for agent stream: %w", err)
	}
	rollbackCh, err := eventbus.Subscribe[events.MutationRollback](ctx, s.bus, eventbus.TopicMutationRollback)
	if err != nil {
		return fmt.Errorf("api: subscribing to mutation rollback for agent stream: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-feedCh:
			if !ok {
				return nil
			}
			s.agentEvents.broadcast(agentEvent{Event: "feed", Payload: f})
		case applied, ok := <-appliedCh:
			if !ok {
				return nil
			}
			s.agentEvents.broadcast(agentEvent{Event: "mutation_applied", Payload: applied})
		case rb, ok := <-rollbackCh:
			if !ok {
				return nil
			}
			s.agentEvents.broadcast(agentEvent{Event: "mutation_rollback", Payload: rb})
		}
	}
}

// Serve blocks running the HTTP server until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) routes() {
	s.router.HandleFunc("/api/trigger", s.handleTrigger).Methods(http.MethodPost)
	s.router.HandleFunc("/api/mutations/propose", s.handlePropose).Methods(http.MethodPost)
	s.router.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/frame", s.handleFrameWS)
	s.router.HandleFunc("/ws/feed", s.handleFeedWS)
	s.router.HandleFunc("/ws/agents", s.handleAgentWS)
}

// triggerRequest is the manual-trigger payload spec.md §6 specifies:
// {problem_type, severity}.
type triggerRequest struct {
	ProblemType string `json:"problem_type"`
	Severity    string `json:"severity"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.ProblemType == "" || req.Severity == "" {
		http.Error(w, "problem_type and severity are required", http.StatusBadRequest)
		return
	}

	trigger := events.EvolutionTrigger{
		TriggerID:   uuid.NewString(),
		ProblemType: req.ProblemType,
		Severity:    req.Severity,
	}
	if err := s.bus.Publish(r.Context(), eventbus.TopicEvolutionTrigger, trigger); err != nil {
		http.Error(w, fmt.Sprintf("publishing trigger: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"trigger_id": trigger.TriggerID})
}

// proposeRequest is the externally-proposed mutation payload spec.md §6
// specifies: {agent_id, task_id?, trait_name, goal, source}. trait_name
// and goal describe intent; the Gatekeeper derives the canonical name
// actually used from the parsed source, same as the Coder does with its
// own output, so an agent's claimed trait_name is informational only.
type proposeRequest struct {
	AgentID   string `json:"agent_id"`
	TaskID    string `json:"task_id,omitempty"`
	TraitName string `json:"trait_name"`
	Goal      string `json:"goal"`
	Source    string `json:"source"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.AgentID == "" || req.Source == "" {
		http.Error(w, "agent_id and source are required", http.StatusBadRequest)
		return
	}

	out := s.gatekeeper.Submit(r.Context(), gatekeeper.Proposal{
		AgentID: req.AgentID,
		IP:      clientIP(r),
		Source:  []byte(req.Source),
	})

	status := http.StatusAccepted
	if !out.Accepted {
		status = http.StatusUnprocessableEntity
		if strings.HasPrefix(out.ReasonCode, "RATE_LIMIT_") {
			status = http.StatusTooManyRequests
		}
	}
	writeJSON(w, status, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.counters.Snapshot())
}

func (s *Server) handleFrameWS(w http.ResponseWriter, r *http.Request) {
	id, updates := s.frames.subscribe()
	defer s.frames.unsubscribe(id)

	c, err := newClient(updates, w, r, func(ws *websocket.Conn, payload []byte) error {
		return ws.WriteMessage(websocket.BinaryMessage, payload)
	})
	if err != nil {
		log.Printf("api: frame websocket upgrade failed: %v", err)
		return
	}
	if err := c.Sync(); err != nil {
		log.Printf("api: frame websocket closed: %v", err)
	}
}

func (s *Server) handleFeedWS(w http.ResponseWriter, r *http.Request) {
	id, updates := s.feeds.subscribe()
	defer s.feeds.unsubscribe(id)

	c, err := newClient(updates, w, r, func(ws *websocket.Conn, f events.Feed) error {
		return ws.WriteJSON(f)
	})
	if err != nil {
		log.Printf("api: feed websocket upgrade failed: %v", err)
		return
	}
	if err := c.Sync(); err != nil {
		log.Printf("api: feed websocket closed: %v", err)
	}
}

func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	id, updates := s.agentEvents.subscribe()
	defer s.agentEvents.unsubscribe(id)

	c, err := newClient(updates, w, r, func(ws *websocket.Conn, e agentEvent) error {
		return ws.WriteJSON(e)
	})
	if err != nil {
		log.Printf("api: agent websocket upgrade failed: %v", err)
		return
	}
	if err := c.Sync(); err != nil {
		log.Printf("api: agent websocket closed: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
