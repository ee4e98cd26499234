package a2a

import (
	"fmt"
	"net/http"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"

	"github.com/cotaudit/engine/internal/config"
	"github.com/cotaudit/engine/internal/logging"
	"github.com/cotaudit/engine/internal/store"
)

// ServerConfig configures the A2A server.
type ServerConfig struct {
	AgentName        string
	AgentDescription string
	AgentVersion     string
	Port             int
}

// Server wraps the A2A server infrastructure around a TreeBuildExecutor.
type Server struct {
	executor *TreeBuildExecutor
	mux      *http.ServeMux
	server   *http.Server
	log      *logging.Logger
	card     *a2a.AgentCard
}

// NewServer builds a Server that exposes cfg's configured models over A2A,
// persisting finished runs to db.
func NewServer(cfg *config.EngineConfig, db *store.TreeStore, scfg *ServerConfig) *Server {
	if scfg == nil {
		scfg = &ServerConfig{
			AgentName:        "cotaudit",
			AgentDescription: "Builds and audits chain-of-thought reasoning trees for math word problems",
			AgentVersion:     "0.1.0",
			Port:             8090,
		}
	}

	executor := NewTreeBuildExecutor(cfg, db)

	agentCard := &a2a.AgentCard{
		Name:               scfg.AgentName,
		Description:        scfg.AgentDescription,
		Version:            scfg.AgentVersion,
		ProtocolVersion:    "0.3",
		URL:                fmt.Sprintf("http://localhost:%d/", scfg.Port),
		PreferredTransport: a2a.TransportProtocolJSONRPC,
		Capabilities: a2a.AgentCapabilities{
			Streaming:              true,
			PushNotifications:      false,
			StateTransitionHistory: true,
		},
		DefaultInputModes:  []string{"text", "application/json"},
		DefaultOutputModes: []string{"text", "application/json"},
		Skills: []a2a.AgentSkill{
			{
				ID:          "build-and-audit",
				Name:        "Build and audit a reasoning tree",
				Description: "Grows a branching tree of candidate reasoning steps for a math word problem and audits its paths for unfaithful chain-of-thought.",
				Tags:        []string{"reasoning", "faithfulness", "chain-of-thought", "audit"},
				Examples:    []string{"If a train travels 60 miles in 2 hours, what is its average speed?"},
				InputModes:  []string{"text"},
				OutputModes: []string{"text", "application/json"},
			},
		},
	}

	handler := a2asrv.NewHandler(executor)

	mux := http.NewServeMux()
	mux.Handle("/", a2asrv.NewJSONRPCHandler(handler))
	mux.Handle(a2asrv.WellKnownAgentCardPath, a2asrv.NewStaticAgentCardHandler(agentCard))

	return &Server{
		executor: executor,
		mux:      mux,
		log:      logging.Global(),
		card:     agentCard,
	}
}

// ServeHTTP implements http.Handler, adding permissive CORS headers for
// browser-based A2A clients.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// Start runs the server, blocking until it exits or fails.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{Addr: addr, Handler: s}

	s.log.Info("[a2a] agent: %s v%s", s.card.Name, s.card.Version)
	s.log.Info("[a2a] protocol: A2A v%s, transport: %s", s.card.ProtocolVersion, s.card.PreferredTransport)
	s.log.Info("[a2a] agent card: http://localhost%s/.well-known/agent-card.json", addr)
	s.log.Info("[a2a] json-rpc:   POST http://localhost%s/", addr)

	return s.server.ListenAndServe()
}
