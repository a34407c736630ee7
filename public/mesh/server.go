package mesh

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/arcwire/mesh/internal/conversation"
	"github.com/arcwire/mesh/internal/envelope"
	"github.com/arcwire/mesh/internal/metrics"
	"github.com/arcwire/mesh/internal/registry"
	"github.com/arcwire/mesh/internal/send"
)

// HookServer serves the inbound webhook surface: per-agent hooks,
// the session-aware agent hook, peer status probing, and metrics.
type HookServer struct {
	node *Node
}

// NewHookServer builds the inbound HTTP surface for a node.
func NewHookServer(n *Node) *HookServer {
	return &HookServer{node: n}
}

// Handler returns the full mux for the hook listener.
func (s *HookServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/hooks/agent", s.handleHook)
	mux.HandleFunc("/hooks/", s.handleHook)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *HookServer) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if err := s.node.Receive.Handle(r.Context(), body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// authorized lets through a request with no Authorization header, and
// otherwise requires the bearer token to equal the token of some registry
// entry (the caller's identity is not matched to the token); an unknown
// token is rejected. The envelope's own signature/nonce checks are the
// real authorization boundary.
func (s *HookServer) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return true
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	for _, name := range s.node.Registry.Peers() {
		peer, err := s.node.Registry.Peer(name)
		if err == nil && peer.Token == token {
			return true
		}
	}
	return false
}

func (s *HookServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	rt, err := s.node.Discovery.Routing()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"self":      s.node.Registry.Self(),
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"routing":   rt,
	})
}

// ControlServer exposes the local-only operator control API consumed by
// meshctl; it never accepts remote mesh traffic.
type ControlServer struct {
	node *Node
}

// NewControlServer builds the local control-plane HTTP surface.
func NewControlServer(n *Node) *ControlServer {
	return &ControlServer{node: n}
}

// Handler returns the full mux for the control listener.
func (c *ControlServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/control/send", c.handleSend)
	mux.HandleFunc("/control/queue", c.handleQueue)
	mux.HandleFunc("/control/discover", c.handleDiscover)
	mux.HandleFunc("/control/conversation", c.handleConversation)
	mux.HandleFunc("/control/conversation/open", c.handleConversationOpen)
	mux.HandleFunc("/control/status", c.handleStatus)
	return mux
}

type openConversationRequest struct {
	Type         string   `json:"type"`
	Question     string   `json:"question"`
	Participants []string `json:"participants"`
	TTL          int64    `json:"ttl"`
	Ack          bool     `json:"ack"`
}

func (c *ControlServer) handleConversationOpen(w http.ResponseWriter, r *http.Request) {
	var req openConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := c.node.Conversation.Open(c.node.Registry.Self(), req.Question, req.Participants, conversationOpenOptions(req))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"id": id})
}

type sendRequest struct {
	Target        string `json:"target"`
	Subject       string `json:"subject"`
	Body          string `json:"body"`
	Encrypt       bool   `json:"encrypt"`
	Type          string `json:"type"`
	CorrelationID string `json:"correlationId"`
}

func (c *ControlServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := c.node.Send.Send(r.Context(), req.Target, req.Subject, req.Body, sendOptionsFrom(req))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"id": id})
}

func (c *ControlServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("op") {
	case "purge":
		removed, err := c.node.Queue.Purge(time.Now())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]int{"removed": removed})
	case "drain":
		if err := c.node.Drainer.Tick(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		letters, err := c.node.Queue.List()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]int{"remaining": len(letters)})
	default:
		letters, err := c.node.Queue.List()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, letters)
	}
}

type joinRequest struct {
	Name     string `json:"name"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Token    string `json:"token"`
	Role     string `json:"role"`
	HookPath string `json:"hookPath"`
	Signing  bool   `json:"signing"`
}

func (c *ControlServer) handleDiscover(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("op") {
	case "elect":
		rt, err := c.node.Discovery.Elect()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, rt)
	case "status":
		rt, err := c.node.Discovery.Routing()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, rt)
	case "gossip":
		payload, err := c.node.Discovery.Snapshot()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		targets := make([]string, 0, len(c.node.Registry.Peers()))
		for _, name := range c.node.Registry.Peers() {
			if name == c.node.Registry.Self() {
				continue
			}
			targets = append(targets, name)
		}
		if len(targets) > 0 {
			if _, err := c.node.Send.Broadcast(r.Context(), targets, "routing-gossip", payload, send.Options{Type: envelope.TypeNotification}); err != nil {
				c.node.logger.Error("gossip broadcast failed", "error", err)
			}
		}
		writeJSON(w, payload)
	case "join":
		var req joinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			http.Error(w, "name required", http.StatusBadRequest)
			return
		}
		peer := registry.Peer{IP: req.IP, Port: req.Port, Token: req.Token, Role: registry.Role(req.Role), HookPath: req.HookPath, Signing: req.Signing}
		if peer.Role == "" {
			peer.Role = registry.RolePeer
		}
		if err := c.node.Registry.Put(req.Name, peer); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"joined": req.Name})
	default:
		health, err := c.node.Discovery.Probe()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, health)
	}
}

type conversationActionRequest struct {
	Reason  string `json:"reason"`
	Summary string `json:"summary"`
	Round   int    `json:"round"`
}

func (c *ControlServer) handleConversation(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("op") == "list" {
		ids, err := c.node.Conversation.List()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, ids)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}

	switch op := r.URL.Query().Get("op"); op {
	case "":
		rec, err := c.node.Conversation.Get(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, rec)
	case "consensus":
		var req conversationActionRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		consensus, err := c.node.Conversation.Consensus(id, req.Round)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, consensus)
	case "complete", "close", "cancel", "timeout":
		var req conversationActionRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		if err := c.dispatchConversationAction(op, id, req); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		rec, err := c.node.Conversation.Get(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, rec)
	default:
		http.Error(w, "unknown op", http.StatusBadRequest)
	}
}

func (c *ControlServer) dispatchConversationAction(op, id string, req conversationActionRequest) error {
	switch op {
	case "complete":
		return c.node.Conversation.Complete(id, req.Summary)
	case "close":
		return c.node.Conversation.Close(id, req.Reason)
	case "cancel":
		return c.node.Conversation.Cancel(id, req.Reason)
	case "timeout":
		return c.node.Conversation.Timeout(id)
	}
	return nil
}

func (c *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	letters, err := c.node.Queue.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	replayed, err := c.node.Queue.TotalReplayed()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"self":          c.node.Registry.Self(),
		"queueDepth":    len(letters),
		"totalReplayed": replayed,
		"nowUTC":        time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func sendOptionsFrom(req sendRequest) send.Options {
	opts := send.Options{Encrypt: req.Encrypt, CorrelationID: req.CorrelationID}
	switch req.Type {
	case string(envelope.TypeResponse):
		opts.Type = envelope.TypeResponse
	case string(envelope.TypeNotification):
		opts.Type = envelope.TypeNotification
	default:
		opts.Type = envelope.TypeRequest
	}
	return opts
}

func conversationOpenOptions(req openConversationRequest) conversation.OpenOptions {
	return conversation.OpenOptions{Type: req.Type, TTL: req.TTL, Ack: req.Ack}
}
