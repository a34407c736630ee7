// Package discovery implements peer probing and relay election (C7):
// lightweight liveness checks, latency tracking, and local (non-
// consensus) relay selection when the hub is unreachable.
package discovery

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/arcwire/mesh/internal/registry"
	"github.com/arcwire/mesh/internal/store"
)

// Health is one peer's latest liveness observation.
type Health struct {
	IP                  string    `json:"ip"`
	Port                int       `json:"port"`
	LastProbe           time.Time `json:"lastProbe"`
	HTTPCode            int       `json:"httpCode"`
	LatencyMs           int64     `json:"latencyMs"`
	Reachable           bool      `json:"reachable"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// HealthTable persists Health per peer name.
type HealthTable = map[string]Health

// MeshHealth summarizes reachability counts.
type MeshHealth struct {
	Up    int `json:"up"`
	Down  int `json:"down"`
	Total int `json:"total"`
}

// RoutingTable is the node's local view of the mesh topology.
type RoutingTable struct {
	Self          string     `json:"self"`
	Hub           string     `json:"hub"`
	Relay         string     `json:"relay,omitempty"`
	MeshHealth    MeshHealth `json:"meshHealth"`
	LastUpdated   time.Time  `json:"lastUpdated"`
	LastElection  time.Time  `json:"lastElection,omitempty"`
}

// Discovery owns the peer-health and routing-table stores and runs
// probe/election passes.
type Discovery struct {
	registry *registry.Registry
	health   *store.Store[HealthTable]
	routing  *store.Store[RoutingTable]
	client   *http.Client
}

// New wraps Store[HealthTable]/Store[RoutingTable] at the given paths.
func New(reg *registry.Registry, healthPath, routingPath string) (*Discovery, error) {
	h, err := store.New[HealthTable](healthPath)
	if err != nil {
		return nil, err
	}
	r, err := store.New[RoutingTable](routingPath)
	if err != nil {
		return nil, err
	}
	return &Discovery{
		registry: reg,
		health:   h,
		routing:  r,
		client:   &http.Client{Timeout: 3 * time.Second},
	}, nil
}

// Probe issues GET /api/status to every non-self peer, falling back to a
// 3s TCP connect when the status endpoint doesn't answer, and persists
// per-peer health plus the mesh-wide up/down counters.
func (d *Discovery) Probe() (HealthTable, error) {
	self := d.registry.Self()
	results := HealthTable{}
	for _, name := range d.registry.Peers() {
		if name == self {
			continue
		}
		peer, err := d.registry.Peer(name)
		if err != nil {
			continue
		}
		results[name] = d.probeOne(peer)
	}

	up, down := 0, 0
	for _, h := range results {
		if h.Reachable {
			up++
		} else {
			down++
		}
	}

	_, err := d.health.Mutate(func(_ HealthTable) (HealthTable, error) { return results, nil })
	if err != nil {
		return nil, err
	}
	_, err = d.routing.Mutate(func(rt RoutingTable) (RoutingTable, error) {
		rt.Self = self
		rt.MeshHealth = MeshHealth{Up: up, Down: down, Total: up + down}
		rt.LastUpdated = time.Now().UTC()
		return rt, nil
	})
	return results, err
}

func (d *Discovery) probeOne(peer registry.Peer) Health {
	start := time.Now()
	url := fmt.Sprintf("http://%s:%d/api/status", peer.IP, peer.Port)
	resp, err := d.client.Get(url)
	if err == nil {
		defer resp.Body.Close()
		latency := time.Since(start).Milliseconds()
		return Health{
			IP: peer.IP, Port: peer.Port, LastProbe: time.Now().UTC(),
			HTTPCode: resp.StatusCode, LatencyMs: latency,
			Reachable: resp.StatusCode >= 200 && resp.StatusCode < 300,
		}
	}

	addr := fmt.Sprintf("%s:%d", peer.IP, peer.Port)
	conn, dialErr := net.DialTimeout("tcp", addr, 3*time.Second)
	latency := time.Since(start).Milliseconds()
	if dialErr != nil {
		return Health{IP: peer.IP, Port: peer.Port, LastProbe: time.Now().UTC(), Reachable: false, LatencyMs: latency}
	}
	conn.Close()
	return Health{IP: peer.IP, Port: peer.Port, LastProbe: time.Now().UTC(), Reachable: true, LatencyMs: latency}
}

// Elect picks a relay when the hub is unreachable: an explicit
// relay/sre-role peer that answered the last probe, else the reachable
// peer with lowest latency, else it leaves Relay empty (mesh
// partitioned). Election is purely local, never a consensus operation.
func (d *Discovery) Elect() (RoutingTable, error) {
	hub, hasHub := d.registry.Hub()
	health, err := d.health.Get()
	if err != nil {
		return RoutingTable{}, err
	}

	hubReachable := !hasHub || hub == d.registry.Self() || health[hub].Reachable

	var relay string
	if !hubReachable {
		relay = d.pickRelay(health)
	}

	return d.routing.Mutate(func(rt RoutingTable) (RoutingTable, error) {
		rt.Self = d.registry.Self()
		rt.Hub = hub
		rt.Relay = relay
		rt.LastElection = time.Now().UTC()
		return rt, nil
	})
}

func (d *Discovery) pickRelay(health HealthTable) string {
	for _, name := range d.registry.Peers() {
		peer, err := d.registry.Peer(name)
		if err != nil || name == d.registry.Self() {
			continue
		}
		if (peer.Role == registry.RoleRelay) && health[name].Reachable {
			return name
		}
	}
	best := ""
	bestLatency := int64(-1)
	for name, h := range health {
		if !h.Reachable {
			continue
		}
		if bestLatency < 0 || h.LatencyMs < bestLatency {
			best = name
			bestLatency = h.LatencyMs
		}
	}
	return best
}

// Routing returns the current routing table.
func (d *Discovery) Routing() (RoutingTable, error) {
	return d.routing.Get()
}

// GossipPayload is the notification content broadcast on demand.
type GossipPayload struct {
	Routing RoutingTable `json:"routing"`
	Health  HealthTable  `json:"health"`
}

// Snapshot builds a gossip payload of this node's current view, to be
// sent as a notification to reachable peers; receivers treat it as a
// hint and never override directly observed state.
func (d *Discovery) Snapshot() (GossipPayload, error) {
	rt, err := d.routing.Get()
	if err != nil {
		return GossipPayload{}, err
	}
	h, err := d.health.Get()
	if err != nil {
		return GossipPayload{}, err
	}
	return GossipPayload{Routing: rt, Health: h}, nil
}
