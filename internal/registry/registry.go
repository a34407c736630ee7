// Package registry loads and persists the local peer directory and the
// node's own identity. It is read-mostly: writes happen only on operator
// action (join, update) and are atomic, with the registry file permission
// tightened to owner-only.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/arcwire/mesh/internal/meshErr"
)

// Role enumerates a peer's part in relay election.
type Role string

const (
	RoleHub   Role = "hub"
	RoleRelay Role = "relay"
	RolePeer  Role = "peer"
)

// Peer is one registry entry, keyed externally by agent name.
type Peer struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Token    string `json:"token"`
	Role     Role   `json:"role"`
	HookPath string `json:"hookPath"`
	Signing  bool   `json:"signing"`
}

// Registry is the in-memory, file-backed peer directory.
type Registry struct {
	selfName string
	path     string
	peers    map[string]Peer
}

// Load reads self-identity from identityPath and the peer directory from
// registryPath. A missing registry file yields an empty directory rather
// than an error, so a fresh node can be bootstrapped by the operator.
func Load(identityPath, registryPath string) (*Registry, error) {
	identity, err := os.ReadFile(identityPath)
	if err != nil {
		return nil, fmt.Errorf("registry: read identity: %w", err)
	}
	self := trimNewline(identity)
	if self == "" {
		return nil, fmt.Errorf("registry: identity file %s is empty", identityPath)
	}

	peers := map[string]Peer{}
	data, err := os.ReadFile(registryPath)
	if err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &peers); err != nil {
			return nil, fmt.Errorf("registry: decode %s: %w", registryPath, err)
		}
	} else if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("registry: read %s: %w", registryPath, err)
	}

	return &Registry{selfName: self, path: registryPath, peers: peers}, nil
}

// Self returns this node's own agent name.
func (r *Registry) Self() string { return r.selfName }

// Peer looks up a peer by name. It returns meshErr.KindUnknownPeer when
// absent, as required by the send pipeline's target resolution step.
func (r *Registry) Peer(name string) (Peer, error) {
	p, ok := r.peers[name]
	if !ok {
		return Peer{}, meshErr.New(meshErr.KindUnknownPeer, fmt.Sprintf("no registry entry for %q", name))
	}
	return p, nil
}

// Peers returns all peer names in lexical order, so election's
// "lexically first peer" hub fallback is well-defined.
func (r *Registry) Peers() []string {
	names := make([]string, 0, len(r.peers))
	for name := range r.peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsSigning reports whether outbound sends to name must be signed.
func (r *Registry) IsSigning(name string) bool {
	p, ok := r.peers[name]
	return ok && p.Signing
}

// Hub returns the registry-designated hub, falling back to the lexically
// first peer name when no entry carries RoleHub.
func (r *Registry) Hub() (string, bool) {
	for _, name := range r.Peers() {
		if r.peers[name].Role == RoleHub {
			return name, true
		}
	}
	names := r.Peers()
	if len(names) == 0 {
		return "", false
	}
	return names[0], true
}

// Put adds or replaces a peer entry and persists the registry atomically.
func (r *Registry) Put(name string, p Peer) error {
	r.peers[name] = p
	return r.persist()
}

// Remove deletes a peer entry and persists the registry atomically.
func (r *Registry) Remove(name string) error {
	delete(r.peers, name)
	return r.persist()
}

func (r *Registry) persist() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("registry: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(r.peers, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encode: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("registry: write temp: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("registry: rename: %w", err)
	}
	return os.Chmod(r.path, 0o600)
}

func trimNewline(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}
