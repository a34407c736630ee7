package main

import (
	"fmt"
	"os"

	"github.com/arcwire/mesh/internal/config"
)

// loadOrDefault mirrors the teacher daemon's configuration fallback
// strategy: an explicit file wins, otherwise fall back to a minimal
// configuration built from the environment so a node can start without
// an operator-authored YAML file.
func loadOrDefault(filename string) (*config.Config, error) {
	if _, err := os.Stat(filename); err == nil {
		return config.Load(filename)
	}

	name := os.Getenv("MESH_AGENT_NAME")
	if name == "" {
		return nil, fmt.Errorf("no config file at %s and MESH_AGENT_NAME not set", filename)
	}
	c := &config.Config{AgentName: name, StateDir: os.Getenv("MESH_STATE_DIR")}
	if c.StateDir == "" {
		c.StateDir = "./mesh-state"
	}
	data, err := marshalMinimal(c)
	if err != nil {
		return nil, err
	}
	return config.ParseBytes(data)
}

func marshalMinimal(c *config.Config) ([]byte, error) {
	return []byte("agent_name: " + c.AgentName + "\nstate_dir: " + c.StateDir + "\n"), nil
}
