package audit

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mesh-audit.jsonl")
	log, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, log.Append(Entry{From: "alice", To: "bob", Type: "request", ID: "msg_1", Subject: "count", Status: "sent"}))
	require.NoError(t, log.Append(Entry{From: "bob", To: "alice", Type: "response", ID: "msg_2", Subject: "count", Status: "received"}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	assert.Equal(t, 2, lines)
}
