package infra

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebContainerEnv(t *testing.T) {
	env := webContainerEnv("internal-alb.elb.amazonaws.com")

	byName := map[string]string{}
	for _, e := range env {
		byName[e["name"]] = e["value"]
	}
	require.Len(t, byName, 4)

	// The front end talks to the inference engine only through the internal
	// routing tier, over its OpenAI-compatible API.
	assert.Equal(t, "http://internal-alb.elb.amazonaws.com/v1", byName["OPENAI_API_BASE_URL"])
	assert.Equal(t, "false", byName["ENABLE_OLLAMA_API"])

	// Both data paths sit on the shared volume, so state survives replica
	// replacement.
	assert.Equal(t, "/app/backend/data", byName["DATA_DIR"])
	assert.Equal(t, "sqlite:////app/backend/data/database.db", byName["DATABASE_URL"])
}
