package infra

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBootScript(t *testing.T) {
	script := bootScript("google/medgemma-4b-it", "HuggingFaceToken", "us-east-1")

	assert.True(t, strings.HasPrefix(script, "#!/bin/bash"))
	assert.Contains(t, script, "pip install vllm")
	assert.Contains(t, script, "vllm serve google/medgemma-4b-it --port 8000")
	assert.Contains(t, script, "--secret-id HuggingFaceToken")
	assert.Contains(t, script, "--region us-east-1")
	assert.Contains(t, script, "systemctl enable vllm")
	assert.Contains(t, script, "http://localhost:8000/v1/models")

	// The token is fetched at boot, never embedded.
	assert.NotContains(t, script, "hf_")
}
