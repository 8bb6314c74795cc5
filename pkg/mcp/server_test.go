package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAutoflowServer(t *testing.T) {
	s := NewAutoflowServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.Same(t, s.mcpServer, s.MCPServer())
}

func TestToolRegistration(t *testing.T) {
	s := NewAutoflowServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 9)

	for _, name := range []string{
		"autoflow.execute",
		"autoflow.test",
		"autoflow.define",
		"autoflow.get",
		"autoflow.workflows",
		"autoflow.executions",
		"autoflow.schedule",
		"autoflow.diagram",
		"autoflow.secrets",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName string
		required []string
	}{
		{"autoflow.execute", []string{"workflow_id"}},
		{"autoflow.test", []string{"workflow_id"}},
		{"autoflow.define", []string{"definition"}},
		{"autoflow.schedule", []string{"workflow_id", "cron"}},
		{"autoflow.secrets", []string{"action"}},
	}

	s := NewAutoflowServer(ServerDeps{})

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.NotEmpty(t, tool.Tool.Description)
			assert.ElementsMatch(t, tc.required, tool.Tool.InputSchema.Required)
		})
	}
}
