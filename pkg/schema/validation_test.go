package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
}

func TestValidationResult_WarningsDoNotInvalidate(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("nodes[2]", IssueUnreachable, "node s9 is unreachable from any trigger")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
	assert.True(t, r.HasCode(IssueUnreachable))
}

func TestValidationResult_MergeAndSummary(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("nodes", IssueMissingTrigger, "no trigger node")

	r2 := &ValidationResult{}
	r2.AddError("edges[0].target", IssueDanglingEdge, "unknown node x")
	r1.Merge(r2)
	r1.Merge(nil)

	require.Len(t, r1.Errors, 2)
	assert.Equal(t, "nodes: no trigger node\nedges[0].target: unknown node x", r1.Summary())
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("nodes", IssueMissingTrigger, "no trigger node")

	err := r.ToError()
	require.Error(t, err)
	assert.Equal(t, ErrCodeValidation, ErrorCode(err))
	assert.Equal(t, "no trigger node", Message(err))

	r.AddError("edges[1]", IssueDanglingEdge, "dangling")
	assert.Contains(t, Message(r.ToError()), "2 errors")
}

func TestFlowError_Chain(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewErrorf(ErrCodeService, "call %s", "weather").WithNode("s1").WithCause(cause)

	assert.Equal(t, "[SERVICE_ERROR] node s1: call weather", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrCodeService, ErrorCode(err))
	assert.Equal(t, "", ErrorCode(cause))
	assert.Equal(t, "connection refused", Message(cause))
}

func TestNodeType_Normalize(t *testing.T) {
	assert.Equal(t, NodeTypeService, NodeTypeMCPServer.Normalize())
	assert.True(t, NodeTypeMCPServer.Known())
	assert.False(t, NodeType("loop").Known())
}

func TestNewNodeID_Unique(t *testing.T) {
	a := NewNodeID(NodeTypeMCPServer)
	b := NewNodeID(NodeTypeMCPServer)
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^service_[0-9a-f]{32}$`, a)
}
