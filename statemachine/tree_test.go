package statemachine_test

import (
	"testing"

	"github.com/corverroos/vrengine/statemachine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreeCreateAndGet(t *testing.T) {
	tr := statemachine.NewTree()

	res := tr.Apply(statemachine.TreeOp{Kind: "CREATE", Path: "/a/b", Data: "v1"}).(statemachine.TreeResult)
	require.Empty(t, res.Err)
	assert.Equal(t, "v1", res.Data)
	assert.Equal(t, uint64(1), res.Version)

	got := tr.Apply(statemachine.TreeOp{Kind: "GET", Path: "/a/b"}).(statemachine.TreeResult)
	assert.Equal(t, "v1", got.Data)
}

func TestTreeSetBumpsVersion(t *testing.T) {
	tr := statemachine.NewTree()
	tr.Apply(statemachine.TreeOp{Kind: "CREATE", Path: "/x", Data: "1"})

	res := tr.Apply(statemachine.TreeOp{Kind: "SET", Path: "/x", Data: "2"}).(statemachine.TreeResult)
	assert.Equal(t, "2", res.Data)
	assert.Equal(t, uint64(2), res.Version)
}

func TestTreeGetMissingNodeErrors(t *testing.T) {
	tr := statemachine.NewTree()
	res := tr.Apply(statemachine.TreeOp{Kind: "GET", Path: "/nope"}).(statemachine.TreeResult)
	assert.NotEmpty(t, res.Err)
}

func TestTreeChildrenListsDirectDescendants(t *testing.T) {
	tr := statemachine.NewTree()
	tr.Apply(statemachine.TreeOp{Kind: "CREATE", Path: "/a/b", Data: ""})
	tr.Apply(statemachine.TreeOp{Kind: "CREATE", Path: "/a/c", Data: ""})

	res := tr.Apply(statemachine.TreeOp{Kind: "CHILDREN", Path: "/a"}).(statemachine.TreeResult)
	assert.ElementsMatch(t, []string{"b", "c"}, res.Children)
}

func TestTreeDeleteRemovesNodeButNotRoot(t *testing.T) {
	tr := statemachine.NewTree()
	tr.Apply(statemachine.TreeOp{Kind: "CREATE", Path: "/a", Data: ""})

	res := tr.Apply(statemachine.TreeOp{Kind: "DELETE", Path: "/a"}).(statemachine.TreeResult)
	assert.Empty(t, res.Err)

	res = tr.Apply(statemachine.TreeOp{Kind: "GET", Path: "/a"}).(statemachine.TreeResult)
	assert.NotEmpty(t, res.Err)

	res = tr.Apply(statemachine.TreeOp{Kind: "DELETE", Path: "/"}).(statemachine.TreeResult)
	assert.NotEmpty(t, res.Err)
}

func TestTreeApplyRejectsUnrecognizedOp(t *testing.T) {
	tr := statemachine.NewTree()
	res := tr.Apply(42).(statemachine.TreeResult)
	assert.NotEmpty(t, res.Err)
}
