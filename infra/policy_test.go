package infra

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerimeterPolicyEdges(t *testing.T) {
	g, err := perimeterPolicy("10.0.0.0/16")
	require.NoError(t, err)

	assert.Equal(t, []string{
		GroupInternalALB, GroupPublicALB, GroupCompute, GroupWeb, GroupStorage,
	}, g.Groups())

	ref := func(name string) GroupRef { return GroupRef{Name: name, Network: "vpc"} }

	publicALB := g.Resolve(ref(GroupPublicALB))
	require.Len(t, publicALB, 1)
	assert.Equal(t, Source{Cidr: "0.0.0.0/0"}, publicALB[0].Source)
	assert.Equal(t, 80, publicALB[0].Port)

	internalALB := g.Resolve(ref(GroupInternalALB))
	require.Len(t, internalALB, 1)
	assert.Equal(t, Source{Group: GroupWeb}, internalALB[0].Source)
	assert.Equal(t, 80, internalALB[0].Port)

	compute := g.Resolve(ref(GroupCompute))
	require.Len(t, compute, 1)
	assert.Equal(t, Source{Group: GroupInternalALB}, compute[0].Source)
	assert.Equal(t, 8000, compute[0].Port)

	web := g.Resolve(ref(GroupWeb))
	require.Len(t, web, 2)
	assert.Equal(t, Source{Group: GroupPublicALB}, web[0].Source)
	assert.Equal(t, 80, web[0].Port)
	assert.Equal(t, Source{Group: GroupPublicALB}, web[1].Source)
	assert.Equal(t, 8080, web[1].Port)

	storage := g.Resolve(ref(GroupStorage))
	require.Len(t, storage, 2)
	assert.Equal(t, Source{Group: GroupWeb}, storage[0].Source)
	assert.Equal(t, 2049, storage[0].Port)
	assert.Equal(t, Source{Cidr: "10.0.0.0/16"}, storage[1].Source)
	assert.Equal(t, 2049, storage[1].Port)

	// No edge was declared toward the compute pool from the public side.
	for _, r := range compute {
		assert.NotEqual(t, Source{Group: GroupPublicALB}, r.Source)
	}
}

func TestPolicyGraphUnconnectedGroupDeniesAll(t *testing.T) {
	g := NewPolicyGraph("vpc")
	lonely := g.AddGroup("lonely")
	assert.Empty(t, g.Resolve(lonely))
}

func TestPolicyGraphIdempotentAdd(t *testing.T) {
	g := NewPolicyGraph("vpc")
	a := g.AddGroup("a")
	b := g.AddGroup("b")

	require.NoError(t, g.AllowGroup(a, b, 443, "first"))
	require.NoError(t, g.AllowGroup(a, b, 443, "second"))
	require.NoError(t, g.AllowGroup(a, b, 8443, "different port"))

	rules := g.Resolve(b)
	require.Len(t, rules, 2)
	assert.Equal(t, "first", rules[0].Description)
	assert.Equal(t, 8443, rules[1].Port)
}

func TestPolicyGraphSelfEdge(t *testing.T) {
	g := NewPolicyGraph("vpc")
	a := g.AddGroup("a")

	require.NoError(t, g.AllowGroup(a, a, 7946, "cluster gossip"))
	rules := g.Resolve(a)
	require.Len(t, rules, 1)
	assert.Equal(t, Source{Group: "a"}, rules[0].Source)
}

func TestPolicyGraphCrossNetworkRejected(t *testing.T) {
	g1 := NewPolicyGraph("vpc-one")
	g2 := NewPolicyGraph("vpc-two")
	a := g1.AddGroup("a")
	b := g2.AddGroup("b")

	err := g2.AllowGroup(a, b, 80, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cross-network")

	err = g2.AllowGroup(b, a, 80, "")
	require.Error(t, err)
}

func TestPolicyGraphUnregisteredGroupRejected(t *testing.T) {
	g := NewPolicyGraph("vpc")
	a := g.AddGroup("a")
	ghost := GroupRef{Name: "ghost", Network: "vpc"}

	err := g.AllowGroup(ghost, a, 80, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestPolicyGraphBadCidrRejected(t *testing.T) {
	g := NewPolicyGraph("vpc")
	a := g.AddGroup("a")

	require.Error(t, g.AllowCidr("not-a-cidr", a, 80, ""))
	require.Error(t, g.AllowCidr("10.0.0.0/33", a, 80, ""))
	require.NoError(t, g.AllowCidr("10.0.0.0/16", a, 80, ""))
}

func TestPolicyGraphPortRange(t *testing.T) {
	g := NewPolicyGraph("vpc")
	a := g.AddGroup("a")
	b := g.AddGroup("b")

	require.Error(t, g.AllowGroup(a, b, 0, ""))
	require.Error(t, g.AllowGroup(a, b, 65536, ""))
	require.NoError(t, g.AllowGroup(a, b, 65535, ""))
}

func TestAddGroupIsIdempotent(t *testing.T) {
	g := NewPolicyGraph("vpc")
	first := g.AddGroup("a")
	second := g.AddGroup("a")

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"a"}, g.Groups())
}
