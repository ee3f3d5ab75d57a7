package infra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu       sync.Mutex
	upOrder  []string
	upInputs map[string]StageInputs
	destroys []string
	counts   map[string]int
	upErr    map[string]error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		upInputs: map[string]StageInputs{},
		counts:   map[string]int{},
		upErr:    map[string]error{},
	}
}

func (f *fakeClient) Up(_ context.Context, stage Stage, in StageInputs) (Outputs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.upErr[stage.Name]; err != nil {
		return nil, err
	}
	f.upOrder = append(f.upOrder, stage.Name)
	f.upInputs[stage.Name] = in
	return Outputs{"appliedBy": stage.Name}, nil
}

func (f *fakeClient) Preview(context.Context, Stage, StageInputs) error { return nil }

func (f *fakeClient) Destroy(_ context.Context, stage Stage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys = append(f.destroys, stage.Name)
	return nil
}

func (f *fakeClient) Outputs(_ context.Context, stage Stage) (Outputs, error) {
	return Outputs{"appliedBy": stage.Name}, nil
}

func (f *fakeClient) ResourceCount(_ context.Context, stage Stage) (int, error) {
	return f.counts[stage.Name], nil
}

func (f *fakeClient) position(name string) int {
	for i, n := range f.upOrder {
		if n == name {
			return i
		}
	}
	return -1
}

func TestStageDeclarationsAreValid(t *testing.T) {
	require.NoError(t, validateStages(Stages()))
}

func TestStageLevels(t *testing.T) {
	levels := stageLevels(Stages())
	require.Len(t, levels, 3)

	names := func(level []Stage) []string {
		out := make([]string, len(level))
		for i, st := range level {
			out[i] = st.Name
		}
		return out
	}
	assert.Equal(t, []string{stageNetwork}, names(levels[0]))
	assert.Equal(t, []string{stageRouting}, names(levels[1]))
	assert.Equal(t, []string{stageCompute, stageService}, names(levels[2]))
}

func TestValidateStagesRejectsMalformedDeclarations(t *testing.T) {
	err := validateStages([]Stage{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not declared before")

	err = validateStages([]Stage{{Name: "a"}, {Name: "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	err = validateStages([]Stage{{Name: "a", DependsOn: []string{"a"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "itself")
}

func TestDependentsOf(t *testing.T) {
	assert.Equal(t, []string{stageCompute, stageRouting, stageService},
		dependentsOf(Stages(), stageNetwork))
	assert.Equal(t, []string{stageCompute, stageService},
		dependentsOf(Stages(), stageRouting))
	assert.Empty(t, dependentsOf(Stages(), stageCompute))
	assert.Empty(t, dependentsOf(Stages(), stageService))
}

func TestUpAppliesInDependencyOrder(t *testing.T) {
	client := newFakeClient()
	o, err := newOrchestrator(DefaultConfig(), Stages(), client)
	require.NoError(t, err)

	results, err := o.Up(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Less(t, client.position(stageNetwork), client.position(stageRouting))
	assert.Less(t, client.position(stageRouting), client.position(stageCompute))
	assert.Less(t, client.position(stageRouting), client.position(stageService))
}

func TestUpFiltersInputsToDeclaredDependencies(t *testing.T) {
	client := newFakeClient()
	o, err := newOrchestrator(DefaultConfig(), Stages(), client)
	require.NoError(t, err)

	_, err = o.Up(context.Background())
	require.NoError(t, err)

	assert.Empty(t, client.upInputs[stageNetwork])

	routing := client.upInputs[stageRouting]
	assert.Contains(t, routing, stageNetwork)
	assert.NotContains(t, routing, stageCompute)
	assert.NotContains(t, routing, stageService)

	service := client.upInputs[stageService]
	assert.Contains(t, service, stageNetwork)
	assert.Contains(t, service, stageRouting)
	assert.NotContains(t, service, stageCompute)

	_, err = service.From(stageCompute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a declared dependency")
}

func TestUpWideLevelSharesDependencyOutputs(t *testing.T) {
	// A wide level whose stages all read the same root dependency. Inputs
	// for a level are captured before any stage in it starts applying, so
	// the parallel applies never touch the accumulating result map.
	stages := []Stage{{Name: "base"}}
	for i := 0; i < 9; i++ {
		stages = append(stages, Stage{
			Name:      fmt.Sprintf("leaf-%d", i),
			DependsOn: []string{"base"},
		})
	}
	client := newFakeClient()
	o, err := newOrchestrator(DefaultConfig(), stages, client)
	require.NoError(t, err)

	results, err := o.Up(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 10)

	for i := 0; i < 9; i++ {
		in := client.upInputs[fmt.Sprintf("leaf-%d", i)]
		base, err := in.From("base")
		require.NoError(t, err)
		applied, err := base.String("appliedBy")
		require.NoError(t, err)
		assert.Equal(t, "base", applied)
	}
}

func TestUpStopsAtFailingLevel(t *testing.T) {
	client := newFakeClient()
	client.upErr[stageRouting] = errors.New("boom")
	o, err := newOrchestrator(DefaultConfig(), Stages(), client)
	require.NoError(t, err)

	_, err = o.Up(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage routing")

	// The network stage was applied and stays; nothing past the failure ran.
	assert.Equal(t, []string{stageNetwork}, client.upOrder)
}

func TestDestroyRunsInReverseOrder(t *testing.T) {
	client := newFakeClient()
	o, err := newOrchestrator(DefaultConfig(), Stages(), client)
	require.NoError(t, err)

	require.NoError(t, o.Destroy(context.Background()))
	require.Len(t, client.destroys, 4)

	pos := func(name string) int {
		for i, n := range client.destroys {
			if n == name {
				return i
			}
		}
		return -1
	}
	assert.Less(t, pos(stageCompute), pos(stageRouting))
	assert.Less(t, pos(stageService), pos(stageRouting))
	assert.Less(t, pos(stageRouting), pos(stageNetwork))
}

func TestDestroyStageFailsFastWithLiveDependents(t *testing.T) {
	client := newFakeClient()
	client.counts[stageCompute] = 3
	o, err := newOrchestrator(DefaultConfig(), Stages(), client)
	require.NoError(t, err)

	err = o.DestroyStage(context.Background(), stageRouting)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependent stage")
	assert.Contains(t, err.Error(), stageCompute)
	assert.Empty(t, client.destroys)
}

func TestDestroyStageSucceedsWhenDependentsAreEmpty(t *testing.T) {
	client := newFakeClient()
	o, err := newOrchestrator(DefaultConfig(), Stages(), client)
	require.NoError(t, err)

	require.NoError(t, o.DestroyStage(context.Background(), stageRouting))
	assert.Equal(t, []string{stageRouting}, client.destroys)
}

func TestDestroyStageUnknownStage(t *testing.T) {
	client := newFakeClient()
	o, err := newOrchestrator(DefaultConfig(), Stages(), client)
	require.NoError(t, err)

	err = o.DestroyStage(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")
}

func TestNewOrchestratorRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VpcCidr = "bogus"
	_, err := newOrchestrator(cfg, Stages(), newFakeClient())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestOutputAccessors(t *testing.T) {
	o := Outputs{
		"name":    "alpha",
		"subnets": []interface{}{"subnet-1", "subnet-2"},
		"count":   float64(2),
	}

	s, err := o.String("name")
	require.NoError(t, err)
	assert.Equal(t, "alpha", s)

	_, err = o.String("missing")
	require.Error(t, err)

	_, err = o.String("count")
	require.Error(t, err)

	ss, err := o.StringSlice("subnets")
	require.NoError(t, err)
	assert.Equal(t, []string{"subnet-1", "subnet-2"}, ss)

	_, err = o.StringSlice("name")
	require.Error(t, err)
}
