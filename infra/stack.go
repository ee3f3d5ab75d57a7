package infra

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/pulumi/pulumi/sdk/v3/go/auto"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optdestroy"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optrefresh"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optup"
	"github.com/pulumi/pulumi/sdk/v3/go/common/tokens"
	"github.com/pulumi/pulumi/sdk/v3/go/common/workspace"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"golang.org/x/sync/errgroup"
)

const projectName = "vllm-openwebui"

// Stage names. Apply order is by dependency level: network, then routing,
// then compute and service in parallel.
const (
	stageNetwork = "network"
	stageRouting = "routing"
	stageCompute = "compute"
	stageService = "service"
)

// Stage is one dependency-ordered unit of the deployment. A stage may only
// depend on stages declared before it, and may only read its dependencies'
// exported outputs.
type Stage struct {
	Name      string
	DependsOn []string
	Program   func(cfg *Config, in StageInputs) pulumi.RunFunc
}

func Stages() []Stage {
	return []Stage{
		{
			Name: stageNetwork,
			Program: func(cfg *Config, _ StageInputs) pulumi.RunFunc {
				return defineNetwork(cfg)
			},
		},
		{
			Name:      stageRouting,
			DependsOn: []string{stageNetwork},
			Program:   defineRouting,
		},
		{
			Name:      stageCompute,
			DependsOn: []string{stageNetwork, stageRouting},
			Program:   defineCompute,
		},
		{
			Name:      stageService,
			DependsOn: []string{stageNetwork, stageRouting},
			Program:   defineService,
		},
	}
}

// validateStages rejects malformed stage declarations at construction time:
// duplicate names, and dependencies on stages not declared earlier.
func validateStages(stages []Stage) error {
	declared := map[string]bool{}
	for _, st := range stages {
		if st.Name == "" {
			return fmt.Errorf("stage with empty name")
		}
		if declared[st.Name] {
			return fmt.Errorf("duplicate stage %q", st.Name)
		}
		for _, dep := range st.DependsOn {
			if dep == st.Name {
				return fmt.Errorf("stage %q depends on itself", st.Name)
			}
			if !declared[dep] {
				return fmt.Errorf("stage %q depends on %q, which is not declared before it", st.Name, dep)
			}
		}
		declared[st.Name] = true
	}
	return nil
}

// stageLevels groups stages into apply levels: a stage's level is one past
// the deepest of its dependencies. Stages within a level are independent and
// may be applied in parallel.
func stageLevels(stages []Stage) [][]Stage {
	level := map[string]int{}
	var levels [][]Stage
	for _, st := range stages {
		l := 0
		for _, dep := range st.DependsOn {
			if level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		level[st.Name] = l
		for len(levels) <= l {
			levels = append(levels, nil)
		}
		levels[l] = append(levels[l], st)
	}
	return levels
}

// dependentsOf returns the names of all stages that depend, directly or
// transitively, on the named stage, sorted for stable error messages.
func dependentsOf(stages []Stage, name string) []string {
	dependent := map[string]bool{name: true}
	for _, st := range stages {
		for _, dep := range st.DependsOn {
			if dependent[dep] {
				dependent[st.Name] = true
				break
			}
		}
	}
	delete(dependent, name)
	out := make([]string, 0, len(dependent))
	for n := range dependent {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// stackClient is the engine surface the orchestrator drives. Production use
// goes through the Pulumi Automation API; tests substitute a fake.
type stackClient interface {
	Up(ctx context.Context, stage Stage, in StageInputs) (Outputs, error)
	Preview(ctx context.Context, stage Stage, in StageInputs) error
	Destroy(ctx context.Context, stage Stage) error
	Outputs(ctx context.Context, stage Stage) (Outputs, error)
	ResourceCount(ctx context.Context, stage Stage) (int, error)
}

// Orchestrator sequences the stages into a dependency-ordered apply and a
// reverse-ordered teardown. It has no business logic of its own beyond
// ordering and output propagation.
type Orchestrator struct {
	cfg    *Config
	stages []Stage
	client stackClient
}

func NewOrchestrator(cfg *Config, stateDir string) (*Orchestrator, error) {
	return newOrchestrator(cfg, Stages(), &autoClient{cfg: cfg, stateDir: stateDir})
}

func newOrchestrator(cfg *Config, stages []Stage, client stackClient) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := validateStages(stages); err != nil {
		return nil, fmt.Errorf("invalid stage declarations: %w", err)
	}
	return &Orchestrator{cfg: cfg, stages: stages, client: client}, nil
}

// Up applies all stages level by level, stages within a level in parallel.
// A failing stage aborts its level; earlier stages stay intact.
func (o *Orchestrator) Up(ctx context.Context) (map[string]Outputs, error) {
	results := map[string]Outputs{}
	var mu sync.Mutex
	for _, level := range stageLevels(o.stages) {
		// Capture every stage's inputs before any of the level starts
		// applying; the goroutines below write results concurrently.
		inputs := make(map[string]StageInputs, len(level))
		for _, st := range level {
			inputs[st.Name] = o.inputsFor(st, results)
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, st := range level {
			st := st
			in := inputs[st.Name]
			g.Go(func() error {
				log.Printf("[infra] applying stage %s...", st.Name)
				out, err := o.client.Up(gctx, st, in)
				if err != nil {
					return fmt.Errorf("stage %s: %w", st.Name, err)
				}
				mu.Lock()
				results[st.Name] = out
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// Preview shows what each stage would change. Later stages need the outputs
// of applied dependencies; previewing them before those exist is an error.
func (o *Orchestrator) Preview(ctx context.Context) error {
	results := map[string]Outputs{}
	for _, st := range o.stages {
		for _, dep := range st.DependsOn {
			if _, ok := results[dep]; ok {
				continue
			}
			out, err := o.client.Outputs(ctx, o.stage(dep))
			if err != nil || len(out) == 0 {
				return fmt.Errorf("stage %s requires outputs of %s; apply it first", st.Name, dep)
			}
			results[dep] = out
		}
		log.Printf("[infra] previewing stage %s...", st.Name)
		if err := o.client.Preview(ctx, st, o.inputsFor(st, results)); err != nil {
			return fmt.Errorf("stage %s: %w", st.Name, err)
		}
	}
	return nil
}

// Destroy tears down all stages in reverse dependency order.
func (o *Orchestrator) Destroy(ctx context.Context) error {
	levels := stageLevels(o.stages)
	for i := len(levels) - 1; i >= 0; i-- {
		g, gctx := errgroup.WithContext(ctx)
		for _, st := range levels[i] {
			st := st
			g.Go(func() error {
				log.Printf("[infra] destroying stage %s...", st.Name)
				if err := o.client.Destroy(gctx, st); err != nil {
					return fmt.Errorf("stage %s: %w", st.Name, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// DestroyStage tears down a single stage. If any dependent stage still holds
// resources this fails fast rather than orphaning attachments into a
// resource scheduled for removal.
func (o *Orchestrator) DestroyStage(ctx context.Context, name string) error {
	st := o.stage(name)
	if st.Name == "" {
		return fmt.Errorf("unknown stage %q", name)
	}
	for _, dep := range dependentsOf(o.stages, name) {
		n, err := o.client.ResourceCount(ctx, o.stage(dep))
		if err != nil {
			return fmt.Errorf("checking stage %s: %w", dep, err)
		}
		if n > 0 {
			return fmt.Errorf("cannot destroy stage %q: dependent stage %q still holds %d resources", name, dep, n)
		}
	}
	log.Printf("[infra] destroying stage %s...", name)
	return o.client.Destroy(ctx, st)
}

// Outputs returns the exported outputs of every applied stage, with secret
// values redacted.
func (o *Orchestrator) Outputs(ctx context.Context) (map[string]Outputs, error) {
	results := map[string]Outputs{}
	for _, st := range o.stages {
		out, err := o.client.Outputs(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", st.Name, err)
		}
		if len(out) > 0 {
			results[st.Name] = out
		}
	}
	return results, nil
}

func (o *Orchestrator) stage(name string) Stage {
	for _, st := range o.stages {
		if st.Name == name {
			return st
		}
	}
	return Stage{}
}

// inputsFor filters the accumulated outputs down to the stage's declared
// dependencies: the only channel through which it may reference earlier
// stages.
func (o *Orchestrator) inputsFor(st Stage, results map[string]Outputs) StageInputs {
	in := StageInputs{}
	for _, dep := range st.DependsOn {
		if out, ok := results[dep]; ok {
			in[dep] = out
		}
	}
	return in
}

// autoClient drives stages through the Pulumi Automation API with a local
// file backend.
type autoClient struct {
	cfg      *Config
	stateDir string
}

func (c *autoClient) stack(ctx context.Context, stage Stage, program pulumi.RunFunc) (auto.Stack, error) {
	if err := os.MkdirAll(c.stateDir, 0700); err != nil {
		return auto.Stack{}, fmt.Errorf("failed to create state dir: %w", err)
	}

	project := workspace.Project{
		Name:    tokens.PackageName(projectName),
		Runtime: workspace.NewProjectRuntimeInfo("go", nil),
		Backend: &workspace.ProjectBackend{URL: "file://" + c.stateDir},
	}
	envVars := map[string]string{
		"PULUMI_CONFIG_PASSPHRASE": "", // no encryption for local state
	}

	s, err := auto.UpsertStackInlineSource(ctx, stage.Name, projectName, program,
		auto.EnvVars(envVars),
		auto.Project(project),
	)
	if err != nil {
		return auto.Stack{}, fmt.Errorf("failed to create/select stack %s: %w", stage.Name, err)
	}
	if err := s.SetConfig(ctx, "aws:region", auto.ConfigValue{Value: c.cfg.Region}); err != nil {
		return auto.Stack{}, fmt.Errorf("failed to set region on stack %s: %w", stage.Name, err)
	}
	return s, nil
}

// refresh syncs state with the cloud before mutating, when the stack already
// tracks resources.
func (c *autoClient) refresh(ctx context.Context, s auto.Stack) {
	info, err := s.Info(ctx)
	if err != nil || info.ResourceCount == nil || *info.ResourceCount == 0 {
		return
	}
	log.Printf("[infra] refreshing state from cloud (%d resources)...", *info.ResourceCount)
	if _, err := s.Refresh(ctx, optrefresh.ProgressStreams(os.Stdout)); err != nil {
		log.Printf("[infra] refresh warning: %v", err)
	}
}

func (c *autoClient) Up(ctx context.Context, stage Stage, in StageInputs) (Outputs, error) {
	s, err := c.stack(ctx, stage, stage.Program(c.cfg, in))
	if err != nil {
		return nil, err
	}
	c.refresh(ctx, s)
	result, err := s.Up(ctx, optup.ProgressStreams(os.Stdout))
	if err != nil {
		return nil, fmt.Errorf("pulumi up failed: %w", err)
	}
	if result.Summary.ResourceChanges != nil {
		rc := *result.Summary.ResourceChanges
		log.Printf("[infra] stage %s: %d created, %d updated, %d unchanged",
			stage.Name, rc["create"], rc["update"], rc["same"])
	}
	return toOutputs(result.Outputs), nil
}

func (c *autoClient) Preview(ctx context.Context, stage Stage, in StageInputs) error {
	s, err := c.stack(ctx, stage, stage.Program(c.cfg, in))
	if err != nil {
		return err
	}
	c.refresh(ctx, s)
	result, err := s.Preview(ctx)
	if err != nil {
		return fmt.Errorf("pulumi preview failed: %w", err)
	}
	log.Printf("[infra] stage %s: %d to create, %d to update, %d to delete, %d unchanged",
		stage.Name,
		result.ChangeSummary["create"],
		result.ChangeSummary["update"],
		result.ChangeSummary["delete"],
		result.ChangeSummary["same"])
	return nil
}

func (c *autoClient) Destroy(ctx context.Context, stage Stage) error {
	s, err := c.stack(ctx, stage, noopProgram)
	if err != nil {
		return err
	}
	c.refresh(ctx, s)
	result, err := s.Destroy(ctx, optdestroy.ProgressStreams(os.Stdout))
	if err != nil {
		return fmt.Errorf("pulumi destroy failed: %w", err)
	}
	if result.Summary.ResourceChanges != nil {
		rc := *result.Summary.ResourceChanges
		log.Printf("[infra] stage %s: %d deleted", stage.Name, rc["delete"])
	}
	return nil
}

func (c *autoClient) Outputs(ctx context.Context, stage Stage) (Outputs, error) {
	s, err := c.stack(ctx, stage, noopProgram)
	if err != nil {
		return nil, err
	}
	m, err := s.Outputs(ctx)
	if err != nil {
		return nil, err
	}
	out := make(Outputs, len(m))
	for k, v := range m {
		if v.Secret {
			out[k] = "[secret]"
			continue
		}
		out[k] = v.Value
	}
	return out, nil
}

func (c *autoClient) ResourceCount(ctx context.Context, stage Stage) (int, error) {
	s, err := c.stack(ctx, stage, noopProgram)
	if err != nil {
		return 0, err
	}
	info, err := s.Info(ctx)
	if err != nil {
		return 0, err
	}
	if info.ResourceCount == nil {
		return 0, nil
	}
	return *info.ResourceCount, nil
}

func noopProgram(*pulumi.Context) error { return nil }
