package reload

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"sonicinput/internal/config"
	xlog "sonicinput/internal/log"
	"sonicinput/internal/registry"
)

// Event names emitted during a reload.
const (
	EventStarted         = "config.reload.started"
	EventStageDone       = "config.reload.stage_done"
	EventFailed          = "config.reload.failed"
	EventSucceeded       = "config.reload.succeeded"
	EventRestartRequired = "config.reload.restart_required"
)

// Reloadable is implemented by every service that participates in config
// hot-reload.
type Reloadable interface {
	// ConfigDependencies returns the dotted config paths (or path
	// prefixes) this service reads.
	ConfigDependencies() []string
	// ServiceDependencies returns names of services that must reload
	// before this one.
	ServiceDependencies() []string
	// ChooseStrategy inspects the diff and picks how to apply it.
	ChooseStrategy(diff *config.Diff) Strategy
	// CanReloadNow gates the reload; (false, reason) aborts the whole
	// reload with a restart-required event.
	CanReloadNow() (bool, string)
	// Prepare validates the new config and returns rollback data.
	Prepare(diff *config.Diff) (rollback any, err error)
	// Commit applies the new config.
	Commit(diff *config.Diff) error
	// Rollback restores the state captured by Prepare.
	Rollback(rollback any) bool
}

// Emitter is the event bus subset the coordinator needs.
type Emitter interface {
	Emit(name string, payload any)
}

// Coordinator owns the registered reloadable services and executes the
// two-phase protocol.
type Coordinator struct {
	mu       sync.Mutex
	services map[string]Reloadable
	registry *registry.Registry
	emitter  Emitter
	logger   zerolog.Logger
}

// NewCoordinator creates a coordinator bound to the service registry.
func NewCoordinator(reg *registry.Registry, emitter Emitter) *Coordinator {
	return &Coordinator{
		services: make(map[string]Reloadable),
		registry: reg,
		emitter:  emitter,
		logger:   xlog.WithComponent("reload"),
	}
}

// RegisterService adds a reloadable service under its registry name.
func (c *Coordinator) RegisterService(name string, svc Reloadable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[name] = svc
}

type prepared struct {
	name     string
	rollback any
}

// HandleConfigChange plans and executes a reload for diff. After it
// returns, either every affected service observes the new config or every
// one observes the old config.
func (c *Coordinator) HandleConfigChange(diff *config.Diff) error {
	c.mu.Lock()
	services := make(map[string]Reloadable, len(c.services))
	for k, v := range c.services {
		services[k] = v
	}
	c.mu.Unlock()

	// 1. Affected set.
	affected := make(map[string]struct{})
	for name, svc := range services {
		for _, dep := range svc.ConfigDependencies() {
			if diff.Affects(dep) {
				affected[name] = struct{}{}
				break
			}
		}
	}
	if len(affected) == 0 {
		return nil
	}

	// 2. Gate.
	var blocked []string
	var reasons []string
	for name := range affected {
		if ok, reason := services[name].CanReloadNow(); !ok {
			blocked = append(blocked, name)
			reasons = append(reasons, reason)
		}
	}
	if len(blocked) > 0 {
		c.emit(EventRestartRequired, map[string]any{
			"services": blocked,
			"reasons":  reasons,
		})
		return fmt.Errorf("reload blocked, restart required: %v", blocked)
	}

	// 3. Plan.
	deps := make(map[string][]string, len(affected))
	strategies := make(map[string]Strategy, len(affected))
	for name := range affected {
		deps[name] = services[name].ServiceDependencies()
		strategies[name] = services[name].ChooseStrategy(diff)
	}
	stages, err := buildPlan(affected, deps)
	if err != nil {
		c.emit(EventFailed, map[string]any{"phase": "plan", "error": err.Error()})
		return err
	}
	plan := &Plan{Stages: stages, Strategy: strategies, Affected: affected}
	c.emit(EventStarted, map[string]any{"plan": plan.describe(), "keys": diff.Keys()})
	c.logger.Info().Str("plan", plan.describe()).Strs("keys", diff.Keys()).Msg("reload started")

	// 4. Prepare stage-by-stage.
	var preparedList []prepared
	for _, stage := range plan.Stages {
		for _, name := range stage {
			rb, err := services[name].Prepare(diff)
			if err != nil {
				c.logger.Error().Err(err).Str("service", name).Msg("prepare failed")
				c.emit(EventFailed, map[string]any{"service": name, "phase": "prepare", "error": err.Error()})
				c.rollback(services, preparedList)
				return fmt.Errorf("prepare %s: %w", name, err)
			}
			preparedList = append(preparedList, prepared{name: name, rollback: rb})
		}
	}

	// 5. Commit stage-by-stage. A commit failure rolls back only the
	// services that already committed, in reverse order; the failing
	// service did not commit and is not rolled back.
	var committed []prepared
	for stageIdx, stage := range plan.Stages {
		for _, name := range stage {
			if err := c.commitOne(services[name], name, plan.Strategy[name], diff); err != nil {
				c.logger.Error().Err(err).Str("service", name).Msg("commit failed")
				c.emit(EventFailed, map[string]any{"service": name, "phase": "commit", "error": err.Error()})
				c.rollback(services, committed)
				return fmt.Errorf("commit %s: %w", name, err)
			}
			committed = append(committed, findPrepared(preparedList, name))
		}
		c.emit(EventStageDone, map[string]any{"stage_index": stageIdx})
	}

	c.emit(EventSucceeded, map[string]any{"affected": sortedNames(affected)})
	c.logger.Info().Strs("affected", sortedNames(affected)).Msg("reload succeeded")
	return nil
}

func (c *Coordinator) commitOne(svc Reloadable, name string, strategy Strategy, diff *config.Diff) error {
	if strategy == Recreate {
		return c.recreate(name)
	}
	return svc.Commit(diff)
}

// recreate builds a fresh instance from the registry factory, swaps it
// in, and releases the old one. The new instance reads current config on
// construction, so the diff is not threaded through. The new instance
// replaces the service in the coordinator's table when it is itself
// reloadable.
func (c *Coordinator) recreate(name string) error {
	factory, err := c.registry.Factory(name)
	if err != nil {
		return err
	}
	fresh, err := factory(c.registry)
	if err != nil {
		return fmt.Errorf("recreate factory: %w", err)
	}
	old, err := c.registry.Replace(name, fresh)
	if err != nil {
		return err
	}
	if rel, ok := old.(registry.Releasable); ok {
		rel.Release()
	}
	if r, ok := fresh.(Reloadable); ok {
		c.mu.Lock()
		c.services[name] = r
		c.mu.Unlock()
	}
	return nil
}

func (c *Coordinator) rollback(services map[string]Reloadable, done []prepared) {
	for i := len(done) - 1; i >= 0; i-- {
		p := done[i]
		if !services[p.name].Rollback(p.rollback) {
			c.logger.Error().Str("service", p.name).Msg("rollback reported failure")
		}
	}
}

func (c *Coordinator) emit(name string, payload any) {
	if c.emitter != nil {
		c.emitter.Emit(name, payload)
	}
}

func findPrepared(list []prepared, name string) prepared {
	for _, p := range list {
		if p.name == name {
			return p
		}
	}
	return prepared{name: name}
}

func sortedNames(set map[string]struct{}) []string {
	return config.SortedKeys(set)
}
