package reload

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonicinput/internal/config"
	"sonicinput/internal/registry"
)

// fakeService is a scriptable Reloadable.
type fakeService struct {
	name        string
	configDeps  []string
	serviceDeps []string
	strategy    Strategy
	canReload   bool
	blockReason string

	prepareErr error
	commitErr  error

	prepared   bool
	committed  bool
	rolledBack bool
	rollbackIn any

	seenConfig map[string]any
	log        *[]string
}

func (f *fakeService) ConfigDependencies() []string  { return f.configDeps }
func (f *fakeService) ServiceDependencies() []string { return f.serviceDeps }
func (f *fakeService) ChooseStrategy(*config.Diff) Strategy {
	return f.strategy
}
func (f *fakeService) CanReloadNow() (bool, string) { return f.canReload, f.blockReason }

func (f *fakeService) Prepare(diff *config.Diff) (any, error) {
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	f.prepared = true
	f.record("prepare")
	return f.name + "-rollback", nil
}

func (f *fakeService) Commit(diff *config.Diff) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = true
	f.seenConfig = diff.New
	f.record("commit")
	return nil
}

func (f *fakeService) Rollback(data any) bool {
	f.rolledBack = true
	f.rollbackIn = data
	f.seenConfig = nil
	f.record("rollback")
	return true
}

func (f *fakeService) record(op string) {
	if f.log != nil {
		*f.log = append(*f.log, f.name+"."+op)
	}
}

type captureBus struct {
	events []string
	last   map[string]map[string]any
}

func (b *captureBus) Emit(name string, payload any) {
	b.events = append(b.events, name)
	if m, ok := payload.(map[string]any); ok {
		if b.last == nil {
			b.last = map[string]map[string]any{}
		}
		b.last[name] = m
	}
}

func newDiff(keys ...string) *config.Diff {
	changed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		changed[k] = struct{}{}
	}
	return &config.Diff{
		ChangedKeys: changed,
		Old:         map[string]any{"state": "old"},
		New:         map[string]any{"state": "new"},
		Timestamp:   time.Now(),
	}
}

func TestUnaffectedServicesUntouched(t *testing.T) {
	bus := &captureBus{}
	c := NewCoordinator(registry.New(), bus)
	s := &fakeService{name: "audio", configDeps: []string{"audio"}, canReload: true}
	c.RegisterService("audio", s)

	require.NoError(t, c.HandleConfigChange(newDiff("ai.model")))
	assert.False(t, s.prepared)
	assert.Empty(t, bus.events)
}

func TestDependencyOrderingAcrossStages(t *testing.T) {
	// A service is never prepared or committed before its dependency.
	var log []string
	bus := &captureBus{}
	c := NewCoordinator(registry.New(), bus)
	a := &fakeService{name: "A", configDeps: []string{"transcription"}, canReload: true, log: &log}
	b := &fakeService{name: "B", configDeps: []string{"transcription"}, serviceDeps: []string{"A"}, canReload: true, log: &log}
	c.RegisterService("A", a)
	c.RegisterService("B", b)

	require.NoError(t, c.HandleConfigChange(newDiff("transcription.provider")))
	assert.Equal(t, []string{"A.prepare", "B.prepare", "A.commit", "B.commit"}, log)
}

func TestGateAbortsWithRestartRequired(t *testing.T) {
	bus := &captureBus{}
	c := NewCoordinator(registry.New(), bus)
	busy := &fakeService{name: "rec", configDeps: []string{"audio"}, canReload: false, blockReason: "recording in progress"}
	c.RegisterService("rec", busy)

	err := c.HandleConfigChange(newDiff("audio.device_id"))
	require.Error(t, err)
	assert.False(t, busy.prepared)
	assert.Contains(t, bus.events, EventRestartRequired)
	payload := bus.last[EventRestartRequired]
	assert.Equal(t, []string{"rec"}, payload["services"])
	assert.Equal(t, []string{"recording in progress"}, payload["reasons"])
}

func TestPrepareFailureRollsBackPrepared(t *testing.T) {
	var log []string
	bus := &captureBus{}
	c := NewCoordinator(registry.New(), bus)
	ok1 := &fakeService{name: "S1", configDeps: []string{"ai"}, canReload: true, log: &log}
	ok2 := &fakeService{name: "S2", configDeps: []string{"ai"}, serviceDeps: []string{"S1"}, canReload: true, log: &log}
	bad := &fakeService{name: "S3", configDeps: []string{"ai"}, serviceDeps: []string{"S2"}, canReload: true, log: &log,
		prepareErr: errors.New("validation failed")}
	c.RegisterService("S1", ok1)
	c.RegisterService("S2", ok2)
	c.RegisterService("S3", bad)

	err := c.HandleConfigChange(newDiff("ai.model"))
	require.Error(t, err)
	// Rollback in reverse preparation order, nothing committed.
	assert.Equal(t, []string{"S1.prepare", "S2.prepare", "S2.rollback", "S1.rollback"}, log)
	assert.False(t, ok1.committed)
	assert.Equal(t, "S1-rollback", ok1.rollbackIn)
}

func TestCommitFailureRollsBackCommittedOnly(t *testing.T) {
	// S1 committed, S2's commit fails. S1 is rolled back
	// with its own rollback data, S2 is not rolled back.
	bus := &captureBus{}
	c := NewCoordinator(registry.New(), bus)
	s1 := &fakeService{name: "S1", configDeps: []string{"ai"}, canReload: true}
	s2 := &fakeService{name: "S2", configDeps: []string{"ai"}, serviceDeps: []string{"S1"}, canReload: true,
		commitErr: errors.New("backend unreachable")}
	c.RegisterService("S1", s1)
	c.RegisterService("S2", s2)

	err := c.HandleConfigChange(newDiff("ai.base_url"))
	require.Error(t, err)

	assert.True(t, s1.rolledBack)
	assert.Equal(t, "S1-rollback", s1.rollbackIn)
	assert.False(t, s2.rolledBack)

	// No service is left observing the new config.
	assert.Nil(t, s1.seenConfig)
	assert.Nil(t, s2.seenConfig)

	assert.Contains(t, bus.events, EventFailed)
	payload := bus.last[EventFailed]
	assert.Equal(t, "S2", payload["service"])
	assert.Equal(t, "commit", payload["phase"])
}

func TestSuccessAllServicesSeeNewConfig(t *testing.T) {
	bus := &captureBus{}
	c := NewCoordinator(registry.New(), bus)
	s1 := &fakeService{name: "S1", configDeps: []string{"ai"}, canReload: true}
	s2 := &fakeService{name: "S2", configDeps: []string{"ai"}, canReload: true}
	c.RegisterService("S1", s1)
	c.RegisterService("S2", s2)

	require.NoError(t, c.HandleConfigChange(newDiff("ai.prompt")))
	assert.Equal(t, map[string]any{"state": "new"}, s1.seenConfig)
	assert.Equal(t, map[string]any{"state": "new"}, s2.seenConfig)
	assert.Contains(t, bus.events, EventSucceeded)
	assert.Contains(t, bus.events, EventStageDone)
}

func TestCycleDetection(t *testing.T) {
	// A cycle among the affected set fails with the cycle path reported.
	bus := &captureBus{}
	c := NewCoordinator(registry.New(), bus)
	a := &fakeService{name: "A", configDeps: []string{"x"}, serviceDeps: []string{"B"}, canReload: true}
	b := &fakeService{name: "B", configDeps: []string{"x"}, serviceDeps: []string{"A"}, canReload: true}
	c.RegisterService("A", a)
	c.RegisterService("B", b)

	err := c.HandleConfigChange(newDiff("x"))
	require.Error(t, err)
	var cyc *CyclicDependencyError
	require.ErrorAs(t, err, &cyc)
	assert.GreaterOrEqual(t, len(cyc.Path), 3)
	assert.Equal(t, cyc.Path[0], cyc.Path[len(cyc.Path)-1], "path should name a closed cycle")
}

// recreatable carries a config value so the test can observe which config
// generation an instance was built from.
type recreatable struct {
	fakeService
	builtFrom string
	released  bool
}

func (r *recreatable) Release() { r.released = true }

func TestRecreateStrategy(t *testing.T) {
	// C in stage 0, S (RECREATE strategy, depends on C) in stage 1.
	// After success the registry holds a fresh S whose factory saw the new
	// config, and the old instance's release hook ran.
	reg := registry.New()
	bus := &captureBus{}
	c := NewCoordinator(reg, bus)

	currentProvider := "old-provider"
	reg.Register("S", registry.Singleton, func(registry.Resolver) (any, error) {
		inst := &recreatable{builtFrom: currentProvider}
		inst.name = "S"
		inst.configDeps = []string{"transcription.provider"}
		inst.serviceDeps = []string{"C"}
		inst.strategy = Recreate
		inst.canReload = true
		return inst, nil
	})

	first, err := reg.Resolve("S")
	require.NoError(t, err)
	oldInst := first.(*recreatable)

	depC := &fakeService{name: "C", configDeps: []string{"transcription.provider"}, canReload: true}
	c.RegisterService("C", depC)
	c.RegisterService("S", oldInst)

	currentProvider = "new-provider"
	require.NoError(t, c.HandleConfigChange(newDiff("transcription.provider")))

	now, err := reg.Resolve("S")
	require.NoError(t, err)
	fresh := now.(*recreatable)

	assert.NotSame(t, oldInst, fresh)
	assert.True(t, oldInst.released, "old instance release hook must run")
	assert.Equal(t, "new-provider", fresh.builtFrom)
	assert.True(t, depC.committed, "dependency C commits in stage 0")
}
