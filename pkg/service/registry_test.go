// pkg/service/registry_test.go
package service

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventLog records lifecycle events across services.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) index(e string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, got := range l.events {
		if got == e {
			return i
		}
	}
	return -1
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

type fakeService struct {
	name      string
	deps      []string
	log       *eventLog
	startErr  error
	unhealthy bool
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Start(ctx context.Context) error {
	s.log.add("start:" + s.name)
	return s.startErr
}

func (s *fakeService) Stop(ctx context.Context) error {
	s.log.add("stop:" + s.name)
	return nil
}

func (s *fakeService) Status() Status { return StatusRunning }

func (s *fakeService) Health() error {
	if s.unhealthy {
		return fmt.Errorf("service %s is unhealthy", s.name)
	}
	return nil
}

func (s *fakeService) Dependencies() []string { return s.deps }

func testRegistry() *Registry {
	return NewRegistry(log.New(io.Discard, "", 0))
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	r := testRegistry()
	l := &eventLog{}

	require.NoError(t, r.Register(&fakeService{name: "core", log: l}))
	err := r.Register(&fakeService{name: "core", log: l})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistryGet(t *testing.T) {
	r := testRegistry()
	l := &eventLog{}

	svc := &fakeService{name: "core", log: l}
	require.NoError(t, r.Register(svc))

	got, err := r.Get("core")
	require.NoError(t, err)
	assert.Equal(t, svc, got)

	_, err = r.Get("ghost")
	require.Error(t, err)
}

func TestRegistryStartStopOrder(t *testing.T) {
	r := testRegistry()
	l := &eventLog{}

	require.NoError(t, r.Register(&fakeService{name: "store", log: l}))
	require.NoError(t, r.Register(&fakeService{name: "core", deps: []string{"store"}, log: l}))
	require.NoError(t, r.Register(&fakeService{name: "api", deps: []string{"core"}, log: l}))

	require.NoError(t, r.StartAll(context.Background()))
	assert.Less(t, l.index("start:store"), l.index("start:core"))
	assert.Less(t, l.index("start:core"), l.index("start:api"))

	require.NoError(t, r.StopAll(context.Background()))
	assert.Less(t, l.index("stop:api"), l.index("stop:core"))
	assert.Less(t, l.index("stop:core"), l.index("stop:store"))
}

func TestRegistryDetectsDependencyCycle(t *testing.T) {
	r := testRegistry()
	l := &eventLog{}

	require.NoError(t, r.Register(&fakeService{name: "a", deps: []string{"b"}, log: l}))
	require.NoError(t, r.Register(&fakeService{name: "b", deps: []string{"a"}, log: l}))

	err := r.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle")
	assert.Empty(t, l.all())
}

func TestRegistryStartFailureAborts(t *testing.T) {
	r := testRegistry()
	l := &eventLog{}

	require.NoError(t, r.Register(&fakeService{name: "store", log: l}))
	require.NoError(t, r.Register(&fakeService{
		name:     "core",
		deps:     []string{"store"},
		log:      l,
		startErr: fmt.Errorf("port in use"),
	}))
	require.NoError(t, r.Register(&fakeService{name: "api", deps: []string{"core"}, log: l}))

	err := r.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start service core")
	assert.Equal(t, -1, l.index("start:api"))
}

func TestRegistryIgnoresExternalDependencies(t *testing.T) {
	r := testRegistry()
	l := &eventLog{}

	require.NoError(t, r.Register(&fakeService{name: "core", deps: []string{"redis"}, log: l}))
	require.NoError(t, r.StartAll(context.Background()))
	assert.Equal(t, []string{"start:core"}, l.all())
}

func TestRegistryHealthCheck(t *testing.T) {
	r := testRegistry()
	l := &eventLog{}

	require.NoError(t, r.Register(&fakeService{name: "core", log: l}))
	require.NoError(t, r.Register(&fakeService{name: "store", log: l, unhealthy: true}))

	results := r.HealthCheck()
	require.Len(t, results, 2)
	assert.NoError(t, results["core"])
	assert.Error(t, results["store"])
}

func TestRegistryStartHonorsCancellation(t *testing.T) {
	r := testRegistry()
	l := &eventLog{}

	require.NoError(t, r.Register(&fakeService{name: "core", log: l, unhealthy: true}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.StartAll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
