package modules

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lapsproject/laps/internal/broker"
	"github.com/lapsproject/laps/internal/ecode"
	"github.com/lapsproject/laps/internal/logging"
	"github.com/lapsproject/laps/internal/metrics"
)

// Manager is the registry of supervised modules. It routes every
// lifecycle request to the module's supervisor goroutine and spawns
// supervisors for images discovered at boot.
type Manager struct {
	rt       Runtime
	broker   broker.Broker
	failer   JobFailer
	cfg      SupervisorConfig
	metrics  *metrics.Collector
	packager *Packager
	log      *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	sups map[Key]*supervisor
}

// NewManager wires a manager. Call Reconcile before serving requests
// and Close on shutdown.
func NewManager(rt Runtime, b broker.Broker, failer JobFailer, cfg SupervisorConfig, collector *metrics.Collector) *Manager {
	cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		rt:       rt,
		broker:   b,
		failer:   failer,
		cfg:      cfg,
		metrics:  collector,
		packager: NewPackager(rt, cfg.ImagePrefix),
		log:      logging.Component("modules"),
		ctx:      ctx,
		cancel:   cancel,
		sups:     make(map[Key]*supervisor),
	}
}

// spawn registers a supervisor and launches its loop. Caller holds m.mu.
func (m *Manager) spawn(key Key) *supervisor {
	s := newSupervisor(key, m.rt, m.broker, m.failer, m.cfg, m.metrics)
	m.sups[key] = s
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run(m.ctx)
	}()
	return s
}

func (m *Manager) lookup(key Key) (*supervisor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sups[key]
	if !ok {
		return nil, ecode.Newf(ecode.KindNotFound, "module %s does not exist", key)
	}
	return s, nil
}

// Upload builds a new module image from archive and starts it. A module
// that already exists must be deleted first.
func (m *Manager) Upload(ctx context.Context, key Key, archive io.Reader) (string, error) {
	m.mu.Lock()
	if _, ok := m.sups[key]; ok {
		m.mu.Unlock()
		return "", ecode.Newf(ecode.KindInvalidInput, "module %s already exists", key)
	}
	m.mu.Unlock()

	buildLog, err := m.packager.Build(ctx, key, archive)
	if err != nil {
		return buildLog, err
	}

	m.mu.Lock()
	if _, ok := m.sups[key]; ok {
		m.mu.Unlock()
		return buildLog, ecode.Newf(ecode.KindInvalidInput, "module %s already exists", key)
	}
	s := m.spawn(key)
	m.mu.Unlock()

	if _, err := s.send(ctx, opStart); err != nil {
		return buildLog, err
	}
	return buildLog, nil
}

// Start launches a stopped or crashed module.
func (m *Manager) Start(ctx context.Context, key Key) error {
	s, err := m.lookup(key)
	if err != nil {
		return err
	}
	_, err = s.send(ctx, opStart)
	return err
}

// Stop gracefully terminates the module's container. Queued jobs stay
// in the queue; the in-flight job, if any, fails as crashed.
func (m *Manager) Stop(ctx context.Context, key Key) error {
	s, err := m.lookup(key)
	if err != nil {
		return err
	}
	_, err = s.send(ctx, opStop)
	return err
}

// Restart stops then starts the module's container.
func (m *Manager) Restart(ctx context.Context, key Key) error {
	s, err := m.lookup(key)
	if err != nil {
		return err
	}
	_, err = s.send(ctx, opRestart)
	return err
}

// Delete stops the module, removes its image and erases its broker keys.
func (m *Manager) Delete(ctx context.Context, key Key) error {
	s, err := m.lookup(key)
	if err != nil {
		return err
	}
	if _, err := s.send(ctx, opDelete); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sups, key)
	m.mu.Unlock()
	m.log.WithField("module", key.String()).Info("module removed")
	return nil
}

// Info reports the status of one module.
func (m *Manager) Info(ctx context.Context, key Key) (Info, error) {
	s, err := m.lookup(key)
	if err != nil {
		return Info{}, err
	}
	res, err := s.send(ctx, opInfo)
	return res.info, err
}

// List reports the status of every registered module, sorted by key.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	m.mu.Lock()
	sups := make([]*supervisor, 0, len(m.sups))
	for _, s := range m.sups {
		sups = append(sups, s)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(sups))
	for _, s := range sups {
		res, err := s.send(ctx, opInfo)
		if err != nil {
			return nil, err
		}
		infos = append(infos, res.info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].Version < infos[j].Version
	})
	return infos, nil
}

// Logs returns the tail of the module container's output.
func (m *Manager) Logs(ctx context.Context, key Key) (string, error) {
	s, err := m.lookup(key)
	if err != nil {
		return "", err
	}
	res, err := s.send(ctx, opLogs)
	return res.logs, err
}

// Reconcile rebuilds the registry from the container daemon after a
// process restart. Every image under the prefix gets a supervisor; a
// module whose container survived and still runs is adopted as Running,
// everything else starts out Stopped.
func (m *Manager) Reconcile(ctx context.Context) error {
	tags, err := m.rt.ListImages(ctx, m.cfg.ImagePrefix)
	if err != nil {
		return ecode.Wrap(ecode.KindInternal, "listing module images", err)
	}
	containers, err := m.rt.ListContainers(ctx, map[string]string{labelManaged: "true"})
	if err != nil {
		return ecode.Wrap(ecode.KindInternal, "listing module containers", err)
	}

	byKey := make(map[Key]ContainerSummary)
	for _, c := range containers {
		key, err := NewKey(c.Labels[labelName], c.Labels[labelVersion])
		if err != nil {
			m.log.WithField("container", c.ID).Warn("managed container with invalid labels")
			continue
		}
		byKey[key] = c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tag := range tags {
		key, ok := KeyFromImageTag(m.cfg.ImagePrefix, tag)
		if !ok {
			continue
		}
		if _, exists := m.sups[key]; exists {
			continue
		}
		s := newSupervisor(key, m.rt, m.broker, m.failer, m.cfg, m.metrics)
		if c, found := byKey[key]; found {
			s.adopt(c.ID, c.Running)
			delete(byKey, key)
		}
		m.log.WithFields(logrus.Fields{
			"module": key.String(),
			"state":  s.state,
		}).Info("reconciled module")
		m.sups[key] = s
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			s.run(m.ctx)
		}()
	}

	// Containers whose image disappeared are orphans; remove them.
	for key, c := range byKey {
		m.log.WithField("module", key.String()).Warn("removing orphaned module container")
		_ = m.rt.StopContainer(ctx, c.ID, m.cfg.StopTimeout)
		_ = m.rt.RemoveContainer(ctx, c.ID)
	}
	return nil
}

// Close stops every supervisor and waits for their containers to be
// signalled. Broker state is left intact for the next reconcile.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
