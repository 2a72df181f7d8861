package modules

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lapsproject/laps/internal/broker"
	"github.com/lapsproject/laps/internal/ecode"
	"github.com/lapsproject/laps/internal/logging"
	"github.com/lapsproject/laps/internal/metrics"
)

// JobFailer terminally resolves jobs assigned to a dead container.
// Implemented by the job dispatcher; the supervisor calls it on crash,
// stop and delete so in-flight work never hangs a waiting client.
type JobFailer interface {
	FailAssigned(ctx context.Context, container string) (int, error)
}

// SupervisorConfig carries the tunables one supervisor task needs.
type SupervisorConfig struct {
	ImagePrefix   string
	RedisAddr     string
	RedisPassword string
	JobTTL        time.Duration
	StartTimeout  time.Duration // readiness bound
	ProbeInterval time.Duration
	StopTimeout   time.Duration // graceful termination bound
	RestartTries  int           // auto-restarts before parking in Crashed
}

func (c *SupervisorConfig) withDefaults() {
	if c.StartTimeout <= 0 {
		c.StartTimeout = 30 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 5 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.RestartTries <= 0 {
		c.RestartTries = 5
	}
	if c.JobTTL <= 0 {
		c.JobTTL = 10 * time.Minute
	}
}

const (
	restartBackoffBase = time.Second
	restartBackoffCap  = time.Minute
)

type opKind int

const (
	opStart opKind = iota
	opStop
	opRestart
	opDelete
	opInfo
	opLogs
)

type command struct {
	op    opKind
	reply chan cmdResult
}

type cmdResult struct {
	info Info
	logs string
	err  error
}

// supervisor is the authoritative state machine for one module. All
// operations on the module serialize through its mailbox; the goroutine
// exclusively owns the container handle.
type supervisor struct {
	key     Key
	rt      Runtime
	broker  broker.Broker
	failer  JobFailer
	cfg     SupervisorConfig
	metrics *metrics.Collector
	log     *logrus.Entry

	mailbox chan command

	// Loop-owned; never touched outside run().
	state       State
	lastErr     string
	containerID string
	attempts    int
	restartC    <-chan time.Time
}

func newSupervisor(key Key, rt Runtime, b broker.Broker, failer JobFailer, cfg SupervisorConfig, collector *metrics.Collector) *supervisor {
	cfg.withDefaults()
	return &supervisor{
		key:     key,
		rt:      rt,
		broker:  b,
		failer:  failer,
		cfg:     cfg,
		metrics: collector,
		log:     logging.Component("supervisor").WithField("module", key.String()),
		mailbox: make(chan command),
		state:   StateStopped,
	}
}

// adopt resumes supervision of a container discovered during reconcile.
func (s *supervisor) adopt(containerID string, running bool) {
	s.containerID = containerID
	if running {
		s.state = StateRunning
		s.metrics.ModuleRunning(1)
	} else {
		s.state = StateStopped
	}
}

// send runs one operation through the mailbox and waits for the reply.
func (s *supervisor) send(ctx context.Context, op opKind) (cmdResult, error) {
	cmd := command{op: op, reply: make(chan cmdResult, 1)}
	select {
	case s.mailbox <- cmd:
	case <-ctx.Done():
		return cmdResult{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-ctx.Done():
		return cmdResult{}, ctx.Err()
	}
}

// run is the supervisor loop. ctx is the manager's lifetime; cancelling
// it stops the container without failing its queued jobs.
func (s *supervisor) run(ctx context.Context) {
	s.syncState(ctx)

	probe := time.NewTicker(s.cfg.ProbeInterval)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return

		case cmd := <-s.mailbox:
			var res cmdResult
			switch cmd.op {
			case opStart:
				res.err = s.start(ctx)
			case opStop:
				res.err = s.stop(ctx, true)
			case opRestart:
				s.metrics.RecordModuleRestart()
				if res.err = s.stop(ctx, true); res.err == nil {
					res.err = s.start(ctx)
				}
			case opDelete:
				res.err = s.delete(ctx)
			case opInfo:
				res.info = s.info()
			case opLogs:
				res.logs, res.err = s.logs(ctx)
			}
			cmd.reply <- res
			if cmd.op == opDelete && res.err == nil {
				return
			}

		case <-probe.C:
			s.probe(ctx)

		case <-s.restartC:
			s.restartC = nil
			s.log.WithField("attempt", s.attempts).Info("auto-restarting module")
			s.metrics.RecordModuleRestart()
			if err := s.start(ctx); err != nil {
				s.log.WithError(err).Warn("auto-restart failed")
			}
		}
	}
}

func (s *supervisor) info() Info {
	return Info{
		Name:    s.key.Name,
		Version: s.key.Version,
		State:   s.state,
		Message: s.lastErr,
	}
}

// setState records a transition locally and in the broker state hash the
// dispatcher admission check reads.
func (s *supervisor) setState(ctx context.Context, state State, errMsg string) {
	if s.state == StateRunning && state != StateRunning {
		s.metrics.ModuleRunning(-1)
	}
	if s.state != StateRunning && state == StateRunning {
		s.metrics.ModuleRunning(1)
	}
	s.state = state
	s.lastErr = errMsg
	if err := writeState(ctx, s.broker, s.key, state, s.containerID, errMsg); err != nil {
		s.log.WithError(err).Warn("failed to publish module state")
	}

	// Lifecycle journal, served by the logs endpoint when no container
	// is around to ask.
	line := time.Now().UTC().Format(time.RFC3339) + " " + string(state)
	if errMsg != "" {
		line += " " + errMsg
	}
	if err := s.broker.LPush(ctx, broker.ModuleLogKey(s.key.Name, s.key.Version), []byte(line)); err != nil {
		s.log.WithError(err).Debug("journal write")
	}
}

// syncState pushes the adopted or initial state to the broker at boot.
func (s *supervisor) syncState(ctx context.Context) {
	if err := writeState(ctx, s.broker, s.key, s.state, s.containerID, s.lastErr); err != nil {
		s.log.WithError(err).Warn("failed to publish module state")
	}
}

// start launches the container and waits for the shim's readiness ping.
func (s *supervisor) start(ctx context.Context) error {
	if s.state == StateRunning {
		return nil
	}
	// At most one container per module, ever. Tear down leftovers from a
	// crashed or half-started instance before creating a new one.
	s.removeContainer(ctx)
	s.restartC = nil
	s.setState(ctx, StateStarting, "")

	// Subscribe before starting the container so the readiness ping
	// cannot race past us.
	sub, err := s.broker.Subscribe(ctx, broker.ModuleReadyChannel(s.key.Name, s.key.Version))
	if err != nil {
		s.setState(ctx, StateCrashed, err.Error())
		return err
	}
	defer sub.Close()

	id, err := s.rt.CreateContainer(ctx, ContainerConfig{
		Image: s.key.ImageTag(s.cfg.ImagePrefix),
		Name:  s.key.ContainerName(),
		Env: []string{
			"LAPS_REDIS_ADDR=" + s.cfg.RedisAddr,
			"LAPS_REDIS_PASSWORD=" + s.cfg.RedisPassword,
			"LAPS_MODULE_NAME=" + s.key.Name,
			"LAPS_MODULE_VERSION=" + s.key.Version,
			"LAPS_CONTAINER_NAME=" + s.key.ContainerName(),
			"LAPS_JOB_TTL=" + strconv.Itoa(int(s.cfg.JobTTL.Seconds())),
		},
		Labels: map[string]string{
			labelManaged: "true",
			labelName:    s.key.Name,
			labelVersion: s.key.Version,
		},
	})
	if err != nil {
		s.setState(ctx, StateCrashed, err.Error())
		s.scheduleRestart()
		return ecode.Wrap(ecode.KindInternal, "creating container", err)
	}
	s.containerID = id

	if err := s.rt.StartContainer(ctx, id); err != nil {
		s.setState(ctx, StateCrashed, err.Error())
		s.scheduleRestart()
		return ecode.Wrap(ecode.KindInternal, "starting container", err)
	}

	timer := time.NewTimer(s.cfg.StartTimeout)
	defer timer.Stop()
	select {
	case _, ok := <-sub.Channel():
		if !ok {
			// The broker tore the subscription down; without it the
			// readiness ping is unobservable.
			s.stopContainer(ctx)
			s.setState(ctx, StateCrashed, "readiness subscription closed")
			s.scheduleRestart()
			return ecode.New(ecode.KindModuleCrashed, "readiness subscription closed")
		}
		s.attempts = 0
		s.setState(ctx, StateRunning, "")
		s.log.WithField("container", id).Info("module running")
		return nil
	case <-timer.C:
		s.log.Warn("module missed readiness deadline")
		s.stopContainer(ctx)
		s.setState(ctx, StateCrashed, "readiness timeout")
		s.scheduleRestart()
		return ecode.New(ecode.KindModuleCrashed, "module missed readiness deadline")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// probe checks container health while Running; an unexpected exit fails
// assigned jobs and schedules an auto-restart with backoff.
func (s *supervisor) probe(ctx context.Context) {
	if s.state != StateRunning || s.containerID == "" {
		return
	}
	st, err := s.rt.InspectContainer(ctx, s.containerID)
	if err == nil && st.Running {
		return
	}

	exitMsg := "container disappeared"
	if err == nil {
		exitMsg = "container exited with code " + strconv.Itoa(st.ExitCode)
	}
	s.log.Warn(exitMsg)

	s.failAssigned(ctx)
	s.removeContainer(ctx)
	s.setState(ctx, StateCrashed, exitMsg)
	s.scheduleRestart()
}

func (s *supervisor) scheduleRestart() {
	s.attempts++
	if s.attempts > s.cfg.RestartTries {
		s.log.WithField("attempts", s.attempts-1).Error("giving up on module")
		s.restartC = nil
		return
	}
	backoff := restartBackoff(s.attempts)
	s.log.WithField("backoff", backoff.String()).Info("scheduling auto-restart")
	s.restartC = time.After(backoff)
}

// restartBackoff doubles per attempt up to the cap. The shift is clamped
// so a large configured try budget cannot overflow the duration.
func restartBackoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift > 6 {
		shift = 6
	}
	backoff := restartBackoffBase << shift
	if backoff > restartBackoffCap {
		backoff = restartBackoffCap
	}
	return backoff
}

// stop gracefully terminates the container. failJobs controls whether
// in-flight work is resolved as crashed; queue contents are preserved.
func (s *supervisor) stop(ctx context.Context, failJobs bool) error {
	s.restartC = nil
	s.attempts = 0
	if s.containerID != "" {
		s.stopContainer(ctx)
		if failJobs {
			s.failAssigned(ctx)
		}
		s.removeContainer(ctx)
	}
	s.setState(ctx, StateStopped, "")
	return nil
}

// delete stops the module, removes its image and erases every broker key
// it owns, including the queue.
func (s *supervisor) delete(ctx context.Context) error {
	if err := s.stop(ctx, true); err != nil {
		return err
	}
	if err := s.rt.RemoveImage(ctx, s.key.ImageTag(s.cfg.ImagePrefix)); err != nil {
		return err
	}
	if err := s.broker.Del(ctx,
		broker.ModuleStateKey(s.key.Name, s.key.Version),
		broker.ModuleQueueKey(s.key.Name, s.key.Version),
		broker.ModuleLogKey(s.key.Name, s.key.Version),
	); err != nil {
		return err
	}
	s.log.Info("module deleted")
	return nil
}

// logs returns the container's output tail, or the lifecycle journal
// when the module has no container.
func (s *supervisor) logs(ctx context.Context) (string, error) {
	if s.containerID != "" {
		return s.rt.ContainerLogs(ctx, s.containerID, 200)
	}
	lines, err := s.broker.LRange(ctx, broker.ModuleLogKey(s.key.Name, s.key.Version), 0, 49)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for i := len(lines) - 1; i >= 0; i-- {
		sb.Write(lines[i])
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

func (s *supervisor) failAssigned(ctx context.Context) {
	if s.failer == nil {
		return
	}
	n, err := s.failer.FailAssigned(ctx, s.key.ContainerName())
	if err != nil {
		s.log.WithError(err).Warn("failed to resolve assigned jobs")
	} else if n > 0 {
		s.log.WithField("jobs", n).Info("resolved in-flight jobs as crashed")
	}
}

func (s *supervisor) stopContainer(ctx context.Context) {
	if s.containerID == "" {
		return
	}
	if err := s.rt.StopContainer(ctx, s.containerID, s.cfg.StopTimeout); err != nil {
		s.log.WithError(err).Debug("stop container")
	}
}

func (s *supervisor) removeContainer(ctx context.Context) {
	if s.containerID == "" {
		return
	}
	if err := s.rt.RemoveContainer(ctx, s.containerID); err != nil {
		s.log.WithError(err).Debug("remove container")
	}
	s.containerID = ""
}

// shutdown runs when the manager context is cancelled: stop the
// container but leave broker state alone so a restarted process can
// reconcile.
func (s *supervisor) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout+5*time.Second)
	defer cancel()
	s.stopContainer(ctx)
}
