// Package bridge supervises the robot-locations and task-updates channels as
// one unit. The two channels run independently: a failing backend on one
// never delays or stops delivery on the other.
package bridge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/dbehnke/fleet-bridge/pkg/channel"
	"github.com/dbehnke/fleet-bridge/pkg/endpoint"
	"github.com/dbehnke/fleet-bridge/pkg/fleet"
	"github.com/dbehnke/fleet-bridge/pkg/logger"
	"github.com/dbehnke/fleet-bridge/pkg/metrics"
	"github.com/dbehnke/fleet-bridge/pkg/router"
)

// State is the supervisor lifecycle state
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// ErrInvalidState is returned by Start when the bridge was already started
var ErrInvalidState = errors.New("invalid bridge state")

// Config names the two endpoints and the callbacks that receive their messages
type Config struct {
	RobotLocationsEndpoint string
	TaskUpdatesEndpoint    string
	OnRobotLocation        func(fleet.RobotLocationUpdate)
	OnTaskUpdate           func(fleet.TaskUpdate)
}

// Options tunes the per-channel routers. StatsSchedule is a cron spec for a
// periodic per-channel stats log line; empty disables it.
type Options struct {
	Robots        router.Options
	Tasks         router.Options
	Logger        *logger.Logger
	Metrics       *metrics.Metrics
	StatsSchedule string
}

// ChannelStatus reports one channel
type ChannelStatus struct {
	Router     router.State          `json:"router"`
	Connection channel.Status        `json:"connection"`
	Counts     metrics.ChannelCounts `json:"counts"`
}

// Status reports the supervisor and both channels, keyed by channel name
type Status struct {
	State    State                    `json:"state"`
	Channels map[string]ChannelStatus `json:"channels"`
}

// Bridge owns one router per channel
type Bridge struct {
	logger  *logger.Logger
	metrics *metrics.Metrics
	opts    Options

	robots *router.Router[fleet.RobotLocationUpdate]
	tasks  *router.Router[fleet.TaskUpdate]

	mu    sync.Mutex
	state State
	cron  *cron.Cron
}

// New creates an idle bridge
func New(opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	return &Bridge{
		logger:  opts.Logger.WithComponent("bridge"),
		metrics: opts.Metrics,
		opts:    opts,
		robots:  router.New[fleet.RobotLocationUpdate](channelOptions(opts.Robots, fleet.RobotLocationsChannel, opts)),
		tasks:   router.New[fleet.TaskUpdate](channelOptions(opts.Tasks, fleet.TaskUpdatesChannel, opts)),
		state:   StateIdle,
	}
}

func channelOptions(o router.Options, name string, parent Options) router.Options {
	o.Name = name
	if o.Logger == nil {
		o.Logger = parent.Logger
	}
	if o.Metrics == nil {
		o.Metrics = parent.Metrics
	}
	return o
}

// Start validates cfg and starts both channels. Configuration problems are
// reported synchronously as *endpoint.ConfigurationError values joined
// together; an unreachable backend is not an error and is retried.
func (b *Bridge) Start(cfg Config) error {
	robotsEP, tasksEP, err := validate(cfg)
	if err != nil {
		return err
	}

	var scheduler *cron.Cron
	if b.opts.StatsSchedule != "" {
		scheduler = cron.New()
		if _, err := scheduler.AddFunc(b.opts.StatsSchedule, b.logStats); err != nil {
			return &endpoint.ConfigurationError{Field: "StatsSchedule", Value: b.opts.StatsSchedule, Reason: err.Error()}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateIdle {
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, b.state)
	}

	p := pool.New().WithErrors()
	p.Go(func() error {
		return b.robots.Start(robotsEP, fleet.RobotLocationDecoder{}, cfg.OnRobotLocation)
	})
	p.Go(func() error {
		return b.tasks.Start(tasksEP, fleet.TaskUpdateDecoder{}, cfg.OnTaskUpdate)
	})
	if err := p.Wait(); err != nil {
		b.state = StateStopped
		_ = stopAll(b.stoppers())
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	if scheduler != nil {
		b.cron = scheduler
		b.cron.Start()
	}
	b.state = StateRunning

	b.logger.Info("Bridge started",
		logger.String("robot_locations", robotsEP.URL()),
		logger.String("task_updates", tasksEP.URL()))
	return nil
}

// Stop stops both channels concurrently. Each channel is stopped in
// isolation: an error or panic in one is reported but never prevents the
// other from stopping. Stop is idempotent.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	wasRunning := b.state == StateRunning
	b.state = StateStopped
	scheduler := b.cron
	b.cron = nil
	b.mu.Unlock()

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}

	err := stopAll(b.stoppers())
	if wasRunning {
		if err != nil {
			b.logger.Error("Bridge stopped with errors", logger.Error(err))
		} else {
			b.logger.Info("Bridge stopped")
		}
	}
	return err
}

// State returns the supervisor lifecycle state
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns the state of the bridge and both channels
func (b *Bridge) Status() Status {
	return Status{
		State: b.State(),
		Channels: map[string]ChannelStatus{
			fleet.RobotLocationsChannel: {
				Router:     b.robots.State(),
				Connection: b.robots.ConnectionStatus(),
				Counts:     b.metrics.Counts(fleet.RobotLocationsChannel),
			},
			fleet.TaskUpdatesChannel: {
				Router:     b.tasks.State(),
				Connection: b.tasks.ConnectionStatus(),
				Counts:     b.metrics.Counts(fleet.TaskUpdatesChannel),
			},
		},
	}
}

func (b *Bridge) logStats() {
	for name, st := range b.Status().Channels {
		b.logger.Info("Channel stats",
			logger.String("channel", name),
			logger.String("state", string(st.Connection.State)),
			logger.Uint64("frames", st.Connection.FramesRx),
			logger.Uint64("delivered", st.Counts.Delivered),
			logger.Uint64("dropped", st.Counts.Dropped),
			logger.Uint64("decode_errors", st.Counts.DecodeErrors),
			logger.Int("reconnects", st.Connection.Reconnects))
	}
}

type stopper interface {
	Name() string
	Stop() error
}

func (b *Bridge) stoppers() []stopper {
	return []stopper{b.robots, b.tasks}
}

// stopAll stops every channel concurrently and joins their errors
func stopAll(channels []stopper) error {
	p := pool.New().WithErrors()
	for _, ch := range channels {
		p.Go(func() error {
			return stopIsolated(ch)
		})
	}
	return p.Wait()
}

func stopIsolated(ch stopper) (err error) {
	if recovered := panics.Try(func() { err = ch.Stop() }); recovered != nil {
		return fmt.Errorf("stop %s: %w", ch.Name(), recovered.AsError())
	}
	if err != nil {
		return fmt.Errorf("stop %s: %w", ch.Name(), err)
	}
	return nil
}

func validate(cfg Config) (endpoint.Endpoint, endpoint.Endpoint, error) {
	var errs []error

	robots, err := parseField("RobotLocationsEndpoint", cfg.RobotLocationsEndpoint)
	if err != nil {
		errs = append(errs, err)
	}
	tasks, err := parseField("TaskUpdatesEndpoint", cfg.TaskUpdatesEndpoint)
	if err != nil {
		errs = append(errs, err)
	}
	if cfg.OnRobotLocation == nil {
		errs = append(errs, &endpoint.ConfigurationError{Field: "OnRobotLocation", Reason: "callback is required"})
	}
	if cfg.OnTaskUpdate == nil {
		errs = append(errs, &endpoint.ConfigurationError{Field: "OnTaskUpdate", Reason: "callback is required"})
	}

	return robots, tasks, errors.Join(errs...)
}

func parseField(field, raw string) (endpoint.Endpoint, error) {
	ep, err := endpoint.Parse(raw)
	if err != nil {
		var cerr *endpoint.ConfigurationError
		if errors.As(err, &cerr) {
			cerr.Field = field
		}
		return endpoint.Endpoint{}, err
	}
	return ep, nil
}
