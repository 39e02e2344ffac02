package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scenepilot/scenepilot/pkg/advisor"
	"github.com/scenepilot/scenepilot/pkg/advisor/gemini"
	"github.com/scenepilot/scenepilot/pkg/config"
	"github.com/scenepilot/scenepilot/pkg/controller"
	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/policy"
	"github.com/scenepilot/scenepilot/pkg/sim"
	"github.com/scenepilot/scenepilot/pkg/stores"
	"github.com/scenepilot/scenepilot/pkg/telemetry"
	"github.com/scenepilot/scenepilot/pkg/tools"
	"github.com/scenepilot/scenepilot/pkg/transports/ssh"
)

// shutdownTimeout bounds tool host and telemetry shutdown.
const shutdownTimeout = 10 * time.Second

// agent is everything a command needs, built from one configuration.
type agent struct {
	cfg *config.AgentConfig

	telemetry  *telemetry.Telemetry
	controller *controller.Controller
	tool       engine.Tool
	policy     *policy.Engine
	journal    *stores.SQLiteStore
	advisor    engine.Advisor
	async      *advisor.Async

	scene     *sim.Scene
	client    *tools.Client
	sshClient *ssh.SSHClient
}

// newAgent connects the tool host and wires the controller.
func newAgent(ctx context.Context, cfg *config.AgentConfig) (*agent, error) {
	a := &agent{cfg: cfg}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *agent) init(ctx context.Context) (err error) {
	cfg := a.cfg
	tcfg := cfg.Telemetry.ToTelemetry(version)
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	a.telemetry, err = telemetry.NewTelemetry(tcfg)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	if tcfg.Metrics.Enabled {
		a.telemetry.StartMetricsServer()
	}
	logger := a.telemetry.Logger

	a.controller = controller.New(controller.Config{
		MaxIterations:    cfg.Controller.MaxIterations,
		UseLLM:           cfg.Controller.UseLLM,
		AutoVerification: cfg.Controller.AutoVerification,
		MaxGoalAttempts:  cfg.Controller.MaxGoalAttempts,
	}, logger)
	a.controller.SetTelemetry(a.telemetry)

	if a.tool, err = a.connectTool(ctx, logger); err != nil {
		return err
	}
	if err = a.controller.Initialize(a.tool); err != nil {
		return err
	}
	a.controller.SetAsyncTools(cfg.Tools.Async...)

	if cfg.Advisor.Enabled() {
		if err = a.setupAdvisor(ctx, logger); err != nil {
			return err
		}
	}

	if cfg.Policy.Enabled {
		if err = a.setupPolicy(ctx, logger); err != nil {
			return err
		}
	}

	if cfg.Journal.Path != "" {
		a.journal, err = stores.Open(ctx, cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		a.controller.SetJournal(a.journal)
	}

	return nil
}

// connectTool builds the engine.Tool for the configured transport.
func (a *agent) connectTool(ctx context.Context, logger *telemetry.Logger) (engine.Tool, error) {
	tc := a.cfg.Tools

	if tc.Transport == config.TransportSim {
		a.scene = sim.New(logger)
		if tc.Scene != "" {
			n, err := a.scene.LoadFile(tc.Scene)
			if err != nil {
				return nil, err
			}
			log.Info().Str("scene", tc.Scene).Int("entities", n).Msg("Simulated scene loaded")
		}
		return a.scene, nil
	}

	clientCfg := tools.ClientConfig{
		HostPath:    tc.HostPath,
		RemotePath:  tc.RemotePath,
		CallTimeout: tc.CallTimeout,
		Logger:      logger,
	}

	switch tc.Transport {
	case config.TransportLocal:
		clientCfg.Transport = &tools.LocalTransport{Stderr: os.Stderr}
		// run the binary in place
		clientCfg.RemotePath = tc.HostPath
	case config.TransportSSH:
		sc := ssh.DefaultConfig(a.cfg.SSH.Host, a.cfg.SSH.User)
		if a.cfg.SSH.Port > 0 {
			sc.Port = a.cfg.SSH.Port
		}
		sc.PrivateKeyPath = a.cfg.SSH.KeyPath
		if a.cfg.SSH.KnownHostsPath != "" {
			sc.KnownHostsPath = a.cfg.SSH.KnownHostsPath
		}
		sc.StrictHostKeyChecking = !a.cfg.SSH.Insecure
		if a.cfg.SSH.Timeout > 0 {
			sc.ConnectionTimeout = a.cfg.SSH.Timeout
		}
		if err := sc.Validate(); err != nil {
			return nil, fmt.Errorf("invalid ssh configuration: %w", err)
		}

		client, err := ssh.NewSSHClient(sc)
		if err != nil {
			return nil, err
		}
		a.sshClient = client
		if err := client.Connect(ctx); err != nil {
			var te *ssh.TransportError
			if errors.As(err, &te) {
				return nil, te.EngineError().WithResource(sc.Address())
			}
			return nil, fmt.Errorf("failed to connect to %s: %w", sc.Address(), err)
		}
		clientCfg.Transport = client
	default:
		return nil, fmt.Errorf("unknown tool transport: %s", tc.Transport)
	}

	client, err := tools.NewClient(clientCfg)
	if err != nil {
		return nil, err
	}
	a.client = client
	if err := client.Start(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func (a *agent) setupAdvisor(ctx context.Context, logger *telemetry.Logger) error {
	ac := a.cfg.Advisor
	if ac.Provider != config.ProviderGemini {
		return fmt.Errorf("unknown advisor provider: %s", ac.Provider)
	}
	if ac.APIKey == "" {
		return engine.NewPermanentError(
			fmt.Sprintf("no API key: set %s or %s", ac.APIKeyEnv, config.EnvAPIKey), nil).
			WithCode(engine.ErrCodeAdvisorUnavailable)
	}

	g, err := gemini.New(ctx, gemini.Config{
		APIKey:            ac.APIKey,
		Model:             ac.Model,
		RequestsPerMinute: ac.RequestsPerMinute,
		Timeout:           ac.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create advisor: %w", err)
	}
	a.advisor = g
	a.controller.SetAdvisor(g)
	a.controller.SetUseLLM(a.cfg.Controller.UseLLM)

	a.async = advisor.NewAsync(g, a.controller.Post, logger)
	a.async.SetTimeout(ac.Timeout)
	a.async.SetMetrics(a.telemetry.Metrics)
	a.async.SetTracer(a.telemetry.Tracer)
	return nil
}

func (a *agent) setupPolicy(ctx context.Context, logger *telemetry.Logger) error {
	pe, err := policy.NewEngine(logger)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	a.policy = pe
	pe.SetEntitySource(a.controller.World().Model())
	pe.SetMaxSpawns(a.cfg.Policy.MaxSpawns)

	if len(a.cfg.Policy.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
		if a.cfg.Policy.Watch {
			if err := pe.Watch(ctx); err != nil {
				return fmt.Errorf("failed to watch policies: %w", err)
			}
		}
	}
	a.controller.SetPolicyGate(pe)
	return nil
}

// waitForAdvisor lets an outstanding async advisor request finish and applies
// its posted callback.
func (a *agent) waitForAdvisor(ctx context.Context, limit time.Duration) {
	if a.async == nil {
		return
	}
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for a.async.Busy() {
		select {
		case <-ctx.Done():
			a.async.CancelAsyncRequest()
			return
		case <-deadline.C:
			a.async.CancelAsyncRequest()
			return
		case <-ticker.C:
		}
	}
	a.controller.Tick(ctx)
}

// Close releases everything newAgent created.
func (a *agent) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if a.async != nil {
		a.async.Close()
	}
	if a.controller != nil {
		a.controller.Close()
	}
	if a.policy != nil {
		errs = append(errs, a.policy.StopWatching())
	}
	if a.client != nil {
		errs = append(errs, a.client.Close(ctx))
	}
	if a.sshClient != nil {
		errs = append(errs, a.sshClient.Disconnect())
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("Shutdown incomplete")
	}
}
