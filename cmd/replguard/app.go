package main

import (
	"context"
	"fmt"

	"github.com/cuemby/replguard/pkg/classifier"
	"github.com/cuemby/replguard/pkg/delta"
	"github.com/cuemby/replguard/pkg/events"
	"github.com/cuemby/replguard/pkg/fault"
	"github.com/cuemby/replguard/pkg/health"
	"github.com/cuemby/replguard/pkg/log"
	"github.com/cuemby/replguard/pkg/metrics"
	"github.com/cuemby/replguard/pkg/policy"
	"github.com/cuemby/replguard/pkg/reconciler"
	"github.com/cuemby/replguard/pkg/repair"
	"github.com/cuemby/replguard/pkg/retry"
	"github.com/cuemby/replguard/pkg/scanner"
	"github.com/cuemby/replguard/pkg/scope"
	"github.com/cuemby/replguard/pkg/storage"
	"github.com/cuemby/replguard/pkg/verify"
)

// app holds the wired components of one CLI invocation
type app struct {
	store      *storage.BoltStore
	broker     *events.Broker
	events     events.Subscriber
	reconciler *reconciler.Reconciler
}

// newApp wires every component from the loaded configuration. Healing
// components are only built when heal is set; dryRun skips the repair
// command requirement.
func newApp(ctx context.Context, heal, dryRun bool) (*app, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		metrics.UpdateComponent("store", false, err.Error())
		return nil, err
	}
	metrics.UpdateComponent("store", true, store.Path())

	a := &app{store: store, broker: events.NewBroker()}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	var inventory *scope.Inventory
	if cfg.Inventory != "" {
		inventory, err = scope.LoadInventory(cfg.Inventory)
		if err != nil {
			metrics.UpdateComponent("inventory", false, err.Error())
			return fail(err)
		}
	}
	metrics.UpdateComponent("inventory", true, cfg.Inventory)

	prober, err := newProber()
	if err != nil {
		return fail(err)
	}

	collector := health.NewCollector(prober, retry.NewExecutor(cfg.ProbeRetry(), log.WithComponent("retry")).WithComponent("probe")).
		WithStaleThreshold(cfg.Classifier.StaleThreshold)
	if cfg.Probe.TCPPort > 0 {
		collector.WithReachabilityGate(health.NewTCPChecker(cfg.Probe.TCPPort))
	}

	sc := scanner.NewScanner(collector)
	cl := classifier.New().WithStaleThreshold(cfg.Classifier.StaleThreshold)

	components := reconciler.Components{
		Resolver:     scope.NewResolver(inventory),
		Scanner:      sc,
		Classifier:   cl,
		Store:        store,
		Broker:       a.broker,
		ScanOptions:  cfg.ScanOptions(),
		DeltaOptions: delta.Options{MaxAge: cfg.Delta.MaxAge},
	}

	if heal {
		hp, err := policy.Lookup(cfg.Healing.Policy)
		if err != nil {
			return fail(err)
		}
		ledger := policy.NewLedger(store)
		if err := ledger.Load(ctx); err != nil {
			return fail(err)
		}
		engine, err := policy.NewEngine(hp, ledger)
		if err != nil {
			return fail(err)
		}

		repairer, err := newRepairer(dryRun)
		if err != nil {
			return fail(err)
		}

		dispatcher := repair.NewDispatcher(repairer, retry.NewExecutor(cfg.RepairRetry(), log.WithComponent("retry")), store).
			WithPolicy(hp.Name).
			WithConcurrency(cfg.Repair.Concurrency).
			WithRateLimit(cfg.Repair.RatePerSecond)
		if cfg.Healing.Rollback {
			dispatcher.WithRollback(repair.NewRollbackManager(repairer, store).WithTimeout(cfg.Repair.Timeout))
		}

		components.Engine = engine
		components.Dispatcher = dispatcher
		components.Verifier = verify.New(sc, cl).
			WithConvergenceWait(cfg.Healing.ConvergenceWait).
			WithScanOptions(cfg.ScanOptions())
	}

	a.reconciler = reconciler.NewReconciler(components)
	a.events = a.broker.Subscribe()
	go logEvents(a.events)
	a.broker.Start()
	return a, nil
}

// logEvents writes run events to the log until sub is closed
func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for ev := range sub {
		e := logger.Debug()
		switch ev.Type {
		case events.EventHealFailed, events.EventManualReview, events.EventRollbackPerformed:
			e = logger.Info()
		}
		e.Str("event", string(ev.Type)).
			Str("run_id", ev.RunID).
			Str("node", ev.Node).
			Msg(ev.Message)
	}
}

// Close releases the store and stops the event broker
func (a *app) Close() {
	if a.events != nil {
		a.broker.Unsubscribe(a.events)
	}
	a.broker.Stop()
	if err := a.store.Close(); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to close store")
	}
}

func newProber() (health.Prober, error) {
	switch health.ProbeType(cfg.Probe.Kind) {
	case health.ProbeTypeHTTP:
		if cfg.Probe.URL == "" {
			return nil, fault.New(fault.CodePolicyConfigInvalid, "probe.url is required for http probes")
		}
		p := health.NewHTTPProber(cfg.Probe.URL).WithTimeout(cfg.Probe.Timeout)
		for k, val := range cfg.Probe.Headers {
			p.WithHeader(k, val)
		}
		return p, nil
	default:
		if len(cfg.Probe.Command) == 0 {
			return nil, fault.New(fault.CodePolicyConfigInvalid, "probe.command is required for exec probes")
		}
		return health.NewExecProber(cfg.Probe.Command).WithTimeout(cfg.Probe.Timeout), nil
	}
}

func newRepairer(dryRun bool) (repair.Repairer, error) {
	if len(cfg.Repair.Command) > 0 {
		return repair.NewExecRepairer(cfg.Repair.Command).WithTimeout(cfg.Repair.Timeout), nil
	}
	if !dryRun {
		return nil, fault.New(fault.CodePolicyConfigInvalid, "repair.command is required for repair runs")
	}
	return repair.RepairerFunc(func(ctx context.Context, req repair.Request) (repair.Outcome, error) {
		return repair.Outcome{}, fmt.Errorf("dry run: %s not executed", req.Action)
	}), nil
}
