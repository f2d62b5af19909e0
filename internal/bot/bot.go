package bot

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/you/updown-arb/internal/clob"
	"github.com/you/updown-arb/internal/config"
	"github.com/you/updown-arb/internal/ctf"
	"github.com/you/updown-arb/internal/detector"
	"github.com/you/updown-arb/internal/discovery"
	"github.com/you/updown-arb/internal/execution"
	"github.com/you/updown-arb/internal/feed"
	"github.com/you/updown-arb/internal/journal"
	"github.com/you/updown-arb/internal/ledger"
	"github.com/you/updown-arb/internal/merge"
	"github.com/you/updown-arb/internal/metrics"
	"github.com/you/updown-arb/internal/positions"
	"github.com/you/updown-arb/internal/recovery"
	"github.com/you/updown-arb/internal/risk"
	"github.com/you/updown-arb/internal/schedule"
	"github.com/you/updown-arb/internal/types"
)

// Bot wires every component together and drives the hourly window loop.
type Bot struct {
	cfg *config.Config
	log *zap.Logger

	ledger    *ledger.Ledger
	gate      *risk.Gate
	journal   *journal.Journal
	feed      *feed.Feed
	scheduler *schedule.Scheduler
	engine    *execution.Engine
	params    detector.Params

	// carry holds markets whose window ended but whose ledger entry still
	// shows open risk; they stay subscribed until settled.
	carry map[string]types.Market

	// execWG tracks dispatched executions so shutdown waits for each one to
	// reach a terminal state before the process exits.
	execWG sync.WaitGroup
}

func New(cfg *config.Config, log *zap.Logger) (*Bot, error) {
	gamma, err := discovery.NewGammaClient(cfg.Markets.GammaURL)
	if err != nil {
		return nil, err
	}
	disc := discovery.NewService(gamma, cfg.Markets.Symbols, log)

	led := ledger.New()
	return &Bot{
		cfg:       cfg,
		log:       log,
		ledger:    led,
		gate:      risk.NewGate(led, cfg, log),
		journal:   journal.New(cfg, log),
		feed:      feed.New(cfg.Feed.WsURL, time.Duration(cfg.Feed.PingSecs)*time.Second, log),
		scheduler: schedule.New(disc, cfg.RefreshAdvance(), log),
		params:    detector.ParamsFromConfig(cfg),
		carry:     make(map[string]types.Market),
	}, nil
}

// Run blocks until ctx is cancelled. It performs recovery, starts the feed,
// merge task and metrics server, then trades hourly windows.
func (b *Bot) Run(ctx context.Context) error {
	metrics.Serve(ctx, b.cfg.Metrics.ListenAddr, nil, b.log)
	defer b.journal.Close()

	var api *clob.Client
	var posSrc *positions.Client
	if !b.cfg.DryRun {
		var err error
		api, err = clob.NewClient(b.cfg)
		if err != nil {
			return err
		}
		if err := api.EnsureCreds(ctx); err != nil {
			return err
		}

		wallet := b.cfg.ProxyAddress
		if wallet == "" {
			wallet = api.FunderAddress().Hex()
		}
		posSrc, err = positions.NewClient(b.cfg.Clob.DataAPIURL, wallet)
		if err != nil {
			return err
		}

		// Recovery must finish (or be explicitly skipped) before any new
		// execution so the exposure cap sees pre-existing risk.
		if b.cfg.Recovery.Skip {
			b.log.Warn("recovery explicitly skipped, ledger starts empty")
		} else {
			rec := recovery.NewReconciler(api, posSrc, b.ledger, b.cfg, b.log)
			if _, err := rec.Run(ctx); err != nil {
				return err
			}
		}
	} else {
		b.log.Warn("DRY-RUN: no real orders will be sent")
	}

	engine, err := execution.NewEngine(api, b.ledger, b.journal, b.cfg, b.log)
	if err != nil {
		return err
	}
	b.engine = engine

	if err := b.startMergeTask(ctx, posSrc); err != nil {
		return err
	}

	go b.feed.Run(ctx)

	for ctx.Err() == nil {
		if err := b.tradeWindow(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			b.log.Error("window loop error", zap.Error(err))
		}
	}

	// In-flight executions must reach a terminal state (or cancel their
	// resting orders) before exit.
	b.execWG.Wait()
	b.log.Info("bot finished")
	return nil
}

// startMergeTask launches the periodic redemption loop when configured.
// Interval zero means no timer at all; dry runs never merge.
func (b *Bot) startMergeTask(ctx context.Context, posSrc *positions.Client) error {
	if b.cfg.MergeInterval() <= 0 || b.cfg.DryRun {
		b.log.Info("merge task not started",
			zap.Int("interval_minutes", b.cfg.Merge.IntervalMinutes),
			zap.Bool("dry_run", b.cfg.DryRun))
		return nil
	}

	merger, err := ctf.NewMerger(ctx, b.cfg.Chain.RPCHTTP, b.cfg.PrivateKey, b.log)
	if err != nil {
		return err
	}
	task := merge.NewTask(posSrc, merger, b.ledger, b.journal,
		b.cfg.MergeInterval(), clob.IsRateLimited, b.log)
	go func() {
		defer merger.Close()
		task.Run(ctx)
	}()
	return nil
}

// tradeWindow resolves the target window's market set and trades it until
// the next refresh point (the window's end minus the refresh advance, which
// for sets fetched in advance spans nearly the full next hour).
func (b *Bot) tradeWindow(ctx context.Context) error {
	markets, err := b.scheduler.ActiveMarkets(ctx)
	if err != nil {
		return err
	}

	subscribed := b.refreshActive(markets, time.Now())
	b.feed.SetMarkets(subscribed)
	b.log.Info("trading window", zap.Int("markets", len(subscribed)))

	rollover := time.NewTimer(b.scheduler.UntilRefresh(markets[0].WindowStart, time.Now()))
	defer rollover.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rollover.C:
			b.teardownSettled(b.carry)
			return nil
		case conditionID := <-b.feed.Changes():
			m, ok := b.carry[conditionID]
			if !ok {
				continue
			}
			b.evaluate(ctx, m)
		}
	}
}

// refreshActive merges the new window's markets with carried-over markets
// that still hold open risk, replaces the carry set, and returns the full
// subscription list. Markets from past windows leave the set only once the
// ledger shows no open risk for them.
func (b *Bot) refreshActive(markets []types.Market, now time.Time) []types.Market {
	active := make(map[string]types.Market, len(markets)+len(b.carry))
	for id, m := range b.carry {
		if !schedule.CanTeardown(m, b.ledger, now) {
			active[id] = m
		}
	}
	for _, m := range markets {
		active[m.ConditionID] = m
	}
	b.carry = active

	subscribed := make([]types.Market, 0, len(active))
	for _, m := range active {
		subscribed = append(subscribed, m)
	}
	return subscribed
}

// teardownSettled logs markets that must outlive their window because the
// ledger still shows open risk for them.
func (b *Bot) teardownSettled(active map[string]types.Market) {
	now := time.Now()
	for id, m := range active {
		if !schedule.CanTeardown(m, b.ledger, now) && now.After(m.WindowEnd) {
			b.log.Warn("market window ended with open risk, teardown delayed",
				zap.String("condition_id", id),
				zap.String("slug", m.Slug))
		}
	}
}

// evaluate runs detection for one market and, if the risk gate approves,
// hands the opportunity to the execution engine.
func (b *Bot) evaluate(ctx context.Context, m types.Market) {
	metrics.BookUpdates.Inc()

	yes, no, ok := b.feed.Pair(m)
	if !ok {
		return
	}
	b.evaluatePair(ctx, m, yes, no)
}

// evaluatePair is the detection-to-dispatch path for one book pair. The
// reservation taken by the gate keeps a second evaluation of the same market
// from double-spending while the execution goroutine runs.
func (b *Bot) evaluatePair(ctx context.Context, m types.Market, yes, no types.BookSnapshot) {
	now := time.Now()
	if !yes.Fresh(now, b.params.StaleAfter) || !no.Fresh(now, b.params.StaleAfter) {
		metrics.StaleBooks.Inc()
		return
	}

	opp, ok := detector.Evaluate(yes, no, m.WindowEnd, now, b.params)
	if !ok {
		return
	}
	metrics.OpportunitiesDetected.Inc()
	spread, _ := opp.Spread.Float64()
	metrics.BestSpread.WithLabelValues(m.Symbol).Set(spread)
	b.journal.Opportunity(ctx, opp)

	approved, ok := b.gate.Approve(opp)
	if !ok {
		return
	}
	b.dispatchExecution(ctx, m, approved)
}

// dispatchExecution runs the engine in the background while keeping the
// execution joinable at shutdown.
func (b *Bot) dispatchExecution(ctx context.Context, m types.Market, opp types.Opportunity) {
	b.execWG.Add(1)
	go func() {
		defer b.execWG.Done()
		b.engine.Execute(ctx, m, opp)
	}()
}

// NewLogger builds the production JSON logger.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	return cfg.Build()
}
