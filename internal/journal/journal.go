package journal

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/updown-arb/internal/config"
	"github.com/you/updown-arb/internal/types"
)

const (
	writeTimeout = 2 * time.Second
	maxStreamLen = 100_000
)

// Journal appends trade and merge events to a redis stream for offline
// analysis. Journalling is best-effort: a write failure is logged, never
// propagated into the trading path.
type Journal struct {
	rdb    *redis.Client
	stream string
	log    *zap.Logger
}

func New(cfg *config.Config, log *zap.Logger) *Journal {
	if cfg.Redis.Addr == "" {
		return &Journal{log: log}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
	})
	return &Journal{rdb: rdb, stream: cfg.Redis.Stream, log: log}
}

// NewWithClient wires an existing redis client, used by tests.
func NewWithClient(rdb *redis.Client, stream string, log *zap.Logger) *Journal {
	return &Journal{rdb: rdb, stream: stream, log: log}
}

func (j *Journal) Enabled() bool {
	return j.rdb != nil
}

func (j *Journal) Close() error {
	if j.rdb == nil {
		return nil
	}
	return j.rdb.Close()
}

func (j *Journal) emit(ctx context.Context, fields map[string]interface{}) {
	if j.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	err := j.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: j.stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: fields,
	}).Err()
	if err != nil {
		j.log.Warn("journal write failed", zap.Error(err))
	}
}

// Opportunity records a detected spread before risk gating.
func (j *Journal) Opportunity(ctx context.Context, opp types.Opportunity) {
	j.emit(ctx, map[string]interface{}{
		"event":        "opportunity",
		"condition_id": opp.ConditionID,
		"yes_ask":      opp.YesAsk.String(),
		"no_ask":       opp.NoAsk.String(),
		"spread":       opp.Spread.String(),
		"profit_ratio": opp.ProfitRatio.String(),
		"size":         opp.Size.String(),
		"ts_ms":        opp.Ts.UnixMilli(),
	})
}

// Execution records the outcome of a paired order attempt.
func (j *Journal) Execution(ctx context.Context, conditionID, result string, yesFilled, noFilled, spentUSDC string) {
	j.emit(ctx, map[string]interface{}{
		"event":        "execution",
		"condition_id": conditionID,
		"result":       result,
		"yes_filled":   yesFilled,
		"no_filled":    noFilled,
		"spent_usdc":   spentUSDC,
		"ts_ms":        time.Now().UnixMilli(),
	})
}

// Merge records a completed or failed on-chain merge.
func (j *Journal) Merge(ctx context.Context, job types.MergeJob, errMsg string) {
	j.emit(ctx, map[string]interface{}{
		"event":        "merge",
		"condition_id": job.ConditionID,
		"quantity":     job.Quantity.String(),
		"status":       string(job.Status),
		"tx_hash":      job.TxHash,
		"error":        errMsg,
		"ts_ms":        time.Now().UnixMilli(),
	})
}
