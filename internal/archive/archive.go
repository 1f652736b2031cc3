// internal/archive/archive.go
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/dmaresca/txpilot/internal/chain"
	"github.com/dmaresca/txpilot/pkg/config"
	"github.com/dmaresca/txpilot/pkg/errors"
	"github.com/dmaresca/txpilot/pkg/logging"
)

const (
	// Record key prefix for storing terminal submission records
	recordKeyPrefix = "record:"

	// Sorted set of all terminal records by completion time
	recentRecordsKey = "records:recent"

	// Per-chain record index prefix (chain:<id>:records)
	chainIndexPrefix = "chain:"

	// Per-account record index prefix (account:<sender>:records)
	accountIndexPrefix = "account:"

	// Outcome counter prefix (stats:<chain>:<outcome>)
	statsKeyPrefix = "stats:"
)

// outcomes the counters track.
var outcomes = []chain.State{
	chain.StateConfirmed,
	chain.StateReverted,
	chain.StateDropped,
	chain.StateRejected,
}

// Archive stores terminal submission records in Redis: the record body by
// ID, recency and per-chain/per-account indexes, and outcome counters.
type Archive struct {
	Client *redis.Client
	logger *logging.Logger
}

// New creates a Redis-backed archive and verifies the connection.
func New(cfg config.RedisConfig, logger *logging.Logger) (*Archive, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if _, err := client.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}

	return &Archive{
		Client: client,
		logger: logger.WithField("component", "archive"),
	}, nil
}

// Close closes the Redis connection.
func (a *Archive) Close() error {
	return a.Client.Close()
}

// Ping verifies the connection for health checks.
func (a *Archive) Ping(ctx context.Context) error {
	return a.Client.Ping(ctx).Err()
}

// Store writes one terminal record and its indexes.
func (a *Archive) Store(ctx context.Context, rec *chain.SubmissionRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encoding submission record")
	}

	completed := rec.CompletedAt
	if completed.IsZero() {
		completed = time.Now().UTC()
	}
	score := float64(completed.UnixMilli())
	id := rec.Request.ID

	pipe := a.Client.TxPipeline()
	pipe.Set(ctx, recordKeyPrefix+id, body, 0)
	pipe.ZAdd(ctx, recentRecordsKey, &redis.Z{Score: score, Member: id})
	pipe.ZAdd(ctx, chainIndexPrefix+rec.Request.ChainID+":records", &redis.Z{Score: score, Member: id})
	pipe.ZAdd(ctx, accountIndexPrefix+rec.Request.Sender+":records", &redis.Z{Score: score, Member: id})
	pipe.Incr(ctx, statsKeyPrefix+rec.Request.ChainID+":"+string(rec.State))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "storing submission record")
	}
	return nil
}

// Get retrieves a terminal record by submission ID.
func (a *Archive) Get(ctx context.Context, id string) (*chain.SubmissionRecord, error) {
	body, err := a.Client.Get(ctx, recordKeyPrefix+id).Result()
	if err == redis.Nil {
		return nil, errors.SubmissionWrapWithCode(errors.ErrSubmissionNotFound, errors.OpComplete,
			errors.SubmissionErrNotFound, errors.Sprintf("no archived submission %s", id))
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading submission record")
	}

	var rec chain.SubmissionRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, errors.Wrap(err, "decoding submission record")
	}
	return &rec, nil
}

// Recent returns the newest terminal records across all chains.
func (a *Archive) Recent(ctx context.Context, limit int64) ([]*chain.SubmissionRecord, error) {
	return a.fetchIndex(ctx, recentRecordsKey, limit, 0)
}

// ChainRecords returns a chain's terminal records, newest first.
func (a *Archive) ChainRecords(ctx context.Context, chainID string, limit, offset int64) ([]*chain.SubmissionRecord, error) {
	return a.fetchIndex(ctx, chainIndexPrefix+chainID+":records", limit, offset)
}

// AccountRecords returns an account's terminal records, newest first.
func (a *Archive) AccountRecords(ctx context.Context, account string, limit, offset int64) ([]*chain.SubmissionRecord, error) {
	return a.fetchIndex(ctx, accountIndexPrefix+account+":records", limit, offset)
}

func (a *Archive) fetchIndex(ctx context.Context, key string, limit, offset int64) ([]*chain.SubmissionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := a.Client.ZRevRange(ctx, key, offset, offset+limit-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "reading record index")
	}

	records := make([]*chain.SubmissionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := a.Get(ctx, id)
		if err != nil {
			// Index entries can outlive their record; skip holes.
			a.logger.Debug("index entry without record", "id", id)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// OutcomeCounts returns a chain's terminal-outcome counters.
func (a *Archive) OutcomeCounts(ctx context.Context, chainID string) (map[string]int64, error) {
	counts := make(map[string]int64, len(outcomes))
	for _, outcome := range outcomes {
		n, err := a.Client.Get(ctx, statsKeyPrefix+chainID+":"+string(outcome)).Int64()
		if err == redis.Nil {
			n = 0
		} else if err != nil {
			return nil, errors.Wrap(err, "reading outcome counter")
		}
		counts[string(outcome)] = n
	}
	return counts, nil
}
