package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const DefaultRetryKey = "notify:retry"

// Job is a message waiting for another delivery attempt.
type Job struct {
	ID       string    `json:"id"`
	Phone    string    `json:"phone"`
	Text     string    `json:"text"`
	Attempts int       `json:"attempts"`
	FirstTry time.Time `json:"first_try"`
}

// RetryQueue keeps jobs in a Redis sorted set scored by the unix millisecond
// at which they become due.
type RetryQueue struct {
	rdb *redis.Client
	key string
}

func NewRetryQueue(rdb *redis.Client, key string) *RetryQueue {
	if key == "" {
		key = DefaultRetryKey
	}
	return &RetryQueue{rdb: rdb, key: key}
}

func (q *RetryQueue) Push(ctx context.Context, job Job, due time.Time) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.ZAdd(ctx, q.key, &redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: payload,
	}).Err()
}

// Due claims up to limit jobs whose time has come. A job is returned to at
// most one caller: only the caller whose ZREM removed it gets it.
func (q *RetryQueue) Due(ctx context.Context, now time.Time, limit int64) ([]Job, error) {
	members, err := q.rdb.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}

	var jobs []Job
	for _, m := range members {
		removed, err := q.rdb.ZRem(ctx, q.key, m).Result()
		if err != nil {
			return jobs, err
		}
		if removed == 0 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(m), &job); err != nil {
			logger.Error().Err(err).Msgf("Dropping malformed retry job %q", m)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RetryQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.key).Result()
}
