package alarm

import (
	"PositionLedger/internal/ingestion"
	"PositionLedger/internal/math"
	"PositionLedger/internal/observability"
	"PositionLedger/internal/state"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// EventKey is the key alarms are published under on the event topic.
const EventKey = "limit-alarm"

var alarmNamespace = uuid.MustParse("6f2a4c1e-9d7b-5e3a-8c41-2b7d9e0f1a53")

// KeyStore claims keys that expire after a TTL.
type KeyStore interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
}

// Publisher sends encoded events.
type Publisher interface {
	Publish(ctx context.Context, msgs []ingestion.Outbound) error
}

// RedisStore is a KeyStore backed by Redis.
type RedisStore struct {
	client *redis.Client
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// Ping reports whether Redis answers; used as a readiness dependency.
func (s *RedisStore) Ping(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

// LimitAlarm is the event published when an account crosses its threshold.
type LimitAlarm struct {
	ID                       string          `json:"id"`
	ParticipantCurrencyID    state.AccountID `json:"participantCurrencyId"`
	ParticipantLimitID       int64           `json:"participantLimitId"`
	LimitValue               math.Decimal    `json:"limitValue"`
	ThresholdAlarmPercentage math.Decimal    `json:"thresholdAlarmPercentage"`
	RaisedAt                 string          `json:"raisedAt"`
}

// Notifier publishes limit alarms at most once per account and limit within
// the TTL window.
type Notifier struct {
	store     KeyStore
	publisher Publisher
	ttl       time.Duration
	metrics   *observability.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewNotifier(store KeyStore, publisher Publisher, ttl time.Duration, metrics *observability.Metrics) *Notifier {
	return &Notifier{
		store:     store,
		publisher: publisher,
		ttl:       ttl,
		metrics:   metrics,
		logger:    observability.NewLogger("alarm"),
		now:       time.Now,
	}
}

func Key(limit state.ParticipantLimit) string {
	return fmt.Sprintf("alarm:%s:%d", limit.ParticipantCurrencyID, limit.ParticipantLimitID)
}

// Notify publishes the alarms not raised within the TTL and returns how many
// were published. When Redis is unreachable the alarm is published anyway;
// consumers tolerate duplicates.
func (n *Notifier) Notify(ctx context.Context, alarms []state.ParticipantLimit) (int, error) {
	if len(alarms) == 0 {
		return 0, nil
	}

	raisedAt := n.now().UTC()
	out := make([]ingestion.Outbound, 0, len(alarms))
	for _, limit := range alarms {
		key := Key(limit)
		fresh, err := n.store.SetNX(ctx, key, raisedAt.Format(time.RFC3339Nano), n.ttl)
		if err != nil {
			n.logger.Warn().Err(err).Str("key", key).Msg("alarm dedup unavailable")
			fresh = true
		}
		if !fresh {
			n.logger.Debug().Str("key", key).Msg("alarm already raised")
			continue
		}

		data, err := json.Marshal(LimitAlarm{
			ID:                       uuid.NewSHA1(alarmNamespace, []byte(key+"\x00"+raisedAt.Format(time.RFC3339Nano))).String(),
			ParticipantCurrencyID:    limit.ParticipantCurrencyID,
			ParticipantLimitID:       limit.ParticipantLimitID,
			LimitValue:               limit.Value,
			ThresholdAlarmPercentage: limit.ThresholdAlarmPercentage,
			RaisedAt:                 raisedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return 0, fmt.Errorf("encode alarm %s: %w", key, err)
		}
		out = append(out, ingestion.Outbound{Kind: ingestion.OutboundEvent, Key: EventKey, Data: data})
	}

	if len(out) == 0 {
		return 0, nil
	}
	if err := n.publisher.Publish(ctx, out); err != nil {
		return 0, fmt.Errorf("publish alarms: %w", err)
	}

	n.metrics.LimitAlarms.Add(float64(len(out)))
	n.metrics.Published.WithLabelValues(ingestion.OutboundEvent.String()).Add(float64(len(out)))
	n.logger.Info().Int("count", len(out)).Msg("limit alarms raised")
	return len(out), nil
}
