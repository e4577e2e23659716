package budget

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// reserveScript atomically checks the balance, debits it, and records the
// run's hold. Returns 1 on success, 0 when funds are insufficient.
var reserveScript = redis.NewScript(`
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if balance < amount then
  return 0
end
redis.call('INCRBYFLOAT', KEYS[1], -amount)
redis.call('SET', KEYS[2], ARGV[1])
return 1
`)

// settleScript atomically releases a hold: the unspent remainder flows
// back to the balance and the hold key is removed. Returns the refund as
// a string, or false when no hold exists.
var settleScript = redis.NewScript(`
local held = redis.call('GET', KEYS[2])
if not held then
  return false
end
redis.call('DEL', KEYS[2])
local refund = tonumber(held) - tonumber(ARGV[1])
if refund < 0 then
  refund = 0
end
if refund > 0 then
  redis.call('INCRBYFLOAT', KEYS[1], refund)
end
return tostring(refund)
`)

// RedisLedger is a shared ledger backed by Redis, safe for multiple
// engine instances drawing on one balance.
type RedisLedger struct {
	client    *redis.Client
	namespace string
	logger    *zap.Logger
}

// NewRedisLedger creates a ledger under the given key namespace.
func NewRedisLedger(client *redis.Client, namespace string, logger *zap.Logger) *RedisLedger {
	if namespace == "" {
		namespace = "flowline:budget"
	}
	return &RedisLedger{client: client, namespace: namespace, logger: logger}
}

func (l *RedisLedger) balanceKey() string {
	return l.namespace + ":balance"
}

func (l *RedisLedger) holdKey(runID string) string {
	return l.namespace + ":hold:" + runID
}

// Reserve holds amount for the run. Returns false without error when the
// balance cannot cover it.
func (l *RedisLedger) Reserve(ctx context.Context, runID string, amount float64) (bool, error) {
	if amount < 0 {
		return false, fmt.Errorf("negative reservation %v", amount)
	}
	keys := []string{l.balanceKey(), l.holdKey(runID)}
	res, err := reserveScript.Run(ctx, l.client, keys, amount).Int()
	if err != nil {
		return false, fmt.Errorf("reserve for run %s: %w", runID, err)
	}
	if res == 0 {
		l.logger.Debug("reservation declined",
			zap.String("run", runID),
			zap.Float64("amount", amount))
		return false, nil
	}
	return true, nil
}

// Settle releases the run's hold, charging spent and refunding the
// remainder to the balance.
func (l *RedisLedger) Settle(ctx context.Context, runID string, spent float64) (float64, error) {
	keys := []string{l.balanceKey(), l.holdKey(runID)}
	res, err := settleScript.Run(ctx, l.client, keys, spent).Result()
	if err == redis.Nil {
		return 0, fmt.Errorf("run %s holds no reservation", runID)
	}
	if err != nil {
		return 0, fmt.Errorf("settle run %s: %w", runID, err)
	}
	refund, err := strconv.ParseFloat(res.(string), 64)
	if err != nil {
		return 0, fmt.Errorf("parse refund %v: %w", res, err)
	}
	return refund, nil
}

// Deposit adds funds to the shared balance.
func (l *RedisLedger) Deposit(ctx context.Context, amount float64) (float64, error) {
	v, err := l.client.IncrByFloat(ctx, l.balanceKey(), amount).Result()
	if err != nil {
		return 0, fmt.Errorf("deposit: %w", err)
	}
	return v, nil
}

// Balance returns the available balance, excluding held reservations.
func (l *RedisLedger) Balance(ctx context.Context) (float64, error) {
	v, err := l.client.Get(ctx, l.balanceKey()).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return v, nil
}
