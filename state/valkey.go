package state

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

type ValkeyManager struct {
	client valkey.Client
}

func NewValkeyManager(client valkey.Client) *ValkeyManager {
	return &ValkeyManager{client: client}
}

func (r *ValkeyManager) Allow(ctx context.Context, providerId string) (bool, time.Duration, error) {
	key := fmt.Sprintf("medgate:cooldown:%s", providerId)

	script := `
		local current_time_micro = redis.call('TIME')[1] * 1000000 + redis.call('TIME')[2]
		local cooldown_until_micro = redis.call('GET', KEYS[1])

		if not cooldown_until_micro or tonumber(cooldown_until_micro) <= current_time_micro then
			return {1}
		else
			return {0, tonumber(cooldown_until_micro) - current_time_micro}
		end
	`

	resp := r.client.Do(ctx, r.client.B().Eval().Script(script).Numkeys(1).Key(key).Build())

	result, err := resp.AsIntSlice()
	if err != nil {
		return false, 0, err
	}

	if result[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(result[1]) * time.Microsecond, nil
}

func (r *ValkeyManager) Cooldown(ctx context.Context, providerId string, duration time.Duration) error {
	key := fmt.Sprintf("medgate:cooldown:%s", providerId)

	script := `
		local current_time_micro = redis.call('TIME')[1] * 1000000 + redis.call('TIME')[2]
		local cooldown_until_micro = current_time_micro + tonumber(ARGV[1]) * 1000
		redis.call('SET', KEYS[1], cooldown_until_micro)
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		return cooldown_until_micro
	`

	resp := r.client.Do(ctx, r.client.B().Eval().Script(script).Numkeys(1).Key(key).Arg(
		fmt.Sprintf("%d", duration.Milliseconds()),
	).Build())

	return resp.Error()
}
