package state

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	valkeymock "github.com/valkey-io/valkey-go/mock"
	"go.uber.org/mock/gomock"
)

func TestValkeyManager(t *testing.T) {
	t.Run("Allow method", func(t *testing.T) {
		t.Run("success when no cooldown", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			manager := NewValkeyManager(mockClient)
			ctx := context.Background()

			mockResponse := valkeymock.Result(valkeymock.ValkeyArray(valkeymock.ValkeyInt64(1)))
			mockClient.EXPECT().
				Do(ctx, valkeymock.MatchFn(func(cmd []string) bool {
					return cmd[0] == "EVAL" &&
						cmd[len(cmd)-1] == "medgate:cooldown:prov-1"
				}, "EVAL script with correct cooldown key")).
				Return(mockResponse)

			allowed, wait, err := manager.Allow(ctx, "prov-1")

			assert.NoError(t, err)
			assert.True(t, allowed)
			assert.Equal(t, time.Duration(0), wait)
		})

		t.Run("not allowed during cooldown", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			manager := NewValkeyManager(mockClient)
			ctx := context.Background()

			mockResponse := valkeymock.Result(valkeymock.ValkeyArray(
				valkeymock.ValkeyInt64(0),
				valkeymock.ValkeyInt64(50000),
			))

			mockClient.EXPECT().
				Do(ctx, valkeymock.MatchFn(func(cmd []string) bool {
					return cmd[0] == "EVAL" &&
						cmd[len(cmd)-1] == "medgate:cooldown:prov-1"
				}, "EVAL script with correct cooldown key")).
				Return(mockResponse)

			allowed, wait, err := manager.Allow(ctx, "prov-1")

			assert.NoError(t, err)
			assert.False(t, allowed)
			assert.Equal(t, 50*time.Millisecond, wait)
		})

		t.Run("handles error", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			manager := NewValkeyManager(mockClient)
			ctx := context.Background()

			mockClient.EXPECT().
				Do(ctx, gomock.Any()).
				Return(valkeymock.ErrorResult(fmt.Errorf("valkey error")))

			allowed, wait, err := manager.Allow(ctx, "prov-1")

			assert.Error(t, err)
			assert.False(t, allowed)
			assert.Equal(t, time.Duration(0), wait)
		})
	})

	t.Run("Cooldown method", func(t *testing.T) {
		t.Run("success", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			manager := NewValkeyManager(mockClient)
			ctx := context.Background()

			mockClient.EXPECT().
				Do(ctx, valkeymock.MatchFn(func(cmd []string) bool {
					return cmd[0] == "EVAL" &&
						cmd[len(cmd)-2] == "medgate:cooldown:prov-1" &&
						cmd[len(cmd)-1] == "60000"
				}, "EVAL script with correct key and duration")).
				Return(valkeymock.Result(valkeymock.ValkeyInt64(0)))

			err := manager.Cooldown(ctx, "prov-1", time.Minute)
			assert.NoError(t, err)
		})

		t.Run("handles error", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			manager := NewValkeyManager(mockClient)
			ctx := context.Background()

			mockClient.EXPECT().
				Do(ctx, gomock.Any()).
				Return(valkeymock.ErrorResult(fmt.Errorf("valkey error")))

			err := manager.Cooldown(ctx, "prov-1", time.Minute)
			assert.Error(t, err)
		})
	})
}
