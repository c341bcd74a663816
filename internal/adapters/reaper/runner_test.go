package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/dubbing-api/config"
	"github.com/target/dubbing-api/internal/mocks"
)

func TestNewRunner_RequiresStorage(t *testing.T) {
	_, err := NewRunner(RunnerOptions{Config: config.ReaperConfig{Interval: time.Minute}})
	require.Error(t, err)
}

func TestNewRunner_InvalidConfig(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, err := NewRunner(RunnerOptions{Repo: mocks.NewMockReaperRepository(ctrl)})
	require.ErrorContains(t, err, "wire reaper service")
}

func TestRunner_RunOnceWithInjectedRepo(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockReaperRepository(ctrl)
	repo.EXPECT().FailStalePendingTasks(gomock.Any(), time.Hour, 10).Return(nil, nil)
	repo.EXPECT().DeleteOldTasks(gomock.Any(), gomock.Any()).Return(nil, nil).Times(2)

	r, err := NewRunner(RunnerOptions{
		Repo: repo,
		Config: config.ReaperConfig{
			Interval:        time.Minute,
			PendingMaxAge:   time.Hour,
			CompletedMaxAge: 24 * time.Hour,
			FailedMaxAge:    24 * time.Hour,
			BatchSize:       10,
		},
	})
	require.NoError(t, err)
	require.NoError(t, r.RunOnce(context.Background()))
}
