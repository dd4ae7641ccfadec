package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/etl-loader/internal/domain/model"
)

func TestNewLeasePolicy(t *testing.T) {
	policy, err := NewLeasePolicy(30 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, policy.Default())
	assert.Equal(t, 10*time.Second, policy.HeartbeatInterval())

	policy, err = NewLeasePolicy(0)
	require.ErrorIs(t, err, ErrInvalidDefaultLease)
	assert.Nil(t, policy)

	policy, err = NewLeasePolicy(2 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, MaxLease, policy.Default())
}

func TestLeasePolicy_Resolve(t *testing.T) {
	policy, err := NewLeasePolicy(30 * time.Second)
	require.NoError(t, err)

	tests := []struct {
		name    string
		request time.Duration
		seconds int
		source  LeaseSource
	}{
		{"explicit", 45 * time.Second, 45, LeaseSourceExplicit},
		{"default", 0, 30, LeaseSourceDefault},
		{"sub-second", 500 * time.Millisecond, 1, LeaseSourceClamped},
		{"negative", -5 * time.Second, 1, LeaseSourceClamped},
		{"above max", 3 * time.Hour, 3600, LeaseSourceClamped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := policy.Resolve(tt.request)
			assert.Equal(t, tt.seconds, d.Seconds)
			assert.Equal(t, tt.source, d.Source)
			assert.Equal(t, time.Duration(tt.seconds)*time.Second, d.Duration())
		})
	}
}

func TestCheckTransition(t *testing.T) {
	require.NoError(t, CheckTransition("j", "pending", "processing"))
	require.Error(t, CheckTransition("j", "processing", "pending"))
	require.NoError(t, CheckTransition("j", "pending", "cancelled"))

	err := CheckTransition("j", "completed", "processing")
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "j", te.JobID)
	assert.Contains(t, err.Error(), "completed -> processing")

	assert.False(t, CanTransition("cancelled", "pending"))
	assert.False(t, CanTransition("failed", "completed"))
}

func TestSourcesOf(t *testing.T) {
	assert.Equal(t, []model.JobStatus{model.JobStatusPending, model.JobStatusProcessing}, SourcesOf(model.JobStatusCancelled))
	assert.Equal(t, []model.JobStatus{model.JobStatusProcessing}, SourcesOf(model.JobStatusCompleted))
	assert.Empty(t, SourcesOf(model.JobStatusPending))
}
