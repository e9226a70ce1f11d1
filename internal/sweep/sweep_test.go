package sweep

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-ai/steward/internal/approval"
)

type fakeSweeper struct {
	mu    sync.Mutex
	calls int
	out   []*approval.Request
}

func (f *fakeSweeper) ExpireStale(ctx context.Context, now time.Time) ([]*approval.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.out, nil
}

type fakeResetter struct {
	mu      sync.Mutex
	daily   map[string]int
	monthly map[string]int
}

func newFakeResetter() *fakeResetter {
	return &fakeResetter{daily: make(map[string]int), monthly: make(map[string]int)}
}

func (f *fakeResetter) ResetDaily(ctx context.Context, tenantID string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.daily[tenantID]++
	return f.daily[tenantID] == 1, nil
}

func (f *fakeResetter) ResetMonthly(ctx context.Context, tenantID string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monthly[tenantID]++
	return false, nil
}

type fakeTenants struct{ ids []string }

func (f *fakeTenants) TenantIDs() []string { return f.ids }

func TestRegister_AddsBothJobs(t *testing.T) {
	s := NewScheduler(&fakeSweeper{}, newFakeResetter(), &fakeTenants{})
	require.NoError(t, s.Register())
	assert.Equal(t, 2, s.Entries())
}

func TestRunExpiry_CallsSweeper(t *testing.T) {
	sweeper := &fakeSweeper{}
	s := NewScheduler(sweeper, newFakeResetter(), &fakeTenants{})

	s.RunExpiry(time.Now().UTC())
	assert.Equal(t, 1, sweeper.calls)
}

func TestRunResets_CoversEveryTenant(t *testing.T) {
	resetter := newFakeResetter()
	s := NewScheduler(&fakeSweeper{}, resetter, &fakeTenants{ids: []string{"acme", "globex"}})

	s.RunResets(time.Now().UTC())

	assert.Equal(t, 1, resetter.daily["acme"])
	assert.Equal(t, 1, resetter.daily["globex"])
	assert.Equal(t, 1, resetter.monthly["acme"])
	assert.Equal(t, 1, resetter.monthly["globex"])
}

func TestStartStop(t *testing.T) {
	s := NewScheduler(&fakeSweeper{}, newFakeResetter(), &fakeTenants{})
	require.NoError(t, s.Register())

	s.Start()
	s.Stop()
}
