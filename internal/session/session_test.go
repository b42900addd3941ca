package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/field-dispatch/internal/logging"
	"github.com/example/field-dispatch/internal/models"
)

type recordingSink struct {
	mu      sync.Mutex
	snaps   []models.Technician
	removed []string
}

func (r *recordingSink) Upsert(_ context.Context, t models.Technician) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, t)
	return nil
}

func (r *recordingSink) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
	r.snaps = append(r.snaps, models.Technician{ID: id})
	return nil
}

func (r *recordingSink) last() models.Technician {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

var here = models.Coord{Lat: 14.6349, Lon: -90.5069}

func onlineRegistry(t *testing.T, ids ...string) (*Registry, *recordingSink) {
	t.Helper()
	ctx := context.Background()
	sink := &recordingSink{}
	r := NewRegistry(3, sink, logging.Discard())
	for _, id := range ids {
		_, err := r.Register(ctx, models.Technician{ID: id, VehicleType: models.VehicleTowTruck, Rating: 4.6})
		require.NoError(t, err)
		_, err = r.GoOnline(ctx, id, here)
		require.NoError(t, err)
	}
	return r, sink
}

func TestRegisterRejectsUnknownVehicle(t *testing.T) {
	r := NewRegistry(3, nil, logging.Discard())
	_, err := r.Register(context.Background(), models.Technician{ID: "t1", VehicleType: "hovercraft"})
	assert.ErrorIs(t, err, ErrInvalidProfile)
}

func TestOnlineOfflineToggle(t *testing.T) {
	ctx := context.Background()
	r, sink := onlineRegistry(t, "t1")

	tech, ok := r.Get("t1")
	require.True(t, ok)
	assert.Equal(t, models.TechOnline, tech.State)
	require.NotNil(t, tech.Position)
	assert.True(t, sink.last().Online)

	open, err := r.GoOffline(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, open)
	tech, _ = r.Get("t1")
	assert.Equal(t, models.TechOffline, tech.State)
	assert.Nil(t, tech.Position)
	assert.False(t, sink.last().Online)
	sink.mu.Lock()
	assert.Contains(t, sink.removed, "t1")
	sink.mu.Unlock()
}

func TestOfferCapIsEnforced(t *testing.T) {
	ctx := context.Background()
	r, _ := onlineRegistry(t, "t1")

	for i := 0; i < 3; i++ {
		require.NoError(t, r.ReserveOffer(ctx, "t1", fmt.Sprintf("req-%d", i)))
	}
	assert.ErrorIs(t, r.ReserveOffer(ctx, "t1", "req-3"), ErrCapacityExceeded)

	tech, _ := r.Get("t1")
	assert.Equal(t, 3, tech.ActiveOffers)
	assert.Equal(t, models.TechJobOffered, tech.State)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.ReleaseOffer(ctx, "t1", fmt.Sprintf("req-%d", i)))
	}
	tech, _ = r.Get("t1")
	assert.Equal(t, 0, tech.ActiveOffers)
	assert.Equal(t, models.TechOnline, tech.State)
}

func TestConcurrentReservationsNeverExceedCap(t *testing.T) {
	ctx := context.Background()
	r, sink := onlineRegistry(t, "t1")

	const attempts = 32
	var wg sync.WaitGroup
	var granted atomic.Int32
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := r.ReserveOffer(ctx, "t1", fmt.Sprintf("req-%d", i))
			if err == nil {
				granted.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrCapacityExceeded)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(3), granted.Load())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, s := range sink.snaps {
		assert.LessOrEqual(t, s.ActiveOffers, 3)
		assert.GreaterOrEqual(t, s.ActiveOffers, 0)
	}
}

func TestGoOfflineReturnsOpenOffers(t *testing.T) {
	ctx := context.Background()
	r, _ := onlineRegistry(t, "t1")
	require.NoError(t, r.ReserveOffer(ctx, "t1", "req-b"))
	require.NoError(t, r.ReserveOffer(ctx, "t1", "req-a"))

	open, err := r.GoOffline(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"req-a", "req-b"}, open)
	assert.ErrorIs(t, r.ReserveOffer(ctx, "t1", "req-c"), ErrUnavailable)
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	r, _ := onlineRegistry(t, "t1")
	require.NoError(t, r.ReserveOffer(ctx, "t1", "req-1"))
	require.NoError(t, r.BeginJob(ctx, "t1", "req-1"))
	require.NoError(t, r.ReleaseOffer(ctx, "t1", "req-1"))

	tech, _ := r.Get("t1")
	assert.Equal(t, models.TechEnRoute, tech.State)

	_, err := r.GoOffline(ctx, "t1")
	assert.ErrorIs(t, err, ErrActiveJob)
	assert.ErrorIs(t, r.StartService(ctx, "t1", "req-1"), ErrInvalidTransition)
	assert.ErrorIs(t, r.ReserveOffer(ctx, "t1", "req-2"), ErrUnavailable)

	require.NoError(t, r.MarkArrived(ctx, "t1", "req-1"))
	require.NoError(t, r.StartService(ctx, "t1", "req-1"))
	done := time.Now()
	tech, err = r.CloseJob(ctx, "t1", "req-1", done)
	require.NoError(t, err)
	assert.Equal(t, models.TechOnline, tech.State)
	assert.Equal(t, 1, tech.CompletedJobs)
	assert.True(t, tech.LastCompletedAt.Equal(done))
}

func TestReleaseJobReturnsTechnicianOnline(t *testing.T) {
	ctx := context.Background()
	r, _ := onlineRegistry(t, "t1")
	require.NoError(t, r.ReserveOffer(ctx, "t1", "req-1"))
	require.NoError(t, r.BeginJob(ctx, "t1", "req-1"))
	require.NoError(t, r.ReleaseOffer(ctx, "t1", "req-1"))

	require.NoError(t, r.ReleaseJob(ctx, "t1", "req-1"))
	tech, _ := r.Get("t1")
	assert.Equal(t, models.TechOnline, tech.State)
	assert.Empty(t, tech.CurrentJob)
}

// gatedSink holds index writes for one technician until released.
type gatedSink struct {
	recordingSink
	id      string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSink) Upsert(ctx context.Context, t models.Technician) error {
	if t.ID == g.id {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		<-g.release
	}
	return g.recordingSink.Upsert(ctx, t)
}

func TestSlowIndexWriteDoesNotHoldSessionLock(t *testing.T) {
	ctx := context.Background()
	sink := &gatedSink{id: "t1", entered: make(chan struct{}, 1), release: make(chan struct{})}
	r := NewRegistry(3, sink, logging.Discard())
	for _, id := range []string{"t1", "t2"} {
		_, err := r.Register(ctx, models.Technician{ID: id, VehicleType: models.VehicleTowTruck})
		require.NoError(t, err)
	}
	close(sink.release)
	_, err := r.GoOnline(ctx, "t1", here)
	require.NoError(t, err)
	_, err = r.GoOnline(ctx, "t2", here)
	require.NoError(t, err)

	sink.entered = make(chan struct{}, 1)
	sink.release = make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- r.ReserveOffer(ctx, "t1", "req-1") }()
	<-sink.entered

	start := time.Now()
	tech, ok := r.Get("t1")
	require.True(t, ok)
	assert.Equal(t, 1, tech.ActiveOffers)
	require.NoError(t, r.ReserveOffer(ctx, "t2", "req-2"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(sink.release)
	require.NoError(t, <-done)
}

func TestOlderSnapshotIsNotPushed(t *testing.T) {
	ctx := context.Background()
	r, sink := onlineRegistry(t, "t1")
	_, err := r.UpdatePosition(ctx, "t1", models.Coord{Lat: 14.7, Lon: -90.5})
	require.NoError(t, err)

	s := r.session("t1")
	sink.mu.Lock()
	n := len(sink.snaps)
	sink.mu.Unlock()

	r.push(ctx, s, models.Technician{ID: "t1", Online: true, Position: &here}, s.version-1)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.snaps, n)
	require.NotNil(t, sink.snaps[n-1].Position)
	assert.InDelta(t, 14.7, sink.snaps[n-1].Position.Lat, 1e-9)
}
