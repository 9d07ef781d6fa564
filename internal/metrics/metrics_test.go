package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aknats "github.com/minasoft/aki-detector/internal/nats"
)

type recorder struct {
	mu     sync.Mutex
	counts map[Counter]int
}

func (r *recorder) Inc(c Counter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[Counter]int)
	}
	r.counts[c]++
}

func TestCounters_HaveHelp(t *testing.T) {
	for _, c := range Counters() {
		assert.NotEmpty(t, c.Help(), c)
	}
}

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, nil, b, Nop{}}

	m.Inc(PagesSent)
	m.Inc(PagesSent)

	assert.Equal(t, 2, a.counts[PagesSent])
	assert.Equal(t, 2, b.counts[PagesSent])
}

func TestOrNop(t *testing.T) {
	assert.Equal(t, Nop{}, OrNop(nil))
	r := &recorder{}
	assert.Same(t, r, OrNop(r))
}

func TestPrometheus(t *testing.T) {
	p := NewPrometheus()

	p.Inc(MessagesReceived)
	p.Inc(MessagesReceived)
	p.Inc(Counter("unknown"))

	assert.Equal(t, 2.0, testutil.ToFloat64(p.counters[MessagesReceived]))

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "aki_messages_received_total 2")
	assert.Contains(t, string(body), "aki_uptime_seconds")
}

func TestKVStats(t *testing.T) {
	es, err := aknats.NewEmbeddedServer(t.TempDir())
	require.NoError(t, err)
	defer es.Shutdown()

	ctx := context.Background()
	kv, err := es.KeyValue(ctx, aknats.StatsBucket)
	require.NoError(t, err)

	stats, err := NewKVStats(ctx, kv)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats.Inc(AcksSent)
		}()
	}
	wg.Wait()
	stats.Inc(PagesFailed)

	snapshot, err := stats.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snapshot[AcksSent])
	assert.Equal(t, int64(1), snapshot[PagesFailed])
	assert.Equal(t, int64(0), snapshot[Reconnections])

	// Reopening keeps existing totals
	stats, err = NewKVStats(ctx, kv)
	require.NoError(t, err)
	v, err := stats.Get(ctx, AcksSent)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)
}
