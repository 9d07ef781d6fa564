package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minasoft/aki-detector/internal/hl7"
	"github.com/minasoft/aki-detector/internal/metrics"
	"github.com/minasoft/aki-detector/internal/predictor"
	"github.com/minasoft/aki-detector/internal/storage"
)

var now = time.Date(2025, time.February, 10, 9, 30, 0, 0, time.UTC)

func parse(s string) hl7.Event {
	return hl7.Parser{Now: func() time.Time { return now }}.Parse([]byte(s))
}

const (
	admission = "MSH|^~\\&|SIMULATION|SOUTH RIVERSIDE|||20250209133500||ADT^A01|CTRL1|P|2.5\r" +
		"PID|1||123456||DOE^JOHN||19900101|M\r"
	labResult = "MSH|^~\\&|SIMULATION|SOUTH RIVERSIDE|||20250209133600||ORU^R01|CTRL2|P|2.5\r" +
		"PID|1||123456\r" +
		"OBR|1||||||20250209133600\r" +
		"OBX|1|SN|CREATININE||165.65\r"
	unrecognized = "MSH|^~\\&|SIMULATION|SOUTH RIVERSIDE|||20250209133600||FOO^BAR|CTRL3|P|2.5\r"
)

type recordingPredictor struct {
	mu     sync.Mutex
	calls  []storage.FeatureVector
	result bool
	err    error
}

func (p *recordingPredictor) Predict(ctx context.Context, fv storage.FeatureVector) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fv)
	return p.result, p.err
}

type page struct {
	mrn string
	ts  time.Time
}

type recordingNotifier struct {
	pages []page
	err   error
}

func (n *recordingNotifier) Notify(ctx context.Context, mrn string, ts time.Time) error {
	n.pages = append(n.pages, page{mrn, ts})
	return n.err
}

// flakyStore fails every write while down is set
type flakyStore struct {
	storage.Store
	down bool
}

func (s *flakyStore) UpsertPatient(ctx context.Context, mrn string, age *int, sex *storage.Sex) error {
	if s.down {
		return storage.ErrTransient
	}
	return s.Store.UpsertPatient(ctx, mrn, age, sex)
}

func (s *flakyStore) UpsertMeasurement(ctx context.Context, mrn string, value float64, ts time.Time) error {
	if s.down {
		return storage.ErrTransient
	}
	return s.Store.UpsertMeasurement(ctx, mrn, value, ts)
}

type counts map[metrics.Counter]int

func (c counts) Inc(m metrics.Counter) { c[m]++ }

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "OK", OutcomeOK.String())
	assert.Equal(t, "STORAGE_ERROR", OutcomeStorageError.String())
	assert.Equal(t, "PREDICTION_ERROR", OutcomePredictionError.String())
	assert.Equal(t, "UNRECOGNIZED", OutcomeUnrecognized.String())
	assert.Equal(t, "UNKNOWN", Outcome(42).String())
}

func TestRoute_AdmissionThenLabResult(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	p := &recordingPredictor{}
	r := New(store, p, &recordingNotifier{})

	assert.Equal(t, OutcomeOK, r.Route(ctx, parse(admission)))
	assert.Equal(t, OutcomeOK, r.Route(ctx, parse(labResult)))

	require.Len(t, p.calls, 1)
	fv := p.calls[0]
	assert.Equal(t, "123456", fv.MRN)
	require.NotNil(t, fv.Age)
	assert.Equal(t, 35, *fv.Age)
	require.NotNil(t, fv.Sex)
	assert.Equal(t, storage.SexMale, *fv.Sex)
	require.Len(t, fv.Measurements, 1)
	assert.Equal(t, 165.65, fv.Measurements[0].Value)
	assert.True(t, fv.Measurements[0].Timestamp.Equal(time.Date(2025, time.February, 9, 13, 36, 0, 0, time.UTC)))
}

func TestRoute_PositivePredictionPages(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{err: errors.New("pager down")}
	r := New(storage.NewMemoryStore(0), &recordingPredictor{result: true}, n)

	assert.Equal(t, OutcomeOK, r.Route(ctx, parse(labResult)), "pager failure does not change the outcome")
	require.Len(t, n.pages, 1)
	assert.Equal(t, "123456", n.pages[0].mrn)
	assert.True(t, n.pages[0].ts.Equal(time.Date(2025, time.February, 9, 13, 36, 0, 0, time.UTC)))
}

func TestRoute_NilNotifier(t *testing.T) {
	r := New(storage.NewMemoryStore(0), &recordingPredictor{result: true}, nil)
	assert.Equal(t, OutcomeOK, r.Route(context.Background(), parse(labResult)))
}

func TestRoute_Discharge(t *testing.T) {
	store := storage.NewMemoryStore(0)
	r := New(store, &recordingPredictor{}, nil)

	ev := parse("MSH|^~\\&|||||20250209133600||ADT^A03|C|P|2.5\rPID|1||42\r")
	assert.Equal(t, OutcomeOK, r.Route(context.Background(), ev))
	assert.Equal(t, 0, store.Len())
}

func TestRoute_Unrecognized(t *testing.T) {
	store := storage.NewMemoryStore(0)
	p := &recordingPredictor{}
	r := New(store, p, nil)

	assert.Equal(t, OutcomeUnrecognized, r.Route(context.Background(), parse(unrecognized)))
	assert.Equal(t, OutcomeUnrecognized, r.Route(context.Background(), parse("garbage")))
	assert.Equal(t, OutcomeUnrecognized, r.Route(context.Background(), nil))
	assert.Equal(t, 0, store.Len())
	assert.Empty(t, p.calls)
}

func TestRoute_AdmissionWithoutMRN(t *testing.T) {
	store := storage.NewMemoryStore(0)
	r := New(store, &recordingPredictor{}, nil)

	ev := parse("MSH|^~\\&|||||20250209133500||ADT^A01|C|P|2.5\rPID|1||||DOE^JANE||19900101|F\r")
	assert.Equal(t, OutcomeUnrecognized, r.Route(context.Background(), ev))
	assert.Equal(t, 0, store.Len())
}

func TestRoute_PredictionError(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	r := New(store, &recordingPredictor{err: predictor.ErrNoMeasurements}, nil)

	assert.Equal(t, OutcomePredictionError, r.Route(ctx, parse(labResult)))

	fv, err := store.FeatureVector(ctx, "123456")
	require.NoError(t, err)
	assert.Len(t, fv.Measurements, 1, "measurement is kept when prediction fails")
}

func TestRoute_ResultsWithoutValueSkipped(t *testing.T) {
	ctx := context.Background()
	p := &recordingPredictor{}
	r := New(storage.NewMemoryStore(0), p, nil)

	ev := parse("MSH|^~\\&|||||20250209133600||ORU^R01|C|P|2.5\rPID|1||7\rOBR|1||||||20250209133600\rOBX|1|SN|CREATININE||n/a\r")
	assert.Equal(t, OutcomeOK, r.Route(ctx, ev))
	assert.Empty(t, p.calls)
}

func TestRoute_MultipleResultsPredictOncePerMRN(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	p := &recordingPredictor{result: true}
	n := &recordingNotifier{}
	r := New(store, p, n)

	ev := parse("MSH|^~\\&|||||20250209133600||ORU^R01|C|P|2.5\r" +
		"PID|1||1\r" +
		"OBR|1||||||20250209100000\rOBX|1|SN|CREATININE||100\r" +
		"OBR|2||||||20250209120000\rOBX|1|SN|CREATININE||150\r" +
		"PID|2||2\r" +
		"OBR|3||||||20250209110000\rOBX|1|SN|CREATININE||90\r")

	assert.Equal(t, OutcomeOK, r.Route(ctx, ev))
	require.Len(t, p.calls, 2)
	assert.Equal(t, "1", p.calls[0].MRN)
	assert.Len(t, p.calls[0].Measurements, 2)
	assert.Equal(t, "2", p.calls[1].MRN)

	require.Len(t, n.pages, 2)
	assert.True(t, n.pages[0].ts.Equal(time.Date(2025, time.February, 9, 12, 0, 0, 0, time.UTC)))
}

func TestRoute_StorageOutageThenRedelivery(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore(0)
	store := &flakyStore{Store: mem, down: true}
	p := &recordingPredictor{}
	r := New(store, p, nil)

	assert.Equal(t, OutcomeStorageError, r.Route(ctx, parse(admission)))
	assert.Equal(t, OutcomeStorageError, r.Route(ctx, parse(labResult)))
	assert.Empty(t, p.calls)
	assert.Equal(t, 0, mem.Len())

	store.down = false
	assert.Equal(t, OutcomeOK, r.Route(ctx, parse(admission)))
	assert.Equal(t, OutcomeOK, r.Route(ctx, parse(labResult)))
	// The peer may deliver the same message twice
	assert.Equal(t, OutcomeOK, r.Route(ctx, parse(labResult)))

	fv, err := mem.FeatureVector(ctx, "123456")
	require.NoError(t, err)
	assert.Len(t, fv.Measurements, 1, "measurement is persisted exactly once")
}

func TestRoute_HistoryFullIsStorageError(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(1)
	r := New(store, &recordingPredictor{}, nil)

	require.NoError(t, store.UpsertMeasurement(ctx, "123456", 80, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, OutcomeStorageError, r.Route(ctx, parse(labResult)))
}

func TestRoute_CountsOutcomes(t *testing.T) {
	ctx := context.Background()
	c := counts{}
	r := New(storage.NewMemoryStore(0), &recordingPredictor{err: errors.New("boom")}, nil, WithMetrics(c))

	r.Route(ctx, parse(unrecognized))
	r.Route(ctx, parse(labResult))
	r.Route(ctx, parse(admission))

	assert.Equal(t, 1, c[metrics.MessagesUnrecognized])
	assert.Equal(t, 1, c[metrics.PredictionErrors])
	assert.Equal(t, 1, c[metrics.Predictions])
	assert.Equal(t, 0, c[metrics.StorageErrors])
}
