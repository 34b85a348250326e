package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/store"
)

var at = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type flakySink struct {
	fail  map[string]bool
	calls []string
}

func (f *flakySink) Deliver(_ context.Context, sig contracts.Signal) error {
	f.calls = append(f.calls, sig.Key)
	if f.fail[sig.Key] {
		return errors.New("actuator unavailable")
	}
	return nil
}

func TestRelay_DeliversOnceAndNeverRetries(t *testing.T) {
	ctx := context.Background()
	outbox := store.NewMemoryOutbox()
	p1 := &contracts.Proposal{ID: "p1", Request: contracts.ChangeRequest{UnitID: "u1", Space: "s"}}
	p2 := &contracts.Proposal{ID: "p2", Request: contracts.ChangeRequest{UnitID: "u2", Space: "s"}}
	_, _ = outbox.Enqueue(ctx, ApplySignal(p1, []byte(`{}`), 1, at))
	_, _ = outbox.Enqueue(ctx, ApplySignal(p2, []byte(`{}`), 1, at.Add(time.Second)))

	sink := &flakySink{fail: map[string]bool{contracts.ApplyKey("p2"): true}}
	var observed int
	relay := NewRelay(outbox, sink, time.Second).
		WithClock(func() time.Time { return at }).
		OnDelivery(func(contracts.Signal, error) { observed++ })

	delivered, failed, err := relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 2, observed)

	// A second drain has nothing to do: the failure is not retried.
	delivered, failed, err = relay.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, delivered+failed)
	assert.Len(t, sink.calls, 2)

	rec, err := outbox.Get(ctx, contracts.ApplyKey("p2"))
	require.NoError(t, err)
	assert.Equal(t, store.OutboxFailed, rec.Status)
	assert.Equal(t, "actuator unavailable", rec.Error)
}

func TestApplySignal(t *testing.T) {
	p := &contracts.Proposal{
		ID:        "p1",
		Emergency: true,
		Request: contracts.ChangeRequest{
			UnitID: "u1", Space: "payments", Operation: contracts.OperationUpdate,
			Patch: contracts.Patch{Ops: []contracts.PatchOp{{Op: "replace", Path: "/memory", Value: json.RawMessage(`512`)}}},
		},
	}
	sig := ApplySignal(p, []byte(`{"memory":512}`), 7, at)
	assert.Equal(t, "apply:p1", sig.Key)
	assert.Equal(t, contracts.SignalApply, sig.Kind)
	assert.Equal(t, int64(7), sig.Revision)
	assert.True(t, sig.Emergency)
	require.NotNil(t, sig.Patch)
	assert.Len(t, sig.Patch.Ops, 1)
}

func TestReapSignalsAreKeyedPerTouch(t *testing.T) {
	u := &contracts.UnitMetadata{ID: "sbx-1", Space: "dev", LastTouched: at}
	a := Teardown(u, at.Add(time.Hour))
	b := Teardown(u, at.Add(2*time.Hour))
	assert.Equal(t, a.Key, b.Key, "re-sweeping the same expiry yields the same key")
	assert.Equal(t, contracts.SignalTeardown, a.Kind)

	u.LastTouched = at.Add(time.Minute)
	assert.NotEqual(t, a.Key, Teardown(u, at).Key)
	assert.Equal(t, contracts.SignalArchive, Archive(u, at).Kind)
}

func TestWebhookSink(t *testing.T) {
	var got contracts.Signal
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got.UnitID == "broken" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "s3cret", time.Second)
	require.NoError(t, sink.Deliver(context.Background(), contracts.Signal{Key: "apply:p1", UnitID: "u1"}))
	assert.Equal(t, "apply:p1", key)
	assert.Equal(t, "u1", got.UnitID)

	err := sink.Deliver(context.Background(), contracts.Signal{Key: "apply:p2", UnitID: "broken"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
