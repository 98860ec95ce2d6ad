package approval

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lacehq/lace/pkg/lacerrors"
)

func TestRequestApprovalDecisions(t *testing.T) {
	tests := []struct {
		name   string
		answer Decision
		want   Decision
	}{
		{"allow once", AllowOnce, AllowOnce},
		{"allow session", AllowSession, AllowSession},
		{"deny", Deny, Deny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := NewBroker(func(req *Request) { req.Resolve(tt.answer) })
			got, err := broker.RequestApproval(context.Background(), "run_command", nil, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequestCarriesToolDetails(t *testing.T) {
	var got *Request
	broker := NewBroker(func(req *Request) {
		got = req
		req.Resolve(AllowOnce)
	})

	input := json.RawMessage(`{"command": "ls"}`)
	_, err := broker.RequestApproval(context.Background(), "run_command", input, false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run_command", got.ToolName)
	assert.Equal(t, input, got.Input)
	assert.False(t, got.IsReadOnly)
}

func TestAllowSessionCachesGrant(t *testing.T) {
	asked := 0
	broker := NewBroker(func(req *Request) {
		asked++
		req.Resolve(AllowSession)
	})

	for i := 0; i < 3; i++ {
		d, err := broker.RequestApproval(context.Background(), "file_write", nil, false)
		require.NoError(t, err)
		assert.Equal(t, AllowSession, d)
	}
	assert.Equal(t, 1, asked)

	// Grants are per tool name.
	_, err := broker.RequestApproval(context.Background(), "run_command", nil, false)
	require.NoError(t, err)
	assert.Equal(t, 2, asked)
}

func TestAllowOnceDoesNotCache(t *testing.T) {
	asked := 0
	broker := NewBroker(func(req *Request) {
		asked++
		req.Resolve(AllowOnce)
	})

	for i := 0; i < 2; i++ {
		_, err := broker.RequestApproval(context.Background(), "file_write", nil, false)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, asked)
}

func TestGrantShortCircuits(t *testing.T) {
	broker := NewBroker(func(req *Request) {
		t.Fatal("handler must not be consulted for granted tools")
	})
	broker.Grant("file_read")

	d, err := broker.RequestApproval(context.Background(), "file_read", nil, true)
	require.NoError(t, err)
	assert.Equal(t, AllowSession, d)
	assert.True(t, broker.Granted("file_read"))
	assert.False(t, broker.Granted("file_write"))
}

func TestNoHandlerDenies(t *testing.T) {
	broker := NewBroker(nil)
	d, err := broker.RequestApproval(context.Background(), "run_command", nil, false)
	require.Error(t, err)
	assert.Equal(t, Deny, d)
	assert.Equal(t, lacerrors.KindConfigurationMissing, lacerrors.KindOf(err))
}

func TestCancelledContextDenies(t *testing.T) {
	broker := NewBroker(func(req *Request) {
		// Never resolves; the caller abandons the request.
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, err := broker.RequestApproval(ctx, "run_command", nil, false)
	require.Error(t, err)
	assert.Equal(t, Deny, d)
	assert.True(t, lacerrors.IsCancellation(err))
}

func TestInvalidDecisionDenies(t *testing.T) {
	broker := NewBroker(func(req *Request) { req.Resolve(Decision("maybe")) })
	d, err := broker.RequestApproval(context.Background(), "run_command", nil, false)
	require.Error(t, err)
	assert.Equal(t, Deny, d)
}

func TestResolveIsIdempotent(t *testing.T) {
	broker := NewBroker(func(req *Request) {
		req.Resolve(AllowOnce)
		req.Resolve(Deny) // ignored
	})
	d, err := broker.RequestApproval(context.Background(), "run_command", nil, false)
	require.NoError(t, err)
	assert.Equal(t, AllowOnce, d)
}

func TestSingleRequestInFlight(t *testing.T) {
	inFlight := 0
	maxInFlight := 0
	var mu sync.Mutex

	broker := NewBroker(func(req *Request) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		go func() {
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			req.Resolve(AllowOnce)
		}()
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := broker.RequestApproval(context.Background(), "run_command", nil, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight)
}

func TestObserverSeesDecisions(t *testing.T) {
	var seen []Decision
	broker := NewBroker(func(req *Request) { req.Resolve(AllowOnce) })
	broker.Observe(func(d Decision) { seen = append(seen, d) })

	_, err := broker.RequestApproval(context.Background(), "run_command", nil, false)
	require.NoError(t, err)

	broker.SetHandler(func(req *Request) { req.Resolve(Deny) })
	_, err = broker.RequestApproval(context.Background(), "run_command", nil, false)
	require.NoError(t, err)

	// Session grants short-circuit without consulting the consumer and are
	// not counted as requests.
	broker.Grant("file_read")
	_, err = broker.RequestApproval(context.Background(), "file_read", nil, true)
	require.NoError(t, err)

	assert.Equal(t, []Decision{AllowOnce, Deny}, seen)
}
