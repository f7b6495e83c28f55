package namespace

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterwire/fabric/internal/connection"
	"github.com/clusterwire/fabric/internal/ratelimit"
	"github.com/clusterwire/fabric/pkg/envelope"
)

func TestRateLimitMiddleware_BreachTerminatesConnection(t *testing.T) {
	ns := newTestNamespace(t)
	limiter, err := ratelimit.New(nil, 2)
	require.NoError(t, err)
	ns.Use(RateLimitMiddleware(limiter))

	ctx := context.Background()
	conn, connWS := newLiveConn(t, ns, "conn-1")
	require.NoError(t, ns.AddConnection(ctx, conn))

	pingEnv, err := envelope.New("lobby", "", "ping", map[string]string{}, nil, "inst-a")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ns.HandleEvent(ctx, conn, pingEnv)
	}

	require.Eventually(t, func() bool { return conn.State() == connection.StateClosed }, time.Second, 5*time.Millisecond)

	// The breaching frame must close the connection, not produce a
	// sys:error reply that lets the connection carry on.
	found := false
	for i := 0; i < connWS.frameCount(); i++ {
		var env envelope.Envelope
		if json.Unmarshal(connWS.frames[i], &env) == nil && env.Event == "sys:error" {
			found = true
		}
	}
	assert.False(t, found, "rate-limit breach must terminate, not reply with sys:error")
}
