package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestShutdown(t *testing.T) {
	interceptor, err := Intercept()
	require.NoError(t, err)
	require.True(t, interceptor.Alive())

	_, err = Intercept()
	require.Error(t, err)

	interceptor.RequestShutdown()

	select {
	case <-interceptor.ShutdownChannel():
	case <-time.After(5 * time.Second):
		t.Fatal("interceptor never shut down")
	}
	require.False(t, interceptor.Alive())

	// A second request after shutdown returns immediately.
	interceptor.RequestShutdown()
}
