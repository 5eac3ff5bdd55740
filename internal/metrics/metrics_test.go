package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTunnelCounters_IncrementsLabeledTotals(t *testing.T) {
	before := testutil.ToFloat64(BytesTransferred.WithLabelValues("client_to_target"))

	var c TunnelCounters
	c.AddBytesRx(10)
	c.AddBytesRx(5)

	after := testutil.ToFloat64(BytesTransferred.WithLabelValues("client_to_target"))
	require.Equal(t, before+15, after)
}

func TestJWTRejected_LabeledByReason(t *testing.T) {
	before := testutil.ToFloat64(JWTRejected.WithLabelValues("Expired"))
	JWTRejected.WithLabelValues("Expired").Inc()
	after := testutil.ToFloat64(JWTRejected.WithLabelValues("Expired"))
	require.Equal(t, before+1, after)
}
