package sink

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/tkjaer/echoprobe/internal/shared"
)

func TestPrometheus(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	require.NoError(t, p.PutReply(ctx, "p1", 1, shared.Reply{ResponseTime: "42.000000", TTL: 64}))
	require.Equal(t, 42.0, testutil.ToFloat64(p.lastResponse.WithLabelValues("p1")))
	require.Equal(t, 64.0, testutil.ToFloat64(p.replyTTL.WithLabelValues("p1")))

	require.NoError(t, p.PutStatistics(ctx, "p1", shared.Statistics{
		Average: 42, Best: 40, Worst: 44, Jitter: 1.5,
		PacketsReceived: 7, PacketsTransmitted: 10, PacketLoss: 30, TotalTime: 9.5,
		HasSamples: true,
	}))
	require.Equal(t, 42.0, testutil.ToFloat64(p.average.WithLabelValues("p1")))
	require.Equal(t, 1.5, testutil.ToFloat64(p.jitter.WithLabelValues("p1")))
	require.Equal(t, 30.0, testutil.ToFloat64(p.loss.WithLabelValues("p1")))
	require.Equal(t, 10.0, testutil.ToFloat64(p.transmitted.WithLabelValues("p1")))

	require.NoError(t, p.DeleteReply(ctx, "p1", 1))
	require.NoError(t, p.DeleteReply(ctx, "p1", 2))
	require.Equal(t, 2.0, testutil.ToFloat64(p.pruned.WithLabelValues("p1")))

	require.Equal(t, 1, testutil.CollectAndCount(p.responseTime))
}

func TestPrometheus_BadResponseTime(t *testing.T) {
	p, err := NewPrometheus(prometheus.NewRegistry())
	require.NoError(t, err)
	require.Error(t, p.PutReply(context.Background(), "p1", 1, shared.Reply{ResponseTime: "n/a"}))
}

func TestPrometheus_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheus(reg)
	require.NoError(t, err)
	_, err = NewPrometheus(reg)
	require.Error(t, err)
}
