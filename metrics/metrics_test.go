package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/smallsat/snp/metrics"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(metrics.PoolExhaustedCount)
	metrics.PoolExhaustedCount.Inc()
	after := testutil.ToFloat64(metrics.PoolExhaustedCount)
	if after != before+1 {
		t.Errorf("PoolExhaustedCount did not increment: before=%v after=%v", before, after)
	}

	metrics.IfaceCounter.WithLabelValues("can0", "rx").Inc()
	metrics.IfaceCounter.WithLabelValues("can0", "drop").Inc()
	if got := testutil.ToFloat64(metrics.IfaceCounter.WithLabelValues("can0", "rx")); got != 1 {
		t.Errorf("IfaceCounter[can0,rx] = %v, want 1", got)
	}

	metrics.RouterDropCount.WithLabelValues("split-horizon").Inc()
	metrics.RDPRetransmitCount.Inc()
	metrics.RDPEackCount.Inc()
	metrics.ReassemblyTimeoutCount.WithLabelValues("cfp").Inc()
	metrics.ReassemblyErrorCount.WithLabelValues("efp").Inc()
	metrics.RDPWindowWaitHistogram.Observe(0.001)
	metrics.PoolInUseGauge.Set(3)
}
