package observability

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics_IsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.EventsProcessed.WithLabelValues("swap").Inc()
	m.EventsProcessed.WithLabelValues("swap").Inc()
	m.TradesInserted.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsProcessed.WithLabelValues("swap")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TradesInserted))
}

func TestRecordTradeAppend(t *testing.T) {
	inserted := testutil.ToFloat64(DefaultMetrics.TradesInserted)
	dup := testutil.ToFloat64(DefaultMetrics.TradesDuplicate)
	unresolved := testutil.ToFloat64(DefaultMetrics.TradesUnresolved)

	RecordTradeAppend(true, false)
	RecordTradeAppend(false, true)

	assert.Equal(t, inserted+1, testutil.ToFloat64(DefaultMetrics.TradesInserted))
	assert.Equal(t, dup+1, testutil.ToFloat64(DefaultMetrics.TradesDuplicate))
	assert.Equal(t, unresolved+1, testutil.ToFloat64(DefaultMetrics.TradesUnresolved))
}

func TestRecordRPCLatency_CountsErrors(t *testing.T) {
	before := testutil.ToFloat64(DefaultMetrics.RPCCallErrors.WithLabelValues("eth_call"))
	RecordRPCLatency("eth_call", 0.01, errors.New("boom"))
	RecordRPCLatency("eth_call", 0.01, nil)
	assert.Equal(t, before+1, testutil.ToFloat64(DefaultMetrics.RPCCallErrors.WithLabelValues("eth_call")))
}
