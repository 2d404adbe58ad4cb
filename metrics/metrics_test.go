package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	settlement "github.com/utilpay/settlement"
	"github.com/utilpay/settlement/ledger"
	"github.com/utilpay/settlement/swap"
)

type stubFacility struct{ err error }

func (f stubFacility) ExecuteSwap(context.Context, string, string, *big.Int) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{}`), nil
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics(prometheus.NewRegistry(), "test")

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/transactions/:referenceCode", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/transactions/AbC123xyz_", nil))
		require.Equal(t, http.StatusNotFound, w.Code)
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RequestCounter.WithLabelValues("/transactions/:referenceCode", "404")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.RequestsInFlight.WithLabelValues("/transactions/:referenceCode")))
}

func TestInstrument_SwapQueue(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "test")
	store := ledger.NewMemoryLedger()

	ok := swap.NewQueue(store, stubFacility{})
	failing := swap.NewQueue(store, stubFacility{err: errors.New("no liquidity")})
	m.Instrument(nil, nil, ok)
	m.Instrument(nil, nil, failing)

	job := func(ref string) *settlement.SwapJob {
		return &settlement.SwapJob{Amount: big.NewInt(10), FromAsset: "STRK", ToAsset: "USDT", ReferenceCode: ref}
	}
	require.NoError(t, ok.Enqueue(context.Background(), job("REF0000001")))
	ok.Wait()
	require.NoError(t, failing.Enqueue(context.Background(), job("REF0000002")))
	failing.Wait()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SwapJobsTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SwapJobsTotal.WithLabelValues("failed")))
}

func TestInstrument_Refunds(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "test")
	refunds := settlement.NewRefundOrchestrator(ledger.NewMemoryLedger(), nil, nil, nil, nil)
	m.Instrument(nil, refunds, nil)

	_, err := refunds.Refund(context.Background(), settlement.RefundRequest{ReferenceCode: "missing000", IsMainnet: false})
	require.Error(t, err)

	total := testutil.ToFloat64(m.RefundsTotal.WithLabelValues("precondition_failed")) +
		testutil.ToFloat64(m.RefundsTotal.WithLabelValues("failed"))
	assert.Equal(t, float64(1), total)
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	// Registering twice on the same registry would panic; separate
	// registries must not.
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry(), "a")
		NewMetrics(prometheus.NewRegistry(), "a")
	})
}
