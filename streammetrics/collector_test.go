package streammetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestCollectorRegistersAllInstrumentsOnce(t *testing.T) {
	c := NewCollector("ilpstream", "test-conn")
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))

	c.CongestionWindow(4200)
	c.InFlight(true)
	c.ExchangeRate(0.987)
	c.Retry()
	c.Fulfill()
	c.Reject("F08")

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	var foundWindow bool
	for _, fam := range families {
		if fam.GetName() == "ilpstream_congestion_window" {
			foundWindow = true
			require.Equal(t, float64(4200), fam.Metric[0].GetGauge().GetValue())
		}
	}
	require.True(t, foundWindow)
}

func TestCollectorRejectsAreLabeledByCode(t *testing.T) {
	c := NewCollector("ilpstream", "test-conn-2")
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))

	c.Reject("F08")
	c.Reject("F08")
	c.Reject("T00")

	families, err := reg.Gather()
	require.NoError(t, err)

	var rejectFamily *dto.MetricFamily
	for _, fam := range families {
		if fam.GetName() == "ilpstream_rejects_total" {
			rejectFamily = fam
		}
	}
	require.NotNil(t, rejectFamily)
	require.Len(t, rejectFamily.Metric, 2)
}
