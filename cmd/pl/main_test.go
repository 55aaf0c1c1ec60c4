package main

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/domain"
)

func TestTargetFlagsPickFrequencyShape(t *testing.T) {
	q := targetFlags{frequency: domain.FrequencyQuarterly, year: 2024, targets: []float64{30, 30, 20, 20}}
	tp := q.plan()
	assert.Equal(t, []float64{30, 30, 20, 20}, tp.QuarterlyTargets)
	assert.Nil(t, tp.MonthlyTargets)
	assert.Equal(t, 100.0, tp.AnnualTarget)

	m := targetFlags{frequency: domain.FrequencyMonthly, targets: make([]float64, 12), annual: 50}
	tp = m.plan()
	assert.Len(t, tp.MonthlyTargets, 12)
	assert.Equal(t, 50.0, tp.AnnualTarget)
}

func TestKafkaBrokersSplitsList(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("kafka-brokers", " k1:9092, ,k2:9092 ")
	require.Equal(t, []string{"k1:9092", "k2:9092"}, kafkaBrokers())

	viper.Set("kafka-brokers", "")
	assert.Empty(t, kafkaBrokers())
}
