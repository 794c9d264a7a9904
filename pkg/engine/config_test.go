package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChargeConfigValidateBoundaries(t *testing.T) {
	base := DefaultChargeConfig()

	t.Run("min one below max is accepted", func(t *testing.T) {
		c := base
		c.ChargeMax = 80
		c.ChargeMin = 79
		assert.NoError(t, c.Validate())
	})

	t.Run("min equal to max is rejected", func(t *testing.T) {
		c := base
		c.ChargeMax = 80
		c.ChargeMin = 80
		assert.Error(t, c.Validate())
	})

	t.Run("out of range max is rejected", func(t *testing.T) {
		c := base
		c.ChargeMax = 101
		assert.Error(t, c.Validate())
	})

	t.Run("unknown pd mode is rejected", func(t *testing.T) {
		c := base
		c.PDMode = 3
		assert.Error(t, c.Validate())
	})
}

func TestConfigUpdateAppliesOnlyProvidedFields(t *testing.T) {
	base := DefaultChargeConfig()
	newMax := 90
	u := ConfigUpdate{ChargeMax: &newMax}

	next := u.applyTo(base)
	assert.Equal(t, 90, next.ChargeMax)
	assert.Equal(t, base.ChargeMin, next.ChargeMin)
	assert.Equal(t, base.PDMode, next.PDMode)
}

func TestConfigUpdateChangedDetectsNoOp(t *testing.T) {
	base := DefaultChargeConfig()
	sameMax := base.ChargeMax
	u := ConfigUpdate{ChargeMax: &sameMax}
	assert.False(t, u.changed(base))
}
