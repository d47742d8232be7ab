// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerConfigResolveDefaults(t *testing.T) {
	c := TimerConfig{}.Resolve()
	assert.Equal(t, T1, c.T1)
	assert.Equal(t, T2, c.T2)
	assert.Equal(t, T4, c.T4)
	assert.Equal(t, 64*T1, c.FinalResponseTimeout)
}

func TestTimerConfigResolveOverrides(t *testing.T) {
	c := TimerConfig{T1: 100 * time.Millisecond}.Resolve()
	assert.Equal(t, 100*time.Millisecond, c.T1)
	assert.Equal(t, T2, c.T2)
	assert.Equal(t, 64*100*time.Millisecond, c.FinalResponseTimeout)
}

func TestTimerConfigResolveExplicitFinalTimeout(t *testing.T) {
	c := TimerConfig{FinalResponseTimeout: 30 * time.Second}.Resolve()
	assert.Equal(t, 30*time.Second, c.FinalResponseTimeout)
}

func TestNextBackoffDoublesUntilCap(t *testing.T) {
	cur := T1
	cur = nextBackoff(cur, T2)
	assert.Equal(t, 2*T1, cur)
	cur = nextBackoff(cur, T2)
	assert.Equal(t, 4*T1, cur)

	capped := nextBackoff(T2, T2)
	assert.Equal(t, T2, capped)

	overCap := nextBackoff(T2-1, T2)
	assert.True(t, overCap <= T2)
}
