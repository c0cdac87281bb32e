// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package applog

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToInfoOnInvalidLevel(t *testing.T) {
	log := New("not-a-real-level")
	require.Equal(t, logrus.InfoLevel, log.GetLevel())
}

func TestNewHonorsValidLevel(t *testing.T) {
	log := New("debug")
	require.Equal(t, logrus.DebugLevel, log.GetLevel())
}

func TestFieldHelpersAttachExpectedKeys(t *testing.T) {
	log := New("info")
	entry := WithHash(WithPID(WithCID(WithOp(log, "start"), "cid1"), 1234), "deadbeef")

	require.Equal(t, "start", entry.Data["op"])
	require.Equal(t, "cid1", entry.Data["cid"])
	require.Equal(t, 1234, entry.Data["pid"])
	require.Equal(t, "deadbeef", entry.Data["hash"])
}
