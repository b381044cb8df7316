// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

package log

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestSetLevel(t *testing.T) {
	prev := logrus.GetLevel()
	defer SetLevel(prev)

	SetLevel(logrus.DebugLevel)
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
}

func TestSetOutput(t *testing.T) {
	prev := logrus.StandardLogger().Out
	prevLevel := logrus.GetLevel()
	defer func() {
		logrus.SetOutput(prev)
		logrus.SetLevel(prevLevel)
	}()

	var buf bytes.Buffer
	custom := logrus.New()
	custom.SetOutput(&buf)
	custom.SetLevel(logrus.WarnLevel)
	SetOutput(custom)

	logrus.Warn("redirected")
	assert.Contains(t, buf.String(), "redirected")
}
