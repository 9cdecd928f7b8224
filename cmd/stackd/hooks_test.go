package main

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/artpar/stackd/internal/core/domain"
	"github.com/artpar/stackd/internal/shell/supervisor"
	"github.com/stretchr/testify/assert"
)

func TestFanOut_DeliversInOrder(t *testing.T) {
	var got []string
	hook := fanOut(
		func(tr supervisor.Transition) { got = append(got, "log:"+tr.Service) },
		nil,
		func(tr supervisor.Transition) { got = append(got, "metrics:"+tr.Service) },
	)

	hook(supervisor.Transition{Service: "web", From: domain.StateStopped, To: domain.StateStarting})
	assert.Equal(t, []string{"log:web", "metrics:web"}, got)
}

func TestLogTransition_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	hook := logTransition(logger)

	hook(supervisor.Transition{Service: "web", From: domain.StateStarting, To: domain.StateRunning, PID: 77})
	assert.Contains(t, buf.String(), "level=INFO")
	assert.Contains(t, buf.String(), "pid=77")

	buf.Reset()
	hook(supervisor.Transition{
		Service: "beat",
		From:    domain.StateStarting,
		To:      domain.StateFailed,
		Err:     errors.New("restart budget exhausted"),
	})
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "service=beat")
	assert.NotContains(t, buf.String(), "pid=")
}
