package docker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/eugenetaranov/nftgate/internal/connector"
)

func TestBuildExecArgs(t *testing.T) {
	c := New("fw-target", WithUser("root"), WithWorkdir("/root"), WithEnv("AUTOMATED", "yes"))

	args := c.buildExecArgs("bash Nftato.sh 13")
	assert.Equal(t, []string{
		"exec", "-i",
		"-u", "root",
		"-w", "/root",
		"-e", "AUTOMATED=yes",
		"fw-target", "/bin/sh", "-c", "bash Nftato.sh 13",
	}, args)
}

func TestString(t *testing.T) {
	assert.Equal(t, "docker://fw-target", New("fw-target").String())
	assert.Equal(t, "docker://root@fw-target", New("fw-target", WithUser("root")).String())
}

func TestHealthLifecycle(t *testing.T) {
	c := New("fw-target")
	assert.Equal(t, connector.HealthUnknown, c.Health())

	c.verified.Store(true)
	assert.Equal(t, connector.HealthHealthy, c.Health())

	_ = c.Close()
	assert.Equal(t, connector.HealthUnhealthy, c.Health())

	_, err := c.Execute(context.Background(), "true")
	assert.ErrorIs(t, err, errClosed)
}
