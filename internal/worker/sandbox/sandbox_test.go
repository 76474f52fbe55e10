package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	apperrors "fluidsim/internal/pkg/errors"
	"fluidsim/internal/pkg/logger"
)

func TestStartExitsDuringSettle(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	d := &Display{
		Binary: "sh",
		Args:   []string{"-c", "echo 'Server is already active for display 99' >&2; exit 1"},
		Settle: 2 * time.Second,
		Log:    logger.Discard(),
	}

	_, err := d.Start(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeSandbox) {
		t.Fatalf("expected SANDBOX_FAILED, got %v", err)
	}
	if !strings.Contains(err.Error(), "already active") {
		t.Errorf("error should carry server output, got %v", err)
	}
}

func TestStartMissingBinary(t *testing.T) {
	d := &Display{Binary: "no-such-display-server", Log: logger.Discard()}

	_, err := d.Start(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeSandbox) {
		t.Fatalf("expected SANDBOX_FAILED, got %v", err)
	}
}

func TestStartCanceled(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := &Display{Binary: "sleep", Args: []string{"30"}, Settle: time.Minute, Log: logger.Discard()}
	_, err := d.Start(ctx)
	if err == nil {
		t.Fatal("expected error from canceled context")
	}
}

func TestDefaultArgs(t *testing.T) {
	d := NewXvfb(logger.Discard())
	if got := strings.Join(d.args(), " "); got != ":99 -screen 0 1920x1080x24" {
		t.Errorf("args = %q", got)
	}
}
