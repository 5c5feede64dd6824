package postgres

import (
	"context"
	"strings"
	"testing"
)

func TestConnectRejectsMalformedDSN(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), "host=local port=notaport", 20, 1)
	if err == nil {
		t.Fatal("Connect() returned nil error for malformed DSN")
	}
	if !strings.Contains(err.Error(), "parse postgres config") {
		t.Errorf("error = %q, want parse postgres config wrap", err.Error())
	}
}
