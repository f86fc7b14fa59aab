package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegister_NoPanic(t *testing.T) {
	// The sync.Once inside Register() makes repeat calls a no-op.
	Register()
	Register()
}

func TestMessagesTotal_Labels(t *testing.T) {
	c := MessagesTotal.WithLabelValues("test-peer", "in", "keepalive")
	before := testutil.ToFloat64(c)
	c.Inc()
	if got := testutil.ToFloat64(c); got != before+1 {
		t.Errorf("expected %v, got %v", before+1, got)
	}
}
