package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	droppedScans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glyph_audit_dropped",
		Help: "scan logs dropped because the audit queue was full or closed",
	})
	deliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glyph_audit_delivery_failures",
		Help: "scan logs that at least one audit logger failed to record",
	})
)
