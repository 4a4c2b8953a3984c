package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestEventsAppliedTotal_Increments(t *testing.T) {
	EventsAppliedTotal.Reset()

	EventsAppliedTotal.WithLabelValues("checkout_completed", "applied").Inc()
	EventsAppliedTotal.WithLabelValues("checkout_completed", "applied").Inc()
	EventsAppliedTotal.WithLabelValues("payment_refunded", "out_of_order").Inc()

	m := &dto.Metric{}
	counter, err := EventsAppliedTotal.GetMetricWithLabelValues("checkout_completed", "applied")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)

	if m.Counter.GetValue() != 2.0 {
		t.Errorf("expected counter value 2, got %f", m.Counter.GetValue())
	}
}

func TestStatusBucket(t *testing.T) {
	cases := map[int]string{
		102: "1xx",
		200: "2xx",
		204: "2xx",
		301: "3xx",
		404: "4xx",
		409: "4xx",
		500: "5xx",
		503: "5xx",
	}
	for code, want := range cases {
		if got := statusBucket(code); got != want {
			t.Errorf("statusBucket(%d) = %q, want %q", code, got, want)
		}
	}
}
