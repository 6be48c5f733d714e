package dashboard

import "testing"

func TestInitMetricsSingleton(t *testing.T) {
	first := InitMetrics()
	second := InitMetrics()
	if first != second {
		t.Error("InitMetrics should return the same instance")
	}
	if GetMetrics() != first {
		t.Error("GetMetrics should return the initialized instance")
	}
}

func TestMetricsNilReceiverSafe(t *testing.T) {
	var m *Metrics

	// None of these may panic on a nil receiver.
	m.RecordAuthAttempt("login", "success")
	m.RecordEventPersisted(EventTypeLLMGeneration)
	m.RecordDuplicateEvent()
	m.RecordDelivery(string(DeliveryDelivered))
	m.RecordDeliveryDuration("llm", 0.1)
	m.RecordStreamLine()
	m.StreamOpened()
	m.StreamClosed()
	m.RecordError("tracker", "delivery_failed")
}

func TestMetricsRecording(t *testing.T) {
	m := InitMetrics()

	m.RecordAuthAttempt("signup", "failure")
	m.RecordEventPersisted(EventTypeAPISpan)
	m.RecordDelivery(string(DeliveryExhausted))
	m.RecordDeliveryDuration("api", 0.25)
	m.RecordStreamLine()
	m.StreamOpened()
	m.StreamClosed()
	m.RecordError("relay", "disconnect")
}
