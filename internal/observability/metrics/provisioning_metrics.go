package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DeviceOutcomeSuccess   = "success"
	DeviceOutcomeRetryable = "retryable"
	DeviceOutcomeAmbiguous = "ambiguous"
	DeviceOutcomePermanent = "permanent"
)

// ProvisioningMetrics tracks device outcomes and retry-ledger transitions.
type ProvisioningMetrics struct {
	deviceOutcomes   *prometheus.CounterVec
	retryTransitions *prometheus.CounterVec
	keysRevoked      *prometheus.CounterVec
	adoptions        prometheus.Counter
}

var (
	provisioningMetricsOnce sync.Once
	provisioningMetrics     *ProvisioningMetrics
)

// Provisioning returns the singleton provisioning metrics registry.
func Provisioning() *ProvisioningMetrics {
	return ProvisioningWithConfig(Config{})
}

func ProvisioningWithConfig(cfg Config) *ProvisioningMetrics {
	provisioningMetricsOnce.Do(func() {
		provisioningMetrics = newProvisioningMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return provisioningMetrics
}

// ResetProvisioningMetricsForTest resets the provisioning metrics singleton for tests.
func ResetProvisioningMetricsForTest() {
	provisioningMetricsOnce = sync.Once{}
	provisioningMetrics = nil
}

func newProvisioningMetrics(registerer prometheus.Registerer, cfg Config) *ProvisioningMetrics {
	f := newFactory(registerer, cfg)
	return &ProvisioningMetrics{
		deviceOutcomes:   f.counterVec("staykey_device_authorization_outcomes_total", "Create-authorization outcomes by key type and class.", "key_type", "outcome"),
		retryTransitions: f.counterVec("staykey_retry_record_transitions_total", "Retry record status transitions.", "from", "to"),
		keysRevoked:      f.counterVec("staykey_keys_revoked_total", "Virtual keys deactivated by reason.", "reason"),
		adoptions:        f.counter("staykey_reconciliation_adoptions_total", "Device authorizations adopted by reconciliation instead of re-created."),
	}
}

func (m *ProvisioningMetrics) IncDeviceOutcome(keyType, outcome string) {
	if m == nil || m.deviceOutcomes == nil {
		return
	}
	m.deviceOutcomes.WithLabelValues(keyType, outcome).Inc()
}

func (m *ProvisioningMetrics) IncRetryTransition(from, to string) {
	if m == nil || m.retryTransitions == nil {
		return
	}
	if from == "" {
		from = "NONE"
	}
	m.retryTransitions.WithLabelValues(from, to).Inc()
}

func (m *ProvisioningMetrics) AddKeysRevoked(reason string, count int) {
	if m == nil || m.keysRevoked == nil || count <= 0 {
		return
	}
	m.keysRevoked.WithLabelValues(reason).Add(float64(count))
}

func (m *ProvisioningMetrics) IncAdoption() {
	if m == nil || m.adoptions == nil {
		return
	}
	m.adoptions.Inc()
}
