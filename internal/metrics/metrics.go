// Package metrics defines the Prometheus collectors exported by smtpd-lite.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtpd_connections_total",
			Help: "Total number of SMTP connections accepted",
		},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtpd_connections_current",
			Help: "Current number of open SMTP connections",
		},
	)

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_commands_total",
			Help: "Total number of SMTP commands processed, by verb and reply code",
		},
		[]string{"command", "code"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_authentication_attempts_total",
			Help: "Total number of AUTH exchanges, by mechanism and result",
		},
		[]string{"mechanism", "result"},
	)

	TLSUpgrades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_tls_upgrades_total",
			Help: "Total number of STARTTLS upgrades, by result",
		},
		[]string{"result"},
	)
)

// Message metrics
var (
	MessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtpd_messages_received_total",
			Help: "Total number of messages completed through DATA",
		},
	)

	MessagesInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtpd_messages_in_progress",
			Help: "Current number of sessions in the DATA phase",
		},
	)

	MessageParts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtpd_message_parts_total",
			Help: "Total number of non-empty MIME parts stored",
		},
	)

	ContentBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_content_bytes_total",
			Help: "Total number of decoded content bytes written to storage",
		},
		[]string{"section"},
	)

	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_decode_errors_total",
			Help: "Total number of decoding failures that fell back to raw data",
		},
		[]string{"kind"},
	)

	StorageErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtpd_storage_errors_total",
			Help: "Total number of failures writing message content to storage",
		},
	)
)
