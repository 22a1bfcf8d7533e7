package model

// AlertKind identifies a user-facing alert.
type AlertKind int

const (
	// AlertUpgradeRequired means the target requires a higher plan.
	AlertUpgradeRequired = AlertKind(iota + 1)

	// AlertMaintenance means the target is under maintenance.
	AlertMaintenance

	// AlertProtocolNotSupported means no target supports the transport.
	AlertProtocolNotSupported

	// AlertMisconfiguredLocalNetwork means a local interface uses a
	// non-private range and traffic could leak outside the tunnel.
	AlertMisconfiguredLocalNetwork

	// AlertTooManyCertificateRequests means the API is throttling us.
	AlertTooManyCertificateRequests
)

// String implements fmt.Stringer
func (k AlertKind) String() string {
	switch k {
	case AlertUpgradeRequired:
		return "upgrade_required"
	case AlertMaintenance:
		return "maintenance"
	case AlertProtocolNotSupported:
		return "protocol_not_supported"
	case AlertMisconfiguredLocalNetwork:
		return "misconfigured_local_network"
	case AlertTooManyCertificateRequests:
		return "too_many_certificate_requests"
	default:
		return "unknown"
	}
}

// AlertService presents alerts to the user. Present must not block.
type AlertService interface {
	Present(kind AlertKind, context map[string]string)
}

// LogAlertService presents alerts by logging them.
type LogAlertService struct {
	Logger Logger
}

var _ AlertService = &LogAlertService{}

// Present implements AlertService
func (s *LogAlertService) Present(kind AlertKind, context map[string]string) {
	s.Logger.Warnf("alert: %s %v", kind, context)
}
