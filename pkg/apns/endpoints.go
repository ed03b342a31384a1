package apns

// APNs environments.
const (
	EnvironmentProduction = "production"
	EnvironmentSandbox    = "sandbox"
)

// Gateway (notification) endpoints per environment.
var gatewayAddresses = map[string]string{
	EnvironmentProduction: "gateway.push.apple.com:2195",
	EnvironmentSandbox:    "gateway.sandbox.push.apple.com:2195",
}

// Feedback service endpoints per environment.
var feedbackAddresses = map[string]string{
	EnvironmentProduction: "feedback.push.apple.com:2196",
	EnvironmentSandbox:    "feedback.sandbox.push.apple.com:2196",
}

// GatewayAddress returns the notification gateway host:port for an
// environment, defaulting to sandbox for anything unrecognized.
func GatewayAddress(environment string) string {
	if addr, ok := gatewayAddresses[environment]; ok {
		return addr
	}
	return gatewayAddresses[EnvironmentSandbox]
}

// FeedbackAddress returns the feedback service host:port for an
// environment, defaulting to sandbox for anything unrecognized.
func FeedbackAddress(environment string) string {
	if addr, ok := feedbackAddresses[environment]; ok {
		return addr
	}
	return feedbackAddresses[EnvironmentSandbox]
}
