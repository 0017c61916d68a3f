// ABOUTME: Build/device identity constants
// ABOUTME: Reported to the server in the client/hello handshake
package version

// Product, Manufacturer, and Version populate the DeviceInfo block sent
// during the handshake. Version is overridden at build time via
// -ldflags "-X github.com/chrisuthe/sendspin-receiver/internal/version.Version=...".
var (
	Product      = "SendspinReceiver"
	Manufacturer = "Sendspin"
	Version      = "dev"
)
