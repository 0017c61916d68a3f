// ABOUTME: Deterministic route selection and VPN-aware transport-kind detection
// ABOUTME: Pure functions per spec.md §4.9's route-priority table, kept separate from timers/state
package supervisor

import (
	"fmt"

	"github.com/chrisuthe/sendspin-receiver/internal/config"
)

// TransportKind is the OS-reported network transport the receiver is
// currently using. A real host can report more than one simultaneously
// (a VPN riding over WiFi); see DetectTransportKind.
type TransportKind int

const (
	Unknown TransportKind = iota
	WiFi
	Ethernet
	Cellular
	VPN
)

func (k TransportKind) String() string {
	switch k {
	case WiFi:
		return "wifi"
	case Ethernet:
		return "ethernet"
	case Cellular:
		return "cellular"
	case VPN:
		return "vpn"
	default:
		return "unknown"
	}
}

// DetectTransportKind picks the effective transport kind from the set the
// OS reports as currently active. VPN must be checked first: a host can
// report both VPN and its underlying carrier (WiFi, cellular) at the same
// time, and a prior bug matched WiFi before VPN, making VPN-over-WiFi
// undetectable (spec.md §4.9, invariant 8 in §8).
func DetectTransportKind(active []TransportKind) TransportKind {
	has := func(k TransportKind) bool {
		for _, a := range active {
			if a == k {
				return true
			}
		}
		return false
	}
	switch {
	case has(VPN):
		return VPN
	case has(Ethernet):
		return Ethernet
	case has(WiFi):
		return WiFi
	case has(Cellular):
		return Cellular
	default:
		return Unknown
	}
}

// ErrNoRoute is returned when no candidate route has credentials
// configured for the selected preference/transport combination.
var ErrNoRoute = fmt.Errorf("supervisor: no route available")

// priorityOrder returns the route priority list for a detected transport
// kind, per spec.md §4.9's table. Cellular excludes local entirely.
func priorityOrder(kind TransportKind) []config.RouteKind {
	switch kind {
	case WiFi, Ethernet:
		return []config.RouteKind{config.RouteLocal, config.RouteProxy, config.RouteRemote}
	case Cellular:
		return []config.RouteKind{config.RouteProxy, config.RouteRemote}
	default: // VPN, Unknown
		return []config.RouteKind{config.RouteProxy, config.RouteRemote, config.RouteLocal}
	}
}

// hasCredentials reports whether profile carries configuration for route.
func hasCredentials(profile config.ConnectionProfile, route config.RouteKind) bool {
	switch route {
	case config.RouteLocal:
		return profile.Local != nil
	case config.RouteRemote:
		return profile.Remote != nil
	case config.RouteProxy:
		return profile.Proxy != nil
	default:
		return false
	}
}

// SelectRoute picks the route to use for profile given the currently
// detected transport kind. Profile preferences (local_only / remote_only /
// proxy_only) override the priority table entirely; "auto" uses the table
// as-is. If the selected route (preference-forced or table-chosen) has no
// credentials configured, SelectRoute returns ErrNoRoute and the caller
// should enter the Error/Failed state.
func SelectRoute(profile config.ConnectionProfile, kind TransportKind) (config.RouteKind, error) {
	switch profile.Preference {
	case config.PreferLocalOnly:
		if !hasCredentials(profile, config.RouteLocal) {
			return config.RouteNone, ErrNoRoute
		}
		return config.RouteLocal, nil
	case config.PreferRemoteOnly:
		if !hasCredentials(profile, config.RouteRemote) {
			return config.RouteNone, ErrNoRoute
		}
		return config.RouteRemote, nil
	case config.PreferProxyOnly:
		if !hasCredentials(profile, config.RouteProxy) {
			return config.RouteNone, ErrNoRoute
		}
		return config.RouteProxy, nil
	}

	for _, route := range priorityOrder(kind) {
		if hasCredentials(profile, route) {
			return route, nil
		}
	}
	return config.RouteNone, ErrNoRoute
}
