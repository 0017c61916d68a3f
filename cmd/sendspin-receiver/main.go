// ABOUTME: Entry point for the Sendspin receiver
// ABOUTME: Parses CLI flags, wires config -> session -> supervisor -> facade, and runs the optional status TUI
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chrisuthe/sendspin-receiver/internal/config"
	"github.com/chrisuthe/sendspin-receiver/internal/statusui"
	"github.com/chrisuthe/sendspin-receiver/internal/supervisor"
)

var (
	localHost     = flag.String("local-host", "", "host:port of a direct LAN connection (enables the local route)")
	localPath     = flag.String("local-path", "/sendspin", "path suffix for the local WebSocket endpoint")
	remoteID      = flag.String("remote-id", "", "26-character rendezvous id (enables the WebRTC remote route)")
	signalingHost = flag.String("signaling-host", "", "rendezvous server host for the remote route")
	proxyURL      = flag.String("proxy-url", "", "WebSocket URL of a relay/proxy server (enables the proxy route)")
	proxyToken    = flag.String("proxy-token", "", "bearer token for the proxy route")
	preference    = flag.String("route-preference", "auto", "auto | local_only | remote_only | proxy_only")
	token         = flag.String("token", "", "pre-shared auth token (skips auth/login)")
	username      = flag.String("username", "", "username for auth/login")
	password      = flag.String("password", "", "password for auth/login")
	profileID     = flag.String("profile-id", "default", "id under which persisted state is keyed")
	statePath     = flag.String("state-file", "", "path to the persisted key-value store (default: OS config dir)")
	transportHint = flag.String("transport", "unknown", "wifi | ethernet | cellular | vpn | unknown: forces the route-selection table's detected transport")
	logFile       = flag.String("log-file", "sendspin-receiver.log", "log file path")
	useTUI        = flag.Bool("tui", false, "show the status TUI instead of plain log output")
)

func main() {
	flag.Parse()

	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()
	log.SetOutput(io.MultiWriter(os.Stdout, f))

	profile, err := buildProfile()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	path := *statePath
	if path == "" {
		p, err := config.DefaultStorePath()
		if err != nil {
			log.Fatalf("resolving state path: %v", err)
		}
		path = p
	}
	store, err := config.OpenStore(path)
	if err != nil {
		log.Fatalf("opening state store: %v", err)
	}

	sess := newSession(profile, credentials{Token: *token, Username: *username, Password: *password}, *signalingHost, store)

	kind := parseTransportHint(*transportHint)
	detector := func() []supervisor.TransportKind { return []supervisor.TransportKind{kind} }

	sup := supervisor.New(profile, sess, sess.filter, detector, sess.fac.SetConnectionState)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("shutdown signal received")
		if err := sup.Destroy(context.Background()); err != nil {
			log.Printf("error during shutdown: %v", err)
		}
		cancel()
	}()

	log.Printf("starting Sendspin receiver, profile=%s", profile.ID)
	sup.Start(ctx)

	if *useTUI {
		runTUI(ctx, sess)
		return
	}

	runHeadless(ctx, sess)
}

func buildProfile() (config.ConnectionProfile, error) {
	p := config.ConnectionProfile{ID: *profileID, Name: *profileID, Preference: config.RoutePreference(*preference)}
	if *localHost != "" {
		p.Local = &config.LocalRoute{Host: *localHost, Path: *localPath}
	}
	if *remoteID != "" {
		if *signalingHost == "" {
			return p, fmt.Errorf("-remote-id requires -signaling-host")
		}
		p.Remote = &config.RemoteRoute{RemoteID: *remoteID}
	}
	if *proxyURL != "" {
		p.Proxy = &config.ProxyRoute{URL: *proxyURL, Token: *proxyToken}
	}
	if p.Local == nil && p.Remote == nil && p.Proxy == nil {
		return p, fmt.Errorf("at least one of -local-host, -remote-id, or -proxy-url must be set")
	}
	return p, nil
}

func parseTransportHint(s string) supervisor.TransportKind {
	switch s {
	case "wifi":
		return supervisor.WiFi
	case "ethernet":
		return supervisor.Ethernet
	case "cellular":
		return supervisor.Cellular
	case "vpn":
		return supervisor.VPN
	default:
		return supervisor.Unknown
	}
}

// runHeadless periodically refreshes the facade snapshot and logs it; used
// when -tui is not passed.
func runHeadless(ctx context.Context, sess *session) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := sess.fac.Refresh()
			log.Printf("state=%s playback=%s offset=%.0fus converged=%v queued=%.0fms",
				snap.ConnectionState, snap.PlaybackState, snap.Sync.OffsetUs, snap.Sync.Converged, snap.Sync.QueuedMs)
		}
	}
}

// runTUI drives the status display, pushing a SnapshotMsg on every tick and
// relaying volume-control key presses back to the facade.
func runTUI(ctx context.Context, sess *session) {
	controls := statusui.NewControls()
	p, err := statusui.Run(controls)
	if err != nil {
		log.Fatalf("starting TUI: %v", err)
	}

	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.Quit()
				return
			case <-ticker.C:
				snap := sess.fac.Refresh()
				p.Send(statusui.SnapshotMsg(snap))
			case change := <-controls.VolumeChange:
				if err := sess.fac.SetVolume(ctx, change.Volume); err != nil {
					log.Printf("volume change failed: %v", err)
				}
				if err := sess.fac.SetMuted(ctx, change.Muted); err != nil {
					log.Printf("mute change failed: %v", err)
				}
			case <-controls.Quit:
				p.Quit()
				return
			}
		}
	}()

	if _, err := p.Run(); err != nil {
		log.Fatalf("TUI exited with error: %v", err)
	}
}
