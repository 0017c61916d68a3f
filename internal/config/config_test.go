package config

import (
	"path/filepath"
	"testing"
)

func TestOpenStoreMissingFileIsEmpty(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if _, ok := s.AccessToken("profile-1"); ok {
		t.Fatalf("expected no access token in a fresh store")
	}
}

func TestSetAccessTokenRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if err := s.SetAccessToken("profile-1", "tok-abc"); err != nil {
		t.Fatalf("SetAccessToken: %v", err)
	}

	reloaded, err := OpenStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	tok, ok := reloaded.AccessToken("profile-1")
	if !ok || tok != "tok-abc" {
		t.Fatalf("AccessToken = %q, %v; want tok-abc, true", tok, ok)
	}
}

func TestSetPlayerIDAndAPIPortIndependentOfAccessToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if err := s.SetPlayerID("profile-1", "player-9"); err != nil {
		t.Fatalf("SetPlayerID: %v", err)
	}
	if err := s.SetDefaultAPIPort("profile-1", 8080); err != nil {
		t.Fatalf("SetDefaultAPIPort: %v", err)
	}
	if _, ok := s.AccessToken("profile-1"); ok {
		t.Fatalf("expected no access token set")
	}
	if pid, ok := s.PlayerID("profile-1"); !ok || pid != "player-9" {
		t.Fatalf("PlayerID = %q, %v; want player-9, true", pid, ok)
	}
	if port, ok := s.DefaultAPIPort("profile-1"); !ok || port != 8080 {
		t.Fatalf("DefaultAPIPort = %d, %v; want 8080, true", port, ok)
	}
}

func TestForgetClearsProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if err := s.SetAccessToken("profile-1", "tok-abc"); err != nil {
		t.Fatalf("SetAccessToken: %v", err)
	}
	if err := s.Forget("profile-1"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, ok := s.AccessToken("profile-1"); ok {
		t.Fatalf("expected token cleared after Forget")
	}
}

func TestDistinctProfilesDoNotLeak(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if err := s.SetAccessToken("profile-1", "tok-1"); err != nil {
		t.Fatalf("SetAccessToken: %v", err)
	}
	if err := s.SetAccessToken("profile-2", "tok-2"); err != nil {
		t.Fatalf("SetAccessToken: %v", err)
	}
	tok1, _ := s.AccessToken("profile-1")
	tok2, _ := s.AccessToken("profile-2")
	if tok1 != "tok-1" || tok2 != "tok-2" {
		t.Fatalf("profile tokens crossed: %q, %q", tok1, tok2)
	}
}
