package config

import "testing"

func TestDefaultConfig_MatchesDocumentedDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.TCPLimitPerHost != 100 {
		t.Errorf("TCPLimitPerHost = %d, want 100", cfg.TCPLimitPerHost)
	}
	if cfg.VerifySSL != false {
		t.Errorf("VerifySSL = %v, want false", cfg.VerifySSL)
	}
	if cfg.LimitCheckProxy != 50 {
		t.Errorf("LimitCheckProxy = %d, want 50", cfg.LimitCheckProxy)
	}
	if cfg.StartCheckProxy != true {
		t.Errorf("StartCheckProxy = %v, want true", cfg.StartCheckProxy)
	}
	if cfg.DeltaMinutesForCheck != 60 {
		t.Errorf("DeltaMinutesForCheck = %d, want 60", cfg.DeltaMinutesForCheck)
	}
	if cfg.RelayListenPort != 5555 {
		t.Errorf("RelayListenPort = %d, want 5555", cfg.RelayListenPort)
	}
	if cfg.ProbeURL != "http://httpbin.org/status/200" {
		t.Errorf("ProbeURL = %q, want default probe url", cfg.ProbeURL)
	}
	if cfg.ProbeTimeoutSeconds != 180 {
		t.Errorf("ProbeTimeoutSeconds = %d, want 180", cfg.ProbeTimeoutSeconds)
	}
	if cfg.GeoAPIBase != "https://freegeoip.app/json/" {
		t.Errorf("GeoAPIBase = %q, want default geo api base", cfg.GeoAPIBase)
	}
}

func TestOnlyHotReloadableChanged(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	b.DeltaMinutesForCheck = 30
	b.LimitCheckProxy = 10
	b.LogLevel = "debug"
	if !onlyHotReloadableChanged(a, b) {
		t.Fatal("expected hot-reloadable-only change to be allowed")
	}

	c := DefaultConfig()
	c.PostgresURI = "postgres://new"
	if onlyHotReloadableChanged(a, c) {
		t.Fatal("expected DB URI change to require restart")
	}
}
