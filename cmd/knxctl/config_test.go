package main

import (
	"encoding/json"
	"os"
	"testing"
)

func TestParseJSONConfigOverridesFields(t *testing.T) {
	f, err := os.CreateTemp("", "knxctl-config-*.json")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())

	body := Config{
		Mode:       "tunnel",
		RemoteAddr: "192.168.1.10:3671",
		Layer:      "busmon",
		Quiet:      true,
	}
	if err := json.NewEncoder(f).Encode(body); err != nil {
		t.Fatal(err)
	}
	f.Close()

	config := Config{Mode: "discover"}
	if err := parseJSONConfig(&config, f.Name()); err != nil {
		t.Fatal(err)
	}
	if config.Mode != "tunnel" {
		t.Fatalf("Mode = %q, want %q", config.Mode, "tunnel")
	}
	if config.RemoteAddr != "192.168.1.10:3671" {
		t.Fatalf("RemoteAddr = %q, want %q", config.RemoteAddr, "192.168.1.10:3671")
	}
	if !config.Quiet {
		t.Fatalf("expected Quiet to be overridden to true")
	}
}

func TestParseJSONConfigMissingFile(t *testing.T) {
	config := Config{}
	if err := parseJSONConfig(&config, "/nonexistent/knxctl.json"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
