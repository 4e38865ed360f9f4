package main

import (
	"flag"
	"os"
	"testing"
)

func TestVersionFlag(t *testing.T) {
	// Save original args and flags
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	defer flag.CommandLine.Init("test", flag.ContinueOnError)

	// Reset flag.CommandLine for testing
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	os.Args = []string{"cmd", "-version"}

	testVersion := flag.Bool("version", false, "Print version and exit")
	_ = flag.Bool("debug", false, "Enable debug logging")

	flag.Parse()

	if !*testVersion {
		t.Error("Expected version flag to be true")
	}
}

func TestDefaultFlags(t *testing.T) {
	// Reset flag.CommandLine for testing
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	testVersion := flag.Bool("version", false, "Print version and exit")
	testDebug := flag.Bool("debug", false, "Enable debug logging")
	testHTTP := flag.Bool("http", false, "Enable HTTP/SSE transport instead of stdio")
	testConfig := flag.String("config", "", "Path to YAML configuration file")

	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = []string{"cmd"}

	flag.Parse()

	if *testVersion || *testDebug || *testHTTP {
		t.Error("Expected boolean flags to be false by default")
	}
	if *testConfig != "" {
		t.Errorf("Expected empty config path by default, got %q", *testConfig)
	}
}

func TestConstants(t *testing.T) {
	if serviceVersion == "" {
		t.Error("serviceVersion must be set")
	}
	if shutdownTimeout.Seconds() != 5 {
		t.Errorf("Expected shutdownTimeout to be 5 seconds, got %v", shutdownTimeout.Seconds())
	}
}
