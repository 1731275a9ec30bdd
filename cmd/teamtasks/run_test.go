package main

import (
	"context"
	"testing"
)

func TestRunHelp(t *testing.T) {
	if code := Run(context.Background(), []string{"--help"}); code != 0 {
		t.Errorf("Run --help: got exit code %d", code)
	}
}

func TestRunVersion(t *testing.T) {
	if code := Run(context.Background(), []string{"--version"}); code != 0 {
		t.Errorf("Run --version: got exit code %d", code)
	}
}

func TestRunUnknownFlag(t *testing.T) {
	if code := Run(context.Background(), []string{"--unknown-flag"}); code != 1 {
		t.Errorf("Run --unknown-flag: got exit code %d, want 1", code)
	}
}
