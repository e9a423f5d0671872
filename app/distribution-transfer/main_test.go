package main

import (
	"strings"
	"testing"
)

func TestRootHelpDescribesSigmaModes(t *testing.T) {
	long := rootCmd.Long
	if strings.Contains(long, "mean and standard deviation") {
		t.Errorf("help text claims both moments are used: %q", long)
	}
	for _, want := range []string{"training.sigma_mode", "tensor mean by default", `"std"`} {
		if !strings.Contains(long, want) {
			t.Errorf("help text missing %q", want)
		}
	}
}
