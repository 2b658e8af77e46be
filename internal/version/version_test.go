package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	got := String()
	for _, want := range []string{Version, Commit, BuildDate} {
		if !strings.Contains(got, want) {
			t.Fatalf("String() = %q, missing %q", got, want)
		}
	}
	if UserAgent() != "ecg-sentinel/"+Version {
		t.Fatalf("UserAgent() = %q", UserAgent())
	}
}
