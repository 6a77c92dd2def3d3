package main

import "testing"

func TestVersionString(t *testing.T) {
	tests := []struct {
		version, commit, want string
	}{
		{"", "", "dev"},
		{"0.3.0", "unknown", "0.3.0"},
		{"v0.3.0", "9f1c2d", "v0.3.0+9f1c2d"},
		{"v0.3.0-9f1c2d", "9f1c2d", "v0.3.0-9f1c2d"},
		{" 1.0 ", " a1 ", "1.0+a1"},
	}

	origVersion, origCommit := version, commit
	t.Cleanup(func() { version, commit = origVersion, origCommit })

	for _, tt := range tests {
		version, commit = tt.version, tt.commit
		if got := versionString(); got != tt.want {
			t.Fatalf("versionString(%q, %q) = %q, want %q", tt.version, tt.commit, got, tt.want)
		}
	}
}
