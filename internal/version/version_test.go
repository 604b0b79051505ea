package version

import (
	"strings"
	"testing"
)

func TestPseudoVersion(t *testing.T) {
	cases := []struct {
		name string
		vcs  vcsSettings
		want string
	}{
		{"missing revision", vcsSettings{time: "2026-01-02T03:04:05Z"}, ""},
		{"bad time", vcsSettings{revision: "abc", time: "yesterday"}, ""},
		{"clean", vcsSettings{revision: "0123456789abcdef", time: "2026-01-02T03:04:05Z"}, "v0.0.0-20260102030405-0123456789ab"},
		{"dirty", vcsSettings{revision: "abc", time: "2026-01-02T03:04:05+02:00", modified: true}, "v0.0.0-20260102010405-abc+dirty"},
	}
	for _, tc := range cases {
		if got := pseudoVersion(tc.vcs); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestBuildVersionOverride(t *testing.T) {
	prev := buildVersion
	buildVersion = "v1.2.3"
	defer func() { buildVersion = prev }()
	if Current() != "v1.2.3" {
		t.Fatalf("override ignored: %q", Current())
	}
	report := Report()
	if report.Version != "v1.2.3" || strings.TrimSpace(report.GoVersion) == "" {
		t.Fatalf("unexpected report %+v", report)
	}
}
