package version_test

import (
	"strings"
	"testing"

	v "github.com/keithlinneman/linnemanlabs-sitedeploy/internal/version"
)

func TestVCSDirtyTriState(t *testing.T) {
	t.Cleanup(func() { v.VCSDirty = nil })

	v.VCSDirty = nil
	info := v.Get()
	if info.VCSDirty != nil {
		t.Fatalf("VCSDirty = %v, want nil", info.VCSDirty)
	}

	trueVal := true
	v.VCSDirty = &trueVal
	info = v.Get()
	if info.VCSDirty == nil || *info.VCSDirty != true {
		t.Fatalf("VCSDirty = %v, want true", info.VCSDirty)
	}

	falseVal := false
	v.VCSDirty = &falseVal
	info = v.Get()
	if info.VCSDirty == nil || *info.VCSDirty != false {
		t.Fatalf("VCSDirty = %v, want false", info.VCSDirty)
	}
}

func TestInfo_Strings(t *testing.T) {
	dirty := true
	info := v.Info{
		Version:   "v1.2.0",
		Commit:    "0123456789abcdef",
		BuildDate: "2026-01-02T03:04:05Z",
		GoVersion: "go1.24.11",
		VCSDirty:  &dirty,
	}

	if got := info.ShortCommit(); got != "0123456789ab" {
		t.Errorf("ShortCommit = %q", got)
	}
	if got := info.AppID("sitedeploy"); got != "sitedeploy/1.2.0" {
		t.Errorf("AppID = %q", got)
	}
	s := info.String()
	for _, want := range []string{"v1.2.0", "0123456789ab", "dirty", "2026-01-02T03:04:05Z", "go1.24.11"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}

	long := v.Info{Version: strings.Repeat("9", 60)}
	if got := long.AppID("sitedeploy"); len(got) != 50 {
		t.Errorf("AppID length = %d, want 50", len(got))
	}
}
