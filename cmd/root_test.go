package cmd

import (
	"reflect"
	"testing"
)

func TestNormalizeArgsRewritesLongFlags(t *testing.T) {
	args := []string{"upstream", "-run", "apc", "-seed", "42", "-v", "positional"}
	normalizeArgs(args)

	want := []string{"upstream", "--run", "apc", "--seed", "42", "-v", "positional"}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("args = %v, want %v", args, want)
	}
}

func TestNormalizeArgsSilentBothSpellings(t *testing.T) {
	if !normalizeArgs([]string{"upstream", "-silent", "-run", "apc"}) {
		t.Error("-silent should suppress the banner")
	}
	if !normalizeArgs([]string{"upstream", "--silent"}) {
		t.Error("--silent should suppress the banner")
	}
	if normalizeArgs([]string{"upstream", "-run", "transformer"}) {
		t.Error("banner suppressed without a silent flag")
	}
}
