package config

import (
	"errors"
	"strings"
	"testing"
)

func TestParseSwapFragment(t *testing.T) {
	input := `
# This is a comment
[Unit]
Description=Swap file
After=local-fs.target

[Swap]
What=/swapfile
Priority=10
Options=discard
`
	frag, unknown, err := ParseFragment(strings.NewReader(input), "swapfile.swap", "/etc/slunit/system/swapfile.swap")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(unknown) != 0 {
		t.Errorf("expected no unknown keys, got %v", unknown)
	}
	if frag.Path != "/etc/slunit/system/swapfile.swap" {
		t.Errorf("expected path to be kept, got '%s'", frag.Path)
	}
	if v, _ := frag.Last("Unit", "Description"); v != "Swap file" {
		t.Errorf("expected description 'Swap file', got '%s'", v)
	}
	if v, _ := frag.Last("Swap", "What"); v != "/swapfile" {
		t.Errorf("expected What '/swapfile', got '%s'", v)
	}
	if v, _ := frag.Last("Swap", "Priority"); v != "10" {
		t.Errorf("expected Priority '10', got '%s'", v)
	}
}

func TestParseRepeatedAndResetKeys(t *testing.T) {
	input := `
[Unit]
Wants=a.target b.target
Wants=c.target
After=x.target
After=
After=y.target
`
	frag, _, err := ParseFragment(strings.NewReader(input), "test.target", "test.target")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wants := frag.All("Unit", "Wants")
	if len(wants) != 2 || wants[0] != "a.target b.target" || wants[1] != "c.target" {
		t.Errorf("expected both Wants lines, got %q", wants)
	}
	after := frag.All("Unit", "After")
	if len(after) != 1 || after[0] != "y.target" {
		t.Errorf("expected the empty assignment to reset After, got %q", after)
	}
}

func TestParseUnknownKeys(t *testing.T) {
	input := `
[Unit]
Description=x
Frobnicate=yes
X-Vendor=ok

[Swap]
What=/dev/sda2
Bogus=1
`
	_, unknown, err := ParseFragment(strings.NewReader(input), "dev-sda2.swap", "f")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(unknown) != 2 {
		t.Fatalf("expected 2 unknown keys, got %v", unknown)
	}
	got := unknown[0].Key + "," + unknown[1].Key
	if got != "Frobnicate,Bogus" {
		t.Errorf("unexpected unknown keys %s", got)
	}
	if s := unknown[0].String(); !strings.Contains(s, "[Unit]") {
		t.Errorf("expected section in message, got %q", s)
	}
}

func TestParseWrongTypeSection(t *testing.T) {
	input := "[Swap]\nWhat=/swapfile\n"
	_, _, err := ParseFragment(strings.NewReader(input), "foo.target", "foo.target")
	if err == nil {
		t.Fatal("expected error for [Swap] in a target")
	}
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %T", err)
	}
	if !strings.Contains(perr.Message, "[Swap]") {
		t.Errorf("unexpected message %q", perr.Message)
	}
}

func TestParseSyntaxError(t *testing.T) {
	input := "[Unit\nDescription=x\n"
	_, _, err := ParseFragment(strings.NewReader(input), "foo.target", "foo.target")
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if perr.UnitName != "foo.target" {
		t.Errorf("expected unit name in error, got %q", perr.UnitName)
	}
}

func TestIsKnownSetting(t *testing.T) {
	if !IsKnownSetting("Swap", "KillMode") {
		t.Error("KillMode should be known in [Swap]")
	}
	if !IsKnownSetting("Scope", "Delegate") {
		t.Error("Delegate should be known in [Scope]")
	}
	if IsKnownSetting("Swap", "Delegate") {
		t.Error("Delegate should not be known in [Swap]")
	}
	if !IsKnownSetting("X-Custom", "Anything") {
		t.Error("X- sections are extensions")
	}
}
