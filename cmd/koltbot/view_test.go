package main

import (
	"bytes"
	"testing"

	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
)

func TestTerminalView_PrintsIncrementally(t *testing.T) {
	var buf bytes.Buffer
	v := newTerminalView(&buf)

	v.Live("Hel")
	v.Live("Hello")
	v.Commit(model.RoleAssistant, "Hello there")
	v.System("tokens: 3 in, 2 out (session 5/50000)")

	want := "Hello there\n[tokens: 3 in, 2 out (session 5/50000)]\n"
	if buf.String() != want {
		t.Fatalf("got %q, want %q", buf.String(), want)
	}
}

func TestTerminalView_ReprintsOnReorder(t *testing.T) {
	var buf bytes.Buffer
	v := newTerminalView(&buf)

	v.Live("AC")
	v.Live("ABC")

	want := "AC\r\033[KABC"
	if buf.String() != want {
		t.Fatalf("got %q, want %q", buf.String(), want)
	}
}

func TestTerminalView_SkipsUserEcho(t *testing.T) {
	var buf bytes.Buffer
	v := newTerminalView(&buf)
	v.Commit(model.RoleUser, "typed by the user")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
}
