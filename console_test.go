package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestConsoleParsesLocalCommands(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&runtime{}, strings.NewReader(""), &out)

	if quit := c.exec(context.Background(), "   "); quit {
		t.Fatalf("blank line should not quit")
	}
	if quit := c.exec(context.Background(), "status recording"); quit {
		t.Fatalf("status should not quit")
	}
	if !strings.Contains(out.String(), "expected key=value") {
		t.Fatalf("expected status parse error, got %q", out.String())
	}

	out.Reset()
	c.exec(context.Background(), "bogus")
	if !strings.Contains(out.String(), "error:") {
		t.Fatalf("expected unknown command error, got %q", out.String())
	}

	if quit := c.exec(context.Background(), "exit"); !quit {
		t.Fatalf("exit should quit")
	}
}
