package ui

import (
	"strings"
	"testing"
)

func TestShouldUseColor_NoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	t.Setenv("CLICOLOR_FORCE", "1")
	if ShouldUseColor() {
		t.Error("NO_COLOR should disable colour")
	}
}

func TestRender_KeepsText(t *testing.T) {
	for _, render := range []func(string) string{RenderAccent, RenderPass, RenderWarn, RenderFail, RenderMuted} {
		if out := render("synced"); !strings.Contains(out, "synced") {
			t.Errorf("render dropped text: %q", out)
		}
	}
}

func TestUnread(t *testing.T) {
	if !strings.Contains(Unread(0), "0") {
		t.Error("Unread(0) lost the count")
	}
	if !strings.Contains(Unread(42), "42") {
		t.Error("Unread(42) lost the count")
	}
}
