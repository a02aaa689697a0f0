package commands

import (
	"context"
	"strings"
	"testing"
)

type echoCommand struct{}

func (echoCommand) Name() string        { return "Echo" }
func (echoCommand) Description() string { return "原样返回参数" }
func (echoCommand) Usage() string       { return "echo <text>" }
func (echoCommand) Execute(_ context.Context, inv Invocation) (string, error) {
	return inv.Raw, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoCommand{})

	if reg.Count() != 1 {
		t.Errorf("expected count 1, got %d", reg.Count())
	}
	if _, ok := reg.Get("echo"); !ok {
		t.Fatal("命令名应不区分大小写")
	}
	if _, ok := reg.Get("nonexistent"); ok {
		t.Error("expected not to find 'nonexistent'")
	}
}

func TestRegistry_Execute(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoCommand{})

	name, inv := Parse("  ECHO hello   world")
	if name != "echo" {
		t.Fatalf("name = %q", name)
	}
	out, err := reg.Execute(context.Background(), name, inv)
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello   world" {
		t.Errorf("out = %q", out)
	}

	if _, err := reg.Execute(context.Background(), "missing", Invocation{}); err == nil {
		t.Error("未知命令应返回错误")
	}
}

func TestRegistry_Help(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoCommand{})
	if help := reg.Help(); !strings.Contains(help, "echo <text>") || !strings.Contains(help, "原样返回参数") {
		t.Errorf("Help = %q", help)
	}
}

func TestParse(t *testing.T) {
	name, inv := Parse("rss template news $title\n$link")
	if name != "rss" {
		t.Fatalf("name = %q", name)
	}
	if len(inv.Args) != 3 || inv.Args[0] != "template" || inv.Args[1] != "news" {
		t.Errorf("Args = %q", inv.Args)
	}
	if got := inv.Rest(2); got != "$title\n$link" {
		t.Errorf("Rest(2) = %q", got)
	}

	if name, _ := Parse("   "); name != "" {
		t.Errorf("空输入 name = %q", name)
	}
}

func TestParseColor(t *testing.T) {
	tests := map[string]int{
		"#ff0000":  0xff0000,
		"0x00FF00": 0x00ff00,
		"0000ff":   0x0000ff,
	}
	for in, want := range tests {
		got, err := ParseColor(in)
		if err != nil || got != want {
			t.Errorf("ParseColor(%q) = %x, %v", in, got, err)
		}
	}
	for _, bad := range []string{"red", "#fff", "#gggggg"} {
		if _, err := ParseColor(bad); err == nil {
			t.Errorf("ParseColor(%q) 应失败", bad)
		}
	}
}
