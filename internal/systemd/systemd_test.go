package systemd

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
)

type fakeSystemctl struct {
	calls []string
	show  string
	fail  map[string]bool
}

func (f *fakeSystemctl) run(_ context.Context, name string, args ...string) ([]byte, error) {
	call := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, call)
	for prefix := range f.fail {
		if strings.HasPrefix(call, prefix) {
			return []byte("failed"), errors.New("exit status 1")
		}
	}
	switch {
	case len(args) > 0 && args[0] == "show":
		return []byte(f.show), nil
	case len(args) > 0 && args[0] == "is-enabled":
		if strings.Contains(f.show, "UnitFileState=enabled") {
			return []byte("enabled\n"), nil
		}
		return []byte("disabled\n"), errors.New("exit status 1")
	case len(args) > 0 && args[0] == "status":
		return []byte("● openclaw.service - OpenClaw\n   Active: active (running)\n"), errors.New("exit status 3")
	}
	return nil, nil
}

func install(t *testing.T, available bool, euid int, f *fakeSystemctl) {
	t.Helper()
	origLook, origRun, origEUID := lookPathFn, runCommandFn, currentEUID
	lookPathFn = func(name string) (string, error) {
		if available && name == "systemctl" {
			return "/usr/bin/systemctl", nil
		}
		return "", exec.ErrNotFound
	}
	runCommandFn = f.run
	currentEUID = func() int { return euid }
	t.Cleanup(func() { lookPathFn, runCommandFn, currentEUID = origLook, origRun, origEUID })
}

func TestUnavailable_FailsClosed(t *testing.T) {
	f := &fakeSystemctl{}
	install(t, false, 0, f)
	m := New("")

	if m.Available() || m.IsManaged(context.Background()) {
		t.Fatal("expected unavailable")
	}
	if st := m.Status(context.Background()); st.Available || st.Exists {
		t.Fatalf("expected zero status, got %+v", st)
	}
	if _, err := m.Enable(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if res, err := m.Disable(context.Background()); !errors.Is(err, ErrUnavailable) || res.Success {
		t.Fatalf("expected ErrUnavailable, got %+v %v", res, err)
	}
	if len(f.calls) != 0 {
		t.Fatalf("expected no systemctl calls, got %v", f.calls)
	}
}

func TestStatus_ParsesProperties(t *testing.T) {
	f := &fakeSystemctl{show: "LoadState=loaded\nActiveState=active\nUnitFileState=enabled\n"}
	install(t, true, 0, f)

	st := New("openclaw").Status(context.Background())
	if !st.Available || !st.Exists || !st.Active || !st.Enabled {
		t.Fatalf("unexpected status %+v", st)
	}
	if !strings.Contains(st.Output, "Active: active") {
		t.Fatalf("expected status text, got %q", st.Output)
	}
	if !New("openclaw").IsManaged(context.Background()) {
		t.Fatal("expected managed")
	}
}

func TestStatus_MissingUnit(t *testing.T) {
	f := &fakeSystemctl{show: "LoadState=not-found\nActiveState=inactive\nUnitFileState=\n"}
	install(t, true, 0, f)

	st := New("openclaw").Status(context.Background())
	if !st.Available || st.Exists {
		t.Fatalf("unexpected status %+v", st)
	}
	if _, err := New("openclaw").Enable(context.Background()); !errors.Is(err, ErrUnitNotFound) {
		t.Fatalf("expected ErrUnitNotFound, got %v", err)
	}
}

func TestEnable_UsesSudoWhenNotRoot(t *testing.T) {
	f := &fakeSystemctl{show: "LoadState=loaded\nActiveState=inactive\nUnitFileState=disabled\n"}
	install(t, true, 1000, f)

	res, err := New("openclaw").Enable(context.Background())
	if err != nil || !res.Success {
		t.Fatalf("enable: %+v %v", res, err)
	}
	last := f.calls[len(f.calls)-1]
	if last != "sudo -n systemctl enable openclaw" {
		t.Fatalf("unexpected command %q", last)
	}
}

func TestEnable_SurfacesFailure(t *testing.T) {
	f := &fakeSystemctl{
		show: "LoadState=loaded\nActiveState=inactive\nUnitFileState=disabled\n",
		fail: map[string]bool{"systemctl enable": true},
	}
	install(t, true, 0, f)

	res, err := New("openclaw").Enable(context.Background())
	if err == nil || res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
}

func TestDisable_IgnoresMissingUnit(t *testing.T) {
	f := &fakeSystemctl{fail: map[string]bool{"systemctl disable": true}}
	install(t, true, 0, f)

	res, err := New("openclaw").Disable(context.Background())
	if err != nil || !res.Success {
		t.Fatalf("expected success, got %+v %v", res, err)
	}
}
