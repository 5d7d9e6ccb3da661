package session

import (
	"errors"
	"testing"

	pserr "psmux/internal/errors"
)

func TestEndpoint_Validate(t *testing.T) {
	tests := []struct {
		name string
		ep   Endpoint
		ok   bool
	}{
		{"valid", Endpoint{Address: "vc1.test", Principal: "admin"}, true},
		{"valid with port", Endpoint{Address: "vc1.test", Principal: "admin", Port: 443}, true},
		{"empty address", Endpoint{Principal: "admin"}, false},
		{"blank address", Endpoint{Address: "  ", Principal: "admin"}, false},
		{"space in address", Endpoint{Address: "vc1 test", Principal: "admin"}, false},
		{"empty principal", Endpoint{Address: "vc1.test"}, false},
		{"port too large", Endpoint{Address: "vc1.test", Principal: "admin", Port: 70000}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ep.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, pserr.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestEndpoint_Format(t *testing.T) {
	ep := Endpoint{Address: "vc1.test", Principal: "admin"}
	if got := ep.String(); got != "admin@vc1.test" {
		t.Errorf("String() = %q", got)
	}
	if got, err := ep.HostPort(443); err != nil || got != "vc1.test:443" {
		t.Errorf("HostPort() = %q, %v", got, err)
	}
	ep.Port = 8443
	if got := ep.String(); got != "admin@vc1.test:8443" {
		t.Errorf("String() = %q", got)
	}
	if got, err := ep.HostPort(443); err != nil || got != "vc1.test:8443" {
		t.Errorf("HostPort() = %q, %v", got, err)
	}
	if tgt := ep.Target(); tgt.Address != "vc1.test" || tgt.Principal != "admin" || tgt.Port != 8443 {
		t.Errorf("Target() = %+v", tgt)
	}
}

func TestSession_ModuleAndExited(t *testing.T) {
	s := New("source", "id-1", Endpoint{Address: "a", Principal: "p"}, nil, nil, nil)
	if !s.Exited() {
		t.Error("a session without a process counts as exited")
	}
	if s.Module() != "" {
		t.Error("module should start empty")
	}
	s.SetModule("VCF.PowerCLI")
	if s.Module() != "VCF.PowerCLI" {
		t.Errorf("Module() = %q", s.Module())
	}
	s.SetLogSession("log-1")
	if s.LogSession() != "log-1" {
		t.Errorf("LogSession() = %q", s.LogSession())
	}
}

func TestSession_LockingAndClosing(t *testing.T) {
	s := New("source", "id-1", Endpoint{Address: "a", Principal: "p"}, nil, nil, nil)
	s.Lock()
	if s.TryLock() {
		t.Fatal("TryLock should fail while locked")
	}
	s.Unlock()
	if !s.TryLock() {
		t.Fatal("TryLock should succeed when free")
	}
	s.Unlock()

	if s.Closing() {
		t.Error("new session should not be closing")
	}
	s.MarkClosing()
	if !s.Closing() {
		t.Error("MarkClosing not recorded")
	}
}

func TestSession_AbandonAndSettle(t *testing.T) {
	s := New("source", "id-1", Endpoint{Address: "a", Principal: "p"}, nil, nil, nil)
	s.Lock()
	defer s.Unlock()

	if len(s.Abandoned()) != 0 {
		t.Fatal("new session has abandoned commands")
	}
	s.Abandon("m1")
	s.Abandon("m2")
	if got := s.Abandoned(); len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
		t.Fatalf("Abandoned() = %v", got)
	}
	s.Settle(1)
	if got := s.Abandoned(); len(got) != 1 || got[0] != "m2" {
		t.Errorf("after Settle(1) = %v", got)
	}
	s.Settle(1)
	if len(s.Abandoned()) != 0 {
		t.Errorf("after Settle(2) = %v", s.Abandoned())
	}
}
