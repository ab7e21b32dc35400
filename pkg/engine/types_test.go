package engine

import (
	"testing"
)

func TestMachineName(t *testing.T) {
	if got := MachineName("web", 3); got != "web-3" {
		t.Fatalf("MachineName = %q, want web-3", got)
	}
}

func TestMachinesForServicePrefixMatching(t *testing.T) {
	records := map[string]*Machine{
		"web-1":        {Name: "web-1"},
		"web-3":        {Name: "web-3", Status: StatusFailed},
		"web-2":        {Name: "web-2"},
		"webapp-1":     {Name: "webapp-1"},
		"web-server-1": {Name: "web-server-1"},
		"api-1":        {Name: "api-1"},
	}

	got := MachinesForService(records, "web")
	want := []string{"web-1", "web-2", "web-3"}
	if len(got) != len(want) {
		t.Fatalf("got %d machines, want %d", len(got), len(want))
	}
	for i, m := range got {
		if m.Name != want[i] {
			t.Errorf("machine[%d] = %s, want %s", i, m.Name, want[i])
		}
	}

	// A hyphenated service matches only its own exact prefix.
	got = MachinesForService(records, "web-server")
	if len(got) != 1 || got[0].Name != "web-server-1" {
		t.Fatalf("web-server machines = %v", got)
	}
}

func TestMachinesForServiceIncludesAllStatuses(t *testing.T) {
	records := map[string]*Machine{
		"web-1": {Name: "web-1", Status: StatusFailed},
		"web-2": {Name: "web-2", Status: StatusProvisioning},
	}
	if got := MachinesForService(records, "web"); len(got) != 2 {
		t.Fatalf("got %d machines, want 2 regardless of status", len(got))
	}
}

func TestNextOrdinal(t *testing.T) {
	tests := []struct {
		name    string
		records map[string]*Machine
		want    int
	}{
		{"empty", nil, 1},
		{"contiguous", map[string]*Machine{"web-1": {}, "web-2": {}}, 3},
		{"gapped", map[string]*Machine{"web-1": {}, "web-3": {}}, 4},
		{"other services ignored", map[string]*Machine{"api-9": {}}, 1},
		{"non-numeric suffix ignored", map[string]*Machine{"web-old": {}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextOrdinal(tt.records, "web"); got != tt.want {
				t.Fatalf("NextOrdinal = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDeploySpecStack(t *testing.T) {
	single := &DeploySpec{Service: "web", Containers: []ContainerSpec{{Name: "web"}}}
	if single.Stack() {
		t.Fatal("single container spec reported as stack")
	}
	multi := &DeploySpec{
		Service:    "web",
		Containers: []ContainerSpec{{Name: "web"}, {Name: "db"}},
		Main:       "web",
	}
	if !multi.Stack() {
		t.Fatal("multi container spec not reported as stack")
	}
}

func TestMachineStatusTerminal(t *testing.T) {
	if !StatusRemoved.Terminal() {
		t.Fatal("removed should be terminal")
	}
	for _, s := range []MachineStatus{StatusProvisioning, StatusReady, StatusRunning, StatusFailed} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
