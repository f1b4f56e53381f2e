package reconciler

import (
	"reflect"
	"strings"
	"testing"
)

func TestFilterDesiredListOrder(t *testing.T) {
	t.Parallel()

	list := []string{"PEPE-EUR", "DOGE-EUR", "SHIB-EUR"}
	set := []string{"SHIB-EUR", "PEPE-EUR"}

	got := FilterDesired(list, set, nil, 0)
	want := []string{"PEPE-EUR", "SHIB-EUR"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("desired = %v, want %v", got, want)
	}
}

func TestFilterDesiredFallsBackToSortedSet(t *testing.T) {
	t.Parallel()

	got := FilterDesired(nil, []string{"SHIB-EUR", "DOGE-EUR", "PEPE-EUR"}, nil, 0)
	want := []string{"DOGE-EUR", "PEPE-EUR", "SHIB-EUR"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("desired = %v, want sorted set %v", got, want)
	}
}

func TestFilterDesiredDenyAndTruncate(t *testing.T) {
	t.Parallel()

	list := []string{"BTC-EUR", "DOGE-USDT", "PEPE-EUR", "SHIB-EUR", "FLOKI-EUR"}
	got := FilterDesired(list, list, []string{"BTC"}, 2)
	want := []string{"PEPE-EUR", "SHIB-EUR"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("desired = %v, want %v", got, want)
	}
}

func TestAssignPortsSkipsOccupied(t *testing.T) {
	t.Parallel()

	// 9106 is held by something else on the host.
	free := func(port int) bool { return port != 9106 }

	got, err := AssignPorts([]string{"PEPE-EUR", "SHIB-EUR", "DOGE-EUR"}, nil, 9105, 10, free)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int{"PEPE-EUR": 9105, "SHIB-EUR": 9107, "DOGE-EUR": 9108}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ports = %v, want %v", got, want)
	}
}

func TestAssignPortsSticky(t *testing.T) {
	t.Parallel()

	free := func(int) bool { return true }
	prev := map[string]int{"SHIB-EUR": 9108}

	// SHIB keeps 9108 even though a newcomer scans forward from base.
	got, err := AssignPorts([]string{"PEPE-EUR", "SHIB-EUR"}, prev, 9105, 10, free)
	if err != nil {
		t.Fatal(err)
	}
	if got["SHIB-EUR"] != 9108 {
		t.Fatalf("sticky port lost: %v", got)
	}
	if got["PEPE-EUR"] == 9108 {
		t.Fatalf("newcomer stole the sticky port: %v", got)
	}
}

func TestAssignPortsExhausted(t *testing.T) {
	t.Parallel()

	free := func(int) bool { return true }
	if _, err := AssignPorts([]string{"A-EUR", "B-EUR", "C-EUR"}, nil, 9105, 1, free); err == nil {
		t.Fatal("expected exhaustion error for 3 markets in a 2-port window")
	}
}

func TestParsePortAssignments(t *testing.T) {
	t.Parallel()

	page := strings.Join([]string{
		"# HELP guard_port_assignment Prometheus port assigned to each guarded market.",
		"# TYPE guard_port_assignment gauge",
		`guard_port_assignment{market="PEPE-EUR"} 9105`,
		`guard_port_assignment{market="SHIB-EUR"} 9.107e+03`,
		"guard_active_count 2",
	}, "\n")

	got := ParsePortAssignments(page)
	want := map[string]int{"PEPE-EUR": 9105, "SHIB-EUR": 9107}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("assignments = %v, want %v", got, want)
	}
}

func TestMergeMetricsDedupsFamilyComments(t *testing.T) {
	t.Parallel()

	pageA := strings.Join([]string{
		"# HELP guard_last_price Last observed price.",
		"# TYPE guard_last_price gauge",
		`guard_last_price{market="PEPE-EUR"} 0.0000071`,
	}, "\n")
	pageB := strings.Join([]string{
		"# HELP guard_last_price Last observed price.",
		"# TYPE guard_last_price gauge",
		`guard_last_price{market="SHIB-EUR"} 0.0000122`,
	}, "\n")

	merged := MergeMetrics([]string{pageA, pageB})

	if n := strings.Count(merged, "# HELP guard_last_price"); n != 1 {
		t.Fatalf("HELP lines = %d, want 1", n)
	}
	if n := strings.Count(merged, "# TYPE guard_last_price"); n != 1 {
		t.Fatalf("TYPE lines = %d, want 1", n)
	}
	for _, sample := range []string{`market="PEPE-EUR"`, `market="SHIB-EUR"`} {
		if !strings.Contains(merged, sample) {
			t.Fatalf("merged output lost sample %s:\n%s", sample, merged)
		}
	}
}

func TestMergeMetricsEmpty(t *testing.T) {
	t.Parallel()

	if out := MergeMetrics(nil); out != "" {
		t.Fatalf("merge of nothing = %q", out)
	}
}
