package deps

import (
	"reflect"
	"testing"
)

func TestLinearChainSorted(t *testing.T) {
	g := Build(map[string][]string{
		"app":   {"db"},
		"db":    nil,
		"proxy": {"app"},
	})

	order, err := g.Sort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	idx := make(map[string]int)
	for i, name := range order {
		idx[name] = i
	}

	if idx["db"] >= idx["app"] {
		t.Errorf("db should come before app: %v", order)
	}
	if idx["app"] >= idx["proxy"] {
		t.Errorf("app should come before proxy: %v", order)
	}
}

func TestDiamondDependency(t *testing.T) {
	g := Build(map[string][]string{
		"top":    {"left", "right"},
		"left":   {"bottom"},
		"right":  {"bottom"},
		"bottom": nil,
	})

	order, err := g.Sort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	idx := make(map[string]int)
	for i, name := range order {
		idx[name] = i
	}

	if idx["bottom"] >= idx["left"] || idx["bottom"] >= idx["right"] {
		t.Errorf("bottom should come first: %v", order)
	}
	if idx["left"] >= idx["top"] || idx["right"] >= idx["top"] {
		t.Errorf("top should come last: %v", order)
	}
}

func TestCycleDetection(t *testing.T) {
	g := Build(map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
	})

	cycles := g.DetectCycles()
	if len(cycles) == 0 {
		t.Error("expected cycle to be detected")
	}

	if _, err := g.Sort(); err == nil {
		t.Error("Sort should return error for cyclic graph")
	}
}

func TestNoDeps(t *testing.T) {
	g := Build(map[string][]string{
		"alpha": nil,
		"beta":  nil,
		"gamma": nil,
	})

	order, err := g.Sort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 3 {
		t.Errorf("expected 3 services, got %d", len(order))
	}
}

func TestClosure(t *testing.T) {
	g := Build(map[string][]string{
		"web":   {"api"},
		"api":   {"db", "cache"},
		"db":    nil,
		"cache": nil,
		"other": nil,
	})

	closure, err := g.Closure("web")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	idx := make(map[string]int)
	for i, name := range closure {
		idx[name] = i
	}
	if len(closure) != 3 {
		t.Fatalf("closure = %v, want db, cache, api", closure)
	}
	if _, ok := idx["other"]; ok {
		t.Errorf("closure includes unrelated service: %v", closure)
	}
	if idx["db"] >= idx["api"] || idx["cache"] >= idx["api"] {
		t.Errorf("api should come after its deps: %v", closure)
	}
}

func TestClosureEmpty(t *testing.T) {
	g := Build(map[string][]string{"solo": nil})
	closure, err := g.Closure("solo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if closure != nil {
		t.Errorf("closure = %v, want nil", closure)
	}
}

func TestClosureCycle(t *testing.T) {
	g := Build(map[string][]string{
		"a": {"b"},
		"b": {"a"},
	})
	if _, err := g.Closure("a"); err == nil {
		t.Error("expected error for cyclic closure")
	}
}

func TestDependents(t *testing.T) {
	g := Build(map[string][]string{
		"db":     nil,
		"app":    {"db"},
		"worker": {"db"},
	})

	dependents := g.Dependents("db")
	if !reflect.DeepEqual(dependents, []string{"app", "worker"}) {
		t.Fatalf("dependents = %v, want [app worker]", dependents)
	}
}

func TestUnknownDepsDropped(t *testing.T) {
	g := Build(map[string][]string{
		"app": {"nonexistent"},
	})

	order, err := g.Sort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 1 || order[0] != "app" {
		t.Errorf("expected [app], got %v", order)
	}

	unknown := g.Unknown()
	if !reflect.DeepEqual(unknown["app"], []string{"nonexistent"}) {
		t.Errorf("unknown = %v, want app -> [nonexistent]", unknown)
	}
}

func TestSelfDependencyIgnored(t *testing.T) {
	g := Build(map[string][]string{
		"app": {"app", "db"},
		"db":  nil,
	})

	if deps := g.Dependencies("app"); !reflect.DeepEqual(deps, []string{"db"}) {
		t.Errorf("dependencies = %v, want [db]", deps)
	}
}
