package mcpforge

import "testing"

func TestURIMatcherMatchesSingleSegmentVariable(t *testing.T) {
	m, err := newURIMatcher("ex://user/{name}")
	if err != nil {
		t.Fatalf("newURIMatcher: %v", err)
	}
	vars, ok := m.match("ex://user/ada")
	if !ok {
		t.Fatal("expected a match")
	}
	if vars["name"] != "ada" {
		t.Fatalf("expected name=ada, got %v", vars)
	}
}

func TestURIMatcherRejectsWrongSegmentCount(t *testing.T) {
	m, err := newURIMatcher("ex://user/{name}")
	if err != nil {
		t.Fatalf("newURIMatcher: %v", err)
	}
	if _, ok := m.match("ex://user/ada/extra"); ok {
		t.Fatal("expected no match for extra segment")
	}
}

func TestURIMatcherRejectsEmptyVariableSegment(t *testing.T) {
	m, err := newURIMatcher("ex://user/{name}")
	if err != nil {
		t.Fatalf("newURIMatcher: %v", err)
	}
	if _, ok := m.match("ex://user/"); ok {
		t.Fatal("expected no match for empty variable segment")
	}
}

func TestURIMatcherRejectsInvalidTemplate(t *testing.T) {
	if _, err := newURIMatcher("ex://user/{}"); err == nil {
		t.Fatal("expected an error for an empty variable name")
	}
	if _, err := newURIMatcher(""); err == nil {
		t.Fatal("expected an error for an empty template")
	}
}

func TestURIMatcherLiteralSegmentsMustMatchExactly(t *testing.T) {
	m, err := newURIMatcher("ex://user/{name}/profile")
	if err != nil {
		t.Fatalf("newURIMatcher: %v", err)
	}
	if _, ok := m.match("ex://user/ada/settings"); ok {
		t.Fatal("expected no match when the trailing literal segment differs")
	}
	if _, ok := m.match("ex://user/ada/profile"); !ok {
		t.Fatal("expected a match when every literal segment agrees")
	}
}
