package main

import "testing"

func TestRecordFromSetFlags(t *testing.T) {
	rec, err := recordFromSetFlags([]string{"id=a", "v=5", "active=true", "name=widget"})
	if err != nil {
		t.Fatalf("recordFromSetFlags: %v", err)
	}
	if rec["id"] != "a" {
		t.Errorf("id = %#v, want \"a\"", rec["id"])
	}
	if rec["v"] != float64(5) {
		t.Errorf("v = %#v, want float64(5)", rec["v"])
	}
	if rec["active"] != true {
		t.Errorf("active = %#v, want true", rec["active"])
	}
	if rec["name"] != "widget" {
		t.Errorf("name = %#v, want \"widget\"", rec["name"])
	}
}

func TestRecordFromSetFlags_InvalidFlag(t *testing.T) {
	if _, err := recordFromSetFlags([]string{"novalue"}); err == nil {
		t.Error("expected error for a --set flag with no '='")
	}
}

func TestSplitOnce(t *testing.T) {
	key, value, ok := splitOnce("name=value=with=equals", '=')
	if !ok || key != "name" || value != "value=with=equals" {
		t.Errorf("splitOnce = %q, %q, %v", key, value, ok)
	}
	if _, _, ok := splitOnce("noequals", '='); ok {
		t.Error("expected ok=false for a string with no separator")
	}
}
