package vhost

import "testing"

func mkVhost(id, pattern string, priority int) *VirtualHost {
	return &VirtualHost{ID: id, Patterns: []DomainPattern{ParsePattern(pattern)}, Priority: priority}
}

func TestRoutePrecedence(t *testing.T) {
	r := NewRouter([]*VirtualHost{
		mkVhost("default", "*", 0),
		mkVhost("wild-suffix", "*.example.com", 0),
		mkVhost("wild-prefix", "api.*", 0),
		mkVhost("exact", "api.example.com", 0),
	})

	vh, err := r.Route("api.example.com", "", "/")
	if err != nil || vh.ID != "exact" {
		t.Fatalf("expected exact match, got %v err=%v", vh, err)
	}

	vh, err = r.Route("foo.example.com", "", "/")
	if err != nil || vh.ID != "wild-suffix" {
		t.Fatalf("expected wildcard-suffix match, got %v err=%v", vh, err)
	}

	vh, err = r.Route("api.other.com", "", "/")
	if err != nil || vh.ID != "wild-prefix" {
		t.Fatalf("expected wildcard-prefix match, got %v err=%v", vh, err)
	}

	vh, err = r.Route("unrelated.net", "", "/")
	if err != nil || vh.ID != "default" {
		t.Fatalf("expected default match, got %v err=%v", vh, err)
	}
}

func TestRouteCaseInsensitiveAndPortStrip(t *testing.T) {
	r := NewRouter([]*VirtualHost{mkVhost("exact", "API.Example.COM", 0)})
	vh, err := r.Route("api.example.com:8443", "", "/")
	if err != nil || vh.ID != "exact" {
		t.Fatalf("expected case-insensitive port-stripped match, got %v err=%v", vh, err)
	}
}

func TestRouteSNIMismatch(t *testing.T) {
	r := NewRouter([]*VirtualHost{mkVhost("exact", "api.example.com", 0)})
	_, err := r.Route("other.example.com", "api.example.com", "/")
	if err != ErrMisdirected {
		t.Fatalf("expected ErrMisdirected, got %v", err)
	}
}

func TestRouteNoMatch(t *testing.T) {
	r := NewRouter([]*VirtualHost{mkVhost("exact", "api.example.com", 0)})
	_, err := r.Route("nope.example.com", "", "/")
	if err != ErrNoMatch {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestRoutePriorityTieBreak(t *testing.T) {
	r := NewRouter([]*VirtualHost{
		mkVhost("low", "*.example.com", 1),
		mkVhost("high", "*.example.com", 5),
	})
	vh, err := r.Route("foo.example.com", "", "/")
	if err != nil || vh.ID != "high" {
		t.Fatalf("expected higher-priority wildcard to win, got %v err=%v", vh, err)
	}
}
