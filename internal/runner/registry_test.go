package runner

import "testing"

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()

	d, ok := r.Lookup("python")
	if !ok {
		t.Fatal("expected python to be registered")
	}
	if d.Image != "polyglot-python-runner" {
		t.Errorf("unexpected image %q", d.Image)
	}
	if d.Compiled {
		t.Error("python should not be marked compiled")
	}

	d, ok = r.Lookup("rust")
	if !ok {
		t.Fatal("expected rust to be registered")
	}
	if !d.Compiled {
		t.Error("rust should be marked compiled")
	}

	if _, ok := r.Lookup("brainfuck"); ok {
		t.Error("unregistered language should not resolve")
	}
}

func TestRegistrySupports(t *testing.T) {
	r := NewRegistry()

	for _, lang := range []string{"python", "javascript", "java", "cpp", "go", "rust", "ruby", "php"} {
		if !r.Supports(lang) {
			t.Errorf("expected %s to be supported", lang)
		}
	}
	if r.Supports("PYTHON") {
		t.Error("language identifiers are case-sensitive")
	}
}

func TestRegistryListSorted(t *testing.T) {
	list := NewRegistry().List()

	if len(list) != 8 {
		t.Fatalf("expected 8 languages, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Language >= list[i].Language {
			t.Errorf("list not sorted at %d: %s >= %s", i, list[i-1].Language, list[i].Language)
		}
	}
}
