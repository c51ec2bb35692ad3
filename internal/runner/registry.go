// Package runner holds the static language → runtime image registry.
// Descriptors are loaded once at process start and never mutated.
package runner

import "sort"

// Descriptor maps a language identifier to its runtime image. Every image
// ships a fixed entrypoint that reads a JSON payload on stdin, writes the code
// to a private scratch file, compiles it when the language requires that, runs
// it and emits a single JSON result on stdout.
type Descriptor struct {
	Language string `json:"language"`
	Image    string `json:"image"`
	Version  string `json:"version"`
	Compiled bool   `json:"compiled"`
}

// Registry is the immutable language runner table.
type Registry struct {
	byLanguage map[string]Descriptor
}

// NewRegistry builds the default registry with all supported runtime images.
func NewRegistry() *Registry {
	descriptors := []Descriptor{
		{Language: "python", Image: "polyglot-python-runner", Version: "3.12"},
		{Language: "javascript", Image: "polyglot-nodejs-runner", Version: "20"},
		{Language: "java", Image: "polyglot-java-runner", Version: "21", Compiled: true},
		{Language: "cpp", Image: "polyglot-cpp-runner", Version: "17", Compiled: true},
		{Language: "go", Image: "polyglot-go-runner", Version: "1.23", Compiled: true},
		{Language: "rust", Image: "polyglot-rust-runner", Version: "1.80", Compiled: true},
		{Language: "ruby", Image: "polyglot-ruby-runner", Version: "3.3"},
		{Language: "php", Image: "polyglot-php-runner", Version: "8.3"},
	}

	byLanguage := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		byLanguage[d.Language] = d
	}
	return &Registry{byLanguage: byLanguage}
}

// Lookup returns the descriptor for a language, or false when unsupported.
func (r *Registry) Lookup(language string) (Descriptor, bool) {
	d, ok := r.byLanguage[language]
	return d, ok
}

// Supports reports whether the language has a registered runner.
func (r *Registry) Supports(language string) bool {
	_, ok := r.byLanguage[language]
	return ok
}

// List returns all descriptors sorted by language name.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.byLanguage))
	for _, d := range r.byLanguage {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out
}
