package arch_test

import (
	"path/filepath"
	"testing"
)

// layers assigns each internal package to a numeric layer. A package at
// layer N may only import packages at layer N or below.
var layers = map[string]int{
	"config":    0,
	"dag":       0,
	"filestate": 0,
	"logscan":   0,
	"metrics":   0,
	"proc":      0,
	"search":    0,
	"telemetry": 0,
	"ui":        0,
	"watch":     0,

	"rules": 1,

	"extract":  2,
	"fdb":      2,
	"manifest": 2,
	"rerun":    2,

	"engine": 3,
}

// TestDependencyLayering verifies that no internal package imports a package
// from a higher layer.
func TestDependencyLayering(t *testing.T) {
	t.Parallel()

	dir := internalDirPath(t)
	for _, pkg := range internalPackages(t) {
		importerLayer, ok := layers[pkg]
		if !ok {
			continue
		}
		for _, imp := range importsOf(t, filepath.Join(dir, pkg)) {
			importedLayer, ok := layers[imp]
			if !ok || importerLayer >= importedLayer {
				continue
			}
			t.Errorf("layer violation: %s (layer %d) imports %s (layer %d)",
				pkg, importerLayer, imp, importedLayer)
		}
	}
}

// TestNoUnknownPackages forces new packages to be placed in the layer map.
func TestNoUnknownPackages(t *testing.T) {
	t.Parallel()

	for _, pkg := range internalPackages(t) {
		if _, ok := layers[pkg]; !ok {
			t.Errorf("package %s has no layer assignment; add it to the layers map", pkg)
		}
	}
}

// TestEngineIsTheOnlyOrchestrator checks that the leaf packages stay free of
// the engine so they can be tested on their own.
func TestEngineIsTheOnlyOrchestrator(t *testing.T) {
	t.Parallel()

	dir := internalDirPath(t)
	for _, pkg := range internalPackages(t) {
		if pkg == "engine" {
			continue
		}
		for _, imp := range importsOf(t, filepath.Join(dir, pkg)) {
			if imp == "engine" {
				t.Errorf("%s imports engine", pkg)
			}
		}
	}
}
