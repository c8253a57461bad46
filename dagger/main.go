// fleet-bridge Dagger module for the CI pipeline.
//
// Test runs the suite with the race detector since every package here is
// concurrent. Build produces the bridge and the fleet simulator.

package main

import (
	"context"
	"dagger/fleet-bridge/internal/dagger"
)

type FleetBridge struct{}

// Base returns a Go container with the source mounted and the module cache warmed
func (m *FleetBridge) Base(source *dagger.Directory) *dagger.Container {
	return dag.Container().
		From("golang:1.25").
		WithMountedCache("/go/pkg/mod", dag.CacheVolume("fleet-bridge-gomod")).
		WithMountedDirectory("/src", source).
		WithWorkdir("/src").
		WithExec([]string{"go", "mod", "download"})
}

// Test runs all Go tests with the race detector
func (m *FleetBridge) Test(ctx context.Context, source *dagger.Directory) (string, error) {
	return m.Base(source).
		WithEnvVariable("CGO_ENABLED", "1").
		WithExec([]string{"go", "test", "-race", "-count=1", "./..."}).
		Stdout(ctx)
}

// Lint runs golangci-lint
func (m *FleetBridge) Lint(ctx context.Context, source *dagger.Directory) (string, error) {
	return m.Base(source).
		WithExec([]string{"go", "install", "github.com/golangci/golangci-lint/v2/cmd/golangci-lint@latest"}).
		WithExec([]string{"golangci-lint", "run", "./..."}).
		Stdout(ctx)
}

// Vuln runs govulncheck
func (m *FleetBridge) Vuln(ctx context.Context, source *dagger.Directory) (string, error) {
	return m.Base(source).
		WithExec([]string{"go", "install", "golang.org/x/vuln/cmd/govulncheck@latest"}).
		WithExec([]string{"govulncheck", "./..."}).
		Stdout(ctx)
}

// Build returns a directory holding the fleet-bridge and fleet_sim binaries
func (m *FleetBridge) Build(source *dagger.Directory, version string) *dagger.Directory {
	ldflags := "-s -w -X main.Version=" + version
	return m.Base(source).
		WithEnvVariable("CGO_ENABLED", "0").
		WithExec([]string{"go", "build", "-ldflags", ldflags, "-o", "/out/fleet-bridge", "./cmd/fleet-bridge"}).
		WithExec([]string{"go", "build", "-o", "/out/fleet_sim", "./internal/tools/fleet_sim"}).
		Directory("/out")
}

// CI runs test, lint and vuln in sequence
func (m *FleetBridge) CI(ctx context.Context, source *dagger.Directory) (string, error) {
	if _, err := m.Test(ctx, source); err != nil {
		return "", err
	}
	if _, err := m.Lint(ctx, source); err != nil {
		return "", err
	}
	if _, err := m.Vuln(ctx, source); err != nil {
		return "", err
	}
	return "CI pipeline completed successfully", nil
}
