package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// steps run in order inside the container; the first failure stops the run
var steps = []string{
	"go test -race -count=1 ./...",
	"go install github.com/golangci/golangci-lint/v2/cmd/golangci-lint@latest",
	"golangci-lint run ./...",
	"go install golang.org/x/vuln/cmd/govulncheck@latest",
	"govulncheck ./...",
}

// Runs the CI steps in golang:1.25 via docker without the Dagger SDK. The
// workflow runs this from dagger/pipeline with the docker socket exposed.
func main() {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get cwd: %v\n", err)
		os.Exit(1)
	}

	repoRoot := filepath.Clean(filepath.Join(cwd, "..", ".."))

	args := []string{
		"run", "--rm",
		"-v", repoRoot + ":/src",
		"-w", "/src",
		"-e", "CGO_ENABLED=1",
		"golang:1.25",
		"/bin/sh", "-c", "set -e; " + strings.Join(steps, "; "),
	}

	fmt.Println("running: docker", strings.Join(args, " "))

	cmd := exec.Command("docker", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "pipeline failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("pipeline completed: tests, lint, and vulncheck passed")
}
