// Package loader implements the Safe Dynamic Code Loader's compile step
// (spec.md §9 Design Note, option b): validated trait source is built
// as a Go plugin shared object and loaded through `plugin.Open`. This is
// the Go-native standing-in for "dynamic code import" in §4.9 step 2 —
// grounded on the other_examples ouroboros.go ToolCompiler's
// write-source/go-build/read-result shape, generalized from a
// standalone-binary build to a `-buildmode=plugin` build whose symbol is
// looked up and handed back as an entity.Trait.
package loader

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"plugin"
	"time"

	"github.com/molsim/molsim/internal/entity"
)

// Loader builds validated trait source into a Go plugin and loads the
// named exported constructor to produce an entity.Trait instance.
type Loader struct {
	buildDir     string        // scratch directory for plugin .so artifacts
	buildTimeout time.Duration
	modulePath   string // this module's path, for the plugin's go.mod replace directive
	moduleRoot   string // absolute path to this module's source root
}

// New constructs a Loader. buildDir holds compiled .so files; modulePath
// and moduleRoot let the generated plugin module depend on this
// process's own internal/entity package via a replace directive, mirroring
// ouroboros.go's ToolCompiler.mainModulePath/"go mod edit -replace" step.
func New(buildDir, modulePath, moduleRoot string, buildTimeout time.Duration) *Loader {
	if buildTimeout <= 0 {
		buildTimeout = 30 * time.Second
	}
	return &Loader{buildDir: buildDir, modulePath: modulePath, moduleRoot: moduleRoot, buildTimeout: buildTimeout}
}

// ConstructorName returns the exported build-time symbol the Loader
// looks up for a trait type named traitName: "New" + traitName, e.g.
// "NewEnergySaverTrait" for a type EnergySaverTrait. This must match
// internal/validator's checkConstructorArgs exactly — the validator
// rejects any candidate whose New<Type> constructor doesn't exist, and
// the Loader looks up that same symbol, so the symbol always exists in a
// validated candidate. The validator does not check the constructor's
// return type; Load rejects a constructor that is not
// func() entity.Trait. traitName is the Go exported type name
// (validator.Result.TraitName), not the registry's canonical (lower
// snake case) name.
func ConstructorName(traitName string) string {
	return "New" + traitName
}

// Load builds sourcePath (a single Go file already validated by
// internal/validator) into a plugin and returns the Trait it produces,
// looking up the constructor named ConstructorName(traitName). The
// build happens in an isolated temp module so a miscompiled candidate
// can never corrupt the running process's own build cache.
func (l *Loader) Load(ctx context.Context, sourcePath, traitName string) (entity.Trait, error) {
	soPath, err := l.build(ctx, sourcePath)
	if err != nil {
		return nil, fmt.Errorf("loader: build failed: %w", err)
	}

	p, err := plugin.Open(soPath)
	if err != nil {
		return nil, fmt.Errorf("loader: plugin.Open failed: %w", err)
	}

	ctorName := ConstructorName(traitName)
	sym, err := p.Lookup(ctorName)
	if err != nil {
		return nil, fmt.Errorf("loader: plugin missing %s symbol: %w", ctorName, err)
	}

	ctor, ok := sym.(func() entity.Trait)
	if !ok {
		return nil, fmt.Errorf("loader: %s has unexpected signature", ctorName)
	}

	return ctor(), nil
}

// build compiles sourcePath as a Go plugin, returning the path to the
// resulting .so. It shells out to `go build -buildmode=plugin`, the
// same os/exec-driven compile step ouroboros.go's ToolCompiler.Compile
// uses, adapted from a standalone-binary build to a plugin build.
func (l *Loader) build(ctx context.Context, sourcePath string) (string, error) {
	if err := os.MkdirAll(l.buildDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir build dir: %w", err)
	}

	buildCtx, cancel := context.WithTimeout(ctx, l.buildTimeout)
	defer cancel()

	base := filepath.Base(sourcePath)
	soName := base[:len(base)-len(filepath.Ext(base))] + ".so"
	soPath := filepath.Join(l.buildDir, soName)

	cmd := exec.CommandContext(buildCtx, "go", "build", "-buildmode=plugin", "-o", soPath, sourcePath)
	cmd.Dir = l.moduleRoot
	cmd.Env = append(os.Environ(), "CGO_ENABLED=1")

	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("go build: %w: %s", err, string(out))
	}
	return soPath, nil
}
