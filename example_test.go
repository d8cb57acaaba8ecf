package hotswap_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pboyd/hotswap"
	"github.com/pboyd/hotswap/hotswaptest"
)

var (
	table = hotswap.NewTable()
	greet = hotswap.Declare[func(string) string](table, "Greet")
)

// Greet is what a generated trampoline looks like.
func Greet(name string) string {
	fn, release := greet.MustAcquire()
	defer release()
	return fn(name)
}

func ExampleSupervisor() {
	dir, _ := os.MkdirTemp("", "hotswap-example")
	defer os.RemoveAll(dir)
	artifact := filepath.Join(dir, hotswap.ArtifactName("game"))

	// A real program would use dynlib.Loader or image.Loader.
	loader := hotswaptest.NewLoader()
	loader.Define("v1", map[string]any{"Greet": func(s string) string { return "hello, " + s }})
	loader.Define("v2", map[string]any{"Greet": func(s string) string { return "welcome back, " + s }})

	sup, err := hotswap.New(table, hotswap.Options{
		Artifact:  artifact,
		Loader:    loader,
		Functions: []hotswap.Descriptor{greet.Descriptor()},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		fmt.Println(err)
		return
	}

	start := time.Now().Add(-time.Minute)
	os.WriteFile(artifact, []byte("v1"), 0o644)
	os.Chtimes(artifact, start, start)
	if err := sup.Start(context.Background()); err != nil {
		fmt.Println(err)
		return
	}
	defer sup.Close()
	fmt.Println(Greet("gopher"))

	// Rebuild.
	os.WriteFile(artifact, []byte("v2"), 0o644)
	os.Chtimes(artifact, start.Add(time.Second), start.Add(time.Second))
	sup.Poll(context.Background())
	fmt.Println(Greet("gopher"), sup.Generation())

	// Output:
	// hello, gopher
	// welcome back, gopher 1
}
