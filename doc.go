// Package hotswap replaces the code behind a fixed set of functions while the
// process keeps running.
//
// Every hot-reloadable call goes through a Table: it looks up the current
// Token of the function, calls through it and releases it. A Supervisor polls
// the build artifact, loads each new build from a numbered copy, publishes the
// new tokens and keeps the superseded module mapped until the last call that
// was dispatched to it has returned.
//
//	table := hotswap.NewTable()
//	greet := hotswap.Declare[func(string) string](table, "Greet")
//
//	sup, err := hotswap.New(table, hotswap.Options{
//		Artifact:  filepath.Join(buildDir, hotswap.ArtifactName("game")),
//		Loader:    dynlib.Loader{},
//		Functions: []hotswap.Descriptor{greet.Descriptor()},
//	})
//	...
//	if err := sup.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer sup.Close()
//
// Limitations:
//   - Signatures can't change between builds
//   - A token kept past the call it was looked up for keeps its module
//     mapped forever
//   - Go plugins can be reloaded but never unmapped
package hotswap
