package main

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pboyd/hotswap"
)

// config is the file read by "hotswap run".
type config struct {
	Artifact     string        `yaml:"artifact"`
	CopyDir      string        `yaml:"copy_dir"`
	Loader       string        `yaml:"loader"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Watch        bool          `yaml:"watch"`
	RemoveCopies bool          `yaml:"remove_copies"`
	MetricsAddr  string        `yaml:"metrics_addr"`
	Functions    []function    `yaml:"functions"`
}

// function is one hot-reloadable function and the arguments it's called
// with after every reload.
type function struct {
	Name      string `yaml:"name"`
	Signature string `yaml:"signature"`
	Args      []int  `yaml:"args"`
}

// signatures are the function types "hotswap run" knows how to call.
var signatures = map[string]reflect.Type{
	"func()":                  reflect.TypeFor[func()](),
	"func() int":              reflect.TypeFor[func() int](),
	"func(int) int":           reflect.TypeFor[func(int) int](),
	"func(int, int) int":      reflect.TypeFor[func(int, int) int](),
	"func(int, int, int) int": reflect.TypeFor[func(int, int, int) int](),
}

func loadConfig(path string) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*config, error) {
	cfg := &config{
		Loader:       "image",
		PollInterval: hotswap.DefaultPollInterval,
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *config) validate() error {
	var errs []error
	if c.Artifact == "" {
		errs = append(errs, errors.New("artifact is required"))
	}
	if len(c.Functions) == 0 {
		errs = append(errs, errors.New("no functions"))
	}
	for _, fn := range c.Functions {
		typ, ok := signatures[fn.Signature]
		if !ok {
			errs = append(errs, fmt.Errorf("function %q: unsupported signature %q", fn.Name, fn.Signature))
			continue
		}
		if typ.NumIn() != len(fn.Args) {
			errs = append(errs, fmt.Errorf("function %q: %d args for %s", fn.Name, len(fn.Args), fn.Signature))
		}
	}
	return errors.Join(errs...)
}

func (c *config) descriptors() []hotswap.Descriptor {
	ds := make([]hotswap.Descriptor, len(c.Functions))
	for i, fn := range c.Functions {
		ds[i] = hotswap.Descriptor{Name: fn.Name, Type: signatures[fn.Signature]}
	}
	return ds
}

// call invokes fn through the table and formats its results.
func call(table *hotswap.Table, fn function) (string, error) {
	tok, err := table.Lookup(fn.Name)
	if err != nil {
		return "", err
	}
	defer tok.Release()

	args := make([]reflect.Value, len(fn.Args))
	for i, a := range fn.Args {
		args[i] = reflect.ValueOf(a)
	}
	out := reflect.ValueOf(tok.Func()).Call(args)

	switch len(out) {
	case 0:
		return "", nil
	case 1:
		return fmt.Sprint(out[0].Interface()), nil
	}
	results := make([]any, len(out))
	for i, v := range out {
		results[i] = v.Interface()
	}
	return fmt.Sprint(results...), nil
}
