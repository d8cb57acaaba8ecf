package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pboyd/hotswap/image"
)

// manifest describes an image to build.
//
//	arch: amd64
//	symbols:
//	  - name: Answer
//	    code: 48 c7 c0 2a 00 00 00 c3
type manifest struct {
	Arch    string           `yaml:"arch"`
	Symbols []manifestSymbol `yaml:"symbols"`
}

type manifestSymbol struct {
	Name string `yaml:"name"`
	// Code is hex, whitespace is ignored.
	Code string `yaml:"code"`
}

func parseManifest(data []byte) (*image.Image, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	arch, err := image.ParseArch(m.Arch)
	if err != nil {
		return nil, err
	}

	funcs := make([]image.Func, len(m.Symbols))
	for i, sym := range m.Symbols {
		code, err := hex.DecodeString(strings.Join(strings.Fields(sym.Code), ""))
		if err != nil {
			return nil, fmt.Errorf("symbol %q: %w", sym.Name, err)
		}
		funcs[i] = image.Func{Name: sym.Name, Code: code}
	}

	img, err := image.New(arch, funcs...)
	if err != nil {
		return nil, err
	}
	if err := image.Validate(img); err != nil {
		return nil, err
	}
	return img, nil
}

func newImageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Build and inspect code images",
	}
	cmd.AddCommand(newImageBuildCmd(), newImageInspectCmd())
	return cmd
}

func newImageBuildCmd() *cobra.Command {
	var manifestPath, out string

	cmd := &cobra.Command{
		Use:   "build -f manifest.yaml -o module.img",
		Short: "Assemble an image from a manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(manifestPath)
			if err != nil {
				return err
			}
			img, err := parseManifest(data)
			if err != nil {
				return err
			}
			if err := writeImage(out, img); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d symbols, %d bytes of %v code\n", out, len(img.Symbols), len(img.Code), img.Arch)
			return nil
		},
	}
	cmd.Flags().StringVarP(&manifestPath, "file", "f", "", "manifest to build")
	cmd.Flags().StringVarP(&out, "out", "o", "", "image to write")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("out")
	return cmd
}

// writeImage replaces path atomically so a running supervisor never copies a
// half written image.
func writeImage(path string, img *image.Image) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := img.Encode(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

func newImageInspectCmd() *cobra.Command {
	var disasm bool

	cmd := &cobra.Command{
		Use:   "inspect module.img",
		Short: "List the symbols of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			img, err := image.Decode(bufio.NewReader(f))
			if err != nil {
				return err
			}
			return inspect(cmd.OutOrStdout(), img, disasm)
		},
	}
	cmd.Flags().BoolVarP(&disasm, "disassemble", "d", true, "disassemble every symbol")
	return cmd
}

func inspect(w io.Writer, img *image.Image, disasm bool) error {
	fmt.Fprintf(w, "arch: %v\ncode: %d bytes\n\n", img.Arch, len(img.Code))

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tOFFSET\tSIZE")
	for _, sym := range img.Symbols {
		fmt.Fprintf(tw, "%s\t%#x\t%d\n", sym.Name, sym.Offset, sym.Size)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if !disasm {
		return nil
	}
	for _, sym := range img.Symbols {
		listing, err := image.Disassemble(img, sym)
		fmt.Fprintf(w, "\n%s:\n%s", sym.Name, listing)
		if err != nil {
			fmt.Fprintf(w, "  %v\n", err)
		}
	}
	return nil
}
