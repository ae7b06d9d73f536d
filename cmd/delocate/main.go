package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/raymyers/delocate/pkg/ar"
	"github.com/raymyers/delocate/pkg/delocate"
	"github.com/raymyers/delocate/pkg/parser"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

// CLI flags
var (
	archivePath string
	outputPath  string
)

var errPrefix = color.New(color.FgRed, color.Bold)

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := newRootCmd(os.Stdout, os.Stderr)
	rootCmd.SetArgs(os.Args[1:])
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "delocate -o out.s [-a module.a] [input.s ...]",
		Short: "delocate rewrites assembly to remove load-time relocations",
		Long: `delocate rewrites the textual assembly of a cryptographic module so that
the machine code between BORINGSSL_bcm_text_start and BORINGSSL_bcm_text_end
contains no load-time relocations and can be hashed for an integrity check.
References that would need a relocation are redirected through helper
functions generated after the end of the hashed region.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(outputPath) == 0 {
				fmt.Fprintf(errOut, "%s must give argument to -o\n", errPrefix.Sprint("delocate:"))
				return errors.New("missing output path")
			}

			if err := delocateFiles(archivePath, args, outputPath); err != nil {
				fmt.Fprintf(errOut, "%s %v\n", errPrefix.Sprint("delocate:"), err)
				return err
			}
			return nil
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	rootCmd.Flags().StringVarP(&archivePath, "archive", "a", "", "Path to a .a file containing a single assembly source")
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Path to output assembly")

	return rootCmd
}

func delocateFiles(archivePath string, paths []string, outputPath string) error {
	inputs, err := gatherInputs(archivePath, paths)
	if err != nil {
		return err
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}

	if err := delocate.Transform(out, inputs); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// gatherInputs reads and parses all the inputs. The archive member, if
// present, gets index 0 so its local symbols stay canonical across runs.
func gatherInputs(archivePath string, paths []string) ([]delocate.InputFile, error) {
	var inputs []delocate.InputFile

	if len(archivePath) > 0 {
		contents, err := readArchiveMember(archivePath)
		if err != nil {
			return nil, err
		}
		file, err := parser.Parse(archivePath, contents)
		if err != nil {
			return nil, fmt.Errorf("error while parsing %q: %w", archivePath, err)
		}
		inputs = append(inputs, delocate.InputFile{
			Path:      archivePath,
			Index:     0,
			IsArchive: true,
			File:      file,
		})
	}

	for i, path := range paths {
		if len(path) == 0 {
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		file, err := parser.Parse(path, string(raw))
		if err != nil {
			return nil, fmt.Errorf("error while parsing %q: %w", path, err)
		}
		inputs = append(inputs, delocate.InputFile{
			Path:  path,
			Index: i + 1,
			File:  file,
		})
	}

	return inputs, nil
}

// readArchiveMember extracts the single assembly source wrapped in a .a
// file. An archive of textual assembly is odd, but the build system really
// wants to create archive files so it's the only way to make it work.
func readArchiveMember(path string) (string, error) {
	arFile, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer arFile.Close()

	members, err := ar.Parse(arFile)
	if err != nil {
		return "", err
	}

	if len(members) != 1 {
		return "", fmt.Errorf("expected one file in archive %q, but found %d", path, len(members))
	}

	for _, contents := range members {
		return string(contents), nil
	}
	return "", nil
}
