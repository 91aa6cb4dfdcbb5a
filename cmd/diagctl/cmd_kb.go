package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hydrodiag/hydrodiag-ai/internal/knowledge"
)

func newKBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Inspect knowledge base files",
	}
	cmd.AddCommand(newKBLintCmd())
	cmd.AddCommand(newKBExportCmd())
	return cmd
}

func loadKB(dir string) (*knowledge.Base, error) {
	if dir == "" {
		return knowledge.Default()
	}
	return knowledge.LoadDir(dir)
}

func newKBLintCmd() *cobra.Command {
	var (
		dir    string
		strict bool
	)
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Load a knowledge base and report dangling references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kb, err := loadKB(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			edges := kb.Edges()
			fmt.Fprintf(out, "symptoms: %d\n", len(kb.Symptoms()))
			fmt.Fprintf(out, "causes:   %d\n", len(kb.Causes()))
			fmt.Fprintf(out, "tests:    %d\n", len(kb.Tests()))
			fmt.Fprintf(out, "edges:    %d symptom->cause, %d cause->test, %d cause->fix\n",
				len(edges.SymptomToCause), len(edges.CauseToTest), len(edges.CauseToFix))

			warnings := kb.Warnings()
			for _, w := range warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			if strict && len(warnings) > 0 {
				return fmt.Errorf("%d warning(s)", len(warnings))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "knowledge base directory (default: embedded)")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when there are warnings")
	return cmd
}

// exportDoc is the single-document form of a knowledge base.
type exportDoc struct {
	knowledge.Graph `yaml:",inline"`
	QuestionBank    map[string][]string `json:"question_bank" yaml:"question_bank"`
}

func newKBExportCmd() *cobra.Command {
	var (
		dir    string
		format string
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a knowledge base as YAML or JSON",
		Long: "Without -o the whole knowledge base is written to stdout as one document.\n" +
			"With -o each section is written to its own file, in the layout kb-dir expects.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != "yaml" && format != "json" {
				return fmt.Errorf("unsupported format %q (want yaml or json)", format)
			}
			kb, err := loadKB(dir)
			if err != nil {
				return err
			}
			g := kb.Graph()

			if outDir == "" {
				return encode(cmd.OutOrStdout(), format, exportDoc{Graph: g, QuestionBank: kb.QuestionBanks()})
			}

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			files := []struct {
				name string
				v    interface{}
			}{
				{"symptoms", g.Symptoms},
				{"causes", g.Causes},
				{"tests", g.Tests},
				{"edges", g.Edges},
				{"question_bank", kb.QuestionBanks()},
			}
			for _, f := range files {
				path := filepath.Join(outDir, f.name+"."+format)
				if err := writeFile(path, format, f.v); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "knowledge base directory (default: embedded)")
	cmd.Flags().StringVar(&format, "format", "yaml", "output format: yaml or json")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "write one file per section into this directory")
	return cmd
}

func writeFile(path, format string, v interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encode(f, format, v); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func encode(w io.Writer, format string, v interface{}) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
