package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rcliao/persona-fleet/internal/model"
)

func init() {
	personaCmd := &cobra.Command{
		Use:   "persona",
		Short: "Manage personas",
	}

	imp := &cobra.Command{
		Use:   "import [file.yaml]",
		Short: "Import personas from YAML",
		Long:  "Import one or more personas from a YAML file or stdin. Multiple personas are separate YAML documents.",
		Args:  cobra.MaximumNArgs(1),
		Run:   runPersonaImport,
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List persona names",
		Run:   runPersonaList,
	}

	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a persona",
		Args:  cobra.ExactArgs(1),
		Run:   runPersonaShow,
	}

	personaCmd.AddCommand(imp, ls, show)
	RootCmd.AddCommand(personaCmd)
}

// decodePersonas reads a stream of YAML persona documents.
func decodePersonas(r io.Reader) ([]model.Persona, error) {
	dec := yaml.NewDecoder(r)
	var out []model.Persona
	for {
		var p model.Persona
		err := dec.Decode(&p)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("persona %d: %w", len(out)+1, err)
		}
		p.Name = strings.TrimSpace(p.Name)
		p.Rules = strings.TrimSpace(p.Rules)
		if p.Name == "" {
			return nil, fmt.Errorf("persona %d: name is required", len(out)+1)
		}
		if p.Rules == "" {
			return nil, fmt.Errorf("persona %q: rules are required", p.Name)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, errors.New("no personas found")
	}
	return out, nil
}

func runPersonaImport(cmd *cobra.Command, args []string) {
	var r io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			exitErr("open persona file", err)
		}
		defer f.Close()
		r = f
	}

	personas, err := decodePersonas(r)
	if err != nil {
		exitErr("parse personas", err)
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	for _, p := range personas {
		if err := s.PutPersona(cmd.Context(), p); err != nil {
			exitErr("put persona "+p.Name, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"imported":%d}`+"\n", len(personas))
}

func runPersonaList(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	names, err := s.ListPersonas(cmd.Context())
	if err != nil {
		exitErr("list personas", err)
	}
	output(cmd.OutOrStdout(), names, func(w io.Writer) {
		for _, n := range names {
			fmt.Fprintln(w, n)
		}
	})
}

func runPersonaShow(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	p, err := s.GetPersona(cmd.Context(), args[0])
	if err != nil {
		exitErr("get persona", err)
	}
	output(cmd.OutOrStdout(), p, func(w io.Writer) {
		yaml.NewEncoder(w).Encode(p)
	})
}
