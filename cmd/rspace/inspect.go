package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/automerge/automerge-go"
	"github.com/spf13/cobra"

	"github.com/Jeff-Emmett/rspace-online/pkg/canvas"
	"github.com/Jeff-Emmett/rspace-online/pkg/storage"
	"github.com/Jeff-Emmett/rspace-online/pkg/store"
	"github.com/Jeff-Emmett/rspace-online/pkg/viz"
)

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			backend, err := openBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			ids, err := store.New(backend).List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list documents: %w", err)
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newInspectCmd(opts *rootOptions) *cobra.Command {
	var svgPath string
	cmd := &cobra.Command{
		Use:   "inspect <slug | file.automerge>",
		Short: "Print the metadata, shapes and change history of a document",
		Long: `Reads a canonical record without loading it into a running relay. The argument is
either a document slug in the configured storage or the path of a .automerge file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			raw, err := readRecord(cmd, cfg.Storage, cfg.DataDir, cfg.DatabaseURL, args[0])
			if err != nil {
				return err
			}
			doc, err := automerge.Load(raw)
			if err != nil {
				return fmt.Errorf("failed to load doc: %w", err)
			}
			if err := describe(cmd.OutOrStdout(), doc); err != nil {
				return err
			}
			if svgPath != "" {
				if err := viz.RenderToFile(doc, svgPath); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rendered history to %s\n", svgPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&svgPath, "svg", "", "also render the change history to this svg file")
	return cmd
}

func readRecord(cmd *cobra.Command, kind, dataDir, dsn, arg string) ([]byte, error) {
	if strings.HasSuffix(arg, store.CanonicalExt) {
		raw, err := os.ReadFile(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		return raw, nil
	}
	if !canvas.ValidSlug(arg) {
		return nil, store.ErrInvalidSlug
	}
	backend, err := storage.Open(cmd.Context(), kind, dataDir, dsn)
	if err != nil {
		return nil, err
	}
	defer backend.Close()
	raw, err := backend.Read(cmd.Context(), arg+store.CanonicalExt)
	if errors.Is(err, storage.ErrNotExist) {
		if ok, _ := backend.Exists(cmd.Context(), arg+store.LegacyExt); ok {
			return nil, fmt.Errorf("%s only has a legacy record; it is migrated when the relay first loads it", arg)
		}
		return nil, store.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return raw, nil
}

func describe(w io.Writer, doc *automerge.Doc) error {
	snap, err := canvas.Read(doc)
	if err != nil {
		return fmt.Errorf("failed to read canvas: %w", err)
	}
	fmt.Fprintf(w, "name:    %s\n", snap.Meta.Name)
	fmt.Fprintf(w, "slug:    %s\n", snap.Meta.Slug)
	fmt.Fprintf(w, "created: %s\n", snap.Meta.Created().UTC().Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(w, "shapes:  %d\n", len(snap.Shapes))
	fmt.Fprintf(w, "heads:   %v\n", doc.Heads())

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	fmt.Fprintf(w, "changes: %d\n", len(changes))
	for i, change := range changes {
		label, err := viz.Label(doc, change)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%4d %s deps=%d\n", i, label, len(change.Dependencies()))
	}
	return nil
}
