package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"spectroscopy/internal/blob"
	"spectroscopy/pkg/dataset"
	"spectroscopy/pkg/domain"
	"spectroscopy/pkg/formats"
	"spectroscopy/plugins/builtin"
)

func newInitCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "init STORE",
		Short: "create an empty store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withDataset(context.Background(), args[0], domain.ModeWrite, func(d *dataset.Dataset) error {
				meta, err := d.Metadata(context.Background())
				if err != nil {
					return err
				}
				fmt.Fprintf(e.stdout, "%s\t%s\tschema %s\n", d.Path(), meta.Driver, meta.SchemaVersion)
				return nil
			})
		},
	}
}

func newImportCommand(e *env) *cobra.Command {
	var format string
	var options []string
	c := &cobra.Command{
		Use:   "import STORE FILE...",
		Short: "import raw instrument files",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := parseOptions(options)
			if err != nil {
				return err
			}
			return e.withDataset(context.Background(), args[0], domain.ModeWrite, func(d *dataset.Dataset) error {
				for _, file := range args[1:] {
					ids, err := d.Read(context.Background(), file, format, opts)
					if err != nil {
						return err
					}
					for _, id := range ids {
						fmt.Fprintf(e.stdout, "%s\t%s\n", file, id)
					}
				}
				return nil
			})
		},
	}
	c.Flags().StringVarP(&format, "format", "f", "", "input format (see spectro formats)")
	c.Flags().StringSliceVarP(&options, "option", "o", nil, "reader option as key=value")
	_ = c.MarkFlagRequired("format")
	return c
}

func newNewCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "new STORE TYPE FIELD=VALUE...",
		Short: "create an entity",
		Long: `Create an entity of TYPE. Values are parsed according to the schema:
series are space separated, matrix rows are separated by semicolons and
reference fields (for example derivedFrom) take comma separated ids.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withDataset(context.Background(), args[0], domain.ModeWrite, func(d *dataset.Dataset) error {
				t, ok := domain.ParseEntityType(args[1])
				if !ok {
					return fmt.Errorf("unknown entity type %q", args[1])
				}
				fields, err := parseFields(d.Schema(), t, args[2:])
				if err != nil {
					return err
				}
				id, err := d.NewElement(context.Background(), t, fields)
				if err != nil {
					return err
				}
				fmt.Fprintln(e.stdout, id)
				return nil
			})
		},
	}
}

func newLinkCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "link STORE SOURCE EDGE TARGET",
		Short: "add an edge between two entities",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withDataset(context.Background(), args[0], domain.ModeWrite, func(d *dataset.Dataset) error {
				return d.Link(context.Background(), args[1], domain.EdgeType(args[2]), args[3])
			})
		},
	}
}

func newGetCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "get STORE ID...",
		Short: "print entities as JSON",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withDataset(context.Background(), args[0], domain.ModeRead, func(d *dataset.Dataset) error {
				enc := json.NewEncoder(e.stdout)
				for _, id := range args[1:] {
					entity, err := d.Get(context.Background(), id)
					if err != nil {
						return err
					}
					if err := enc.Encode(entity); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newQueryCommand(e *env) *cobra.Command {
	var where []string
	var idsOnly bool
	c := &cobra.Command{
		Use:   "query STORE TYPE",
		Short: "list entities of a type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			match, err := parseOptions(where)
			if err != nil {
				return err
			}
			pred := func(en domain.Entity) bool {
				for name, want := range match {
					v, ok := en.Fields[name]
					if !ok {
						return false
					}
					if _, text := domain.FormatValue(v); text != want {
						return false
					}
				}
				return true
			}
			return e.withDataset(context.Background(), args[0], domain.ModeRead, func(d *dataset.Dataset) error {
				enc := json.NewEncoder(e.stdout)
				for en, err := range d.Query(context.Background(), domain.EntityType(args[1]), pred) {
					if err != nil {
						return err
					}
					if idsOnly {
						fmt.Fprintln(e.stdout, en.ID)
						continue
					}
					if err := enc.Encode(en); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	c.Flags().StringSliceVarP(&where, "where", "w", nil, "field=value filter; values compare in their text form")
	c.Flags().BoolVar(&idsOnly, "ids", false, "print ids only")
	return c
}

func newProvenanceCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "provenance STORE ID",
		Short: "list the entities a result was derived from",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withDataset(context.Background(), args[0], domain.ModeRead, func(d *dataset.Dataset) error {
				upstream, err := d.Provenance(context.Background(), args[1])
				if err != nil {
					return err
				}
				for _, en := range upstream {
					fmt.Fprintf(e.stdout, "%s\t%s\n", en.Type, en.ID)
				}
				return nil
			})
		},
	}
}

func newVerifyCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "verify STORE",
		Short: "evaluate the integrity rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withDataset(context.Background(), args[0], domain.ModeRead, func(d *dataset.Dataset) error {
				res, err := d.Verify(context.Background())
				if err != nil {
					return err
				}
				for _, v := range res.Violations {
					fmt.Fprintf(e.stdout, "%s\t%s\t%s\t%s\n", v.Severity, v.Rule, v.EntityID, v.Message)
				}
				if res.HasBlocking() {
					return domain.RuleViolationError{Result: res}
				}
				fmt.Fprintln(e.stdout, "ok")
				return nil
			})
		},
	}
}

func newSourcesCommand(e *env) *cobra.Command {
	var check bool
	c := &cobra.Command{
		Use:   "sources",
		Short: "list the raw files kept in the archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			archive, ok, err := e.archive(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no archive configured; set --archive")
			}
			sources, err := archive.Sources(ctx)
			if err != nil {
				return err
			}
			for _, info := range sources {
				if check {
					if _, _, err := archive.Fetch(ctx, info.Key); err != nil {
						return err
					}
				}
				fmt.Fprintf(e.stdout, "%s\t%d\t%s\n", info.Key, info.Size, info.Metadata[blob.MetaSourceName])
			}
			return nil
		},
	}
	c.Flags().BoolVar(&check, "check", false, "read every source back and verify its digest")
	return c
}

func newFormatsCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "list the registered input formats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range builtin.Default().Formats() {
				fmt.Fprintln(e.stdout, name)
			}
			return nil
		},
	}
}

func parseOptions(pairs []string) (formats.Options, error) {
	opts := formats.Options{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		opts[strings.TrimSpace(k)] = v
	}
	return opts, nil
}

// parseFields converts FIELD=VALUE arguments into typed fields for t.
func parseFields(schema *domain.Schema, t domain.EntityType, pairs []string) (domain.Fields, error) {
	spec, ok := schema.Type(t)
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	fields := domain.Fields{}
	for _, p := range pairs {
		name, text, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("expected field=value, got %q", p)
		}
		if schema.IsEdge(name) {
			fields[name] = strings.Split(text, ",")
			continue
		}
		fs, ok := spec.Fields[name]
		if !ok {
			return nil, &domain.SchemaViolationError{Entity: t, Field: name, Reason: "unknown field"}
		}
		kind := fs.Kind
		if kind == domain.KindNumeric {
			kind = domain.KindFloat
			if len(strings.Fields(text)) > 1 {
				kind = domain.KindFloats
			}
		}
		v, err := domain.ParseValue(kind, text)
		if err != nil {
			return nil, &domain.SchemaViolationError{Entity: t, Field: name, Reason: err.Error()}
		}
		fields[name] = v
	}
	return fields, nil
}
