package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/atinyakov/fieldkeeper/internal/access"
	"github.com/spf13/cobra"
)

var (
	// version holds the build version set via ldflags.
	version = "dev"
	// buildDate holds the build timestamp set via ldflags.
	buildDate = "unknown"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "fieldctl version %s\n", version)
			fmt.Fprintf(out, "  Built:      %s\n", buildDate)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		secret string
		user   string
		admin  bool
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session key for a certificate common name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			checker, err := access.NewChecker(secret)
			if err != nil {
				return err
			}
			tok, err := checker.Issue(user, admin, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&secret, "secret", os.Getenv("SESSION_SECRET"), "session signing secret")
	f.StringVar(&user, "user", "admin", "client certificate common name")
	f.BoolVar(&admin, "admin", true, "grant administrator rights")
	f.DurationVar(&ttl, "ttl", time.Hour, "session lifetime")
	return cmd
}

func newListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the category and field tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			resp, err := c.Do(cmd.Context(), "loadFieldsList", nil)
			if err != nil {
				return err
			}
			if len(resp.Array) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "[]")
				return nil
			}
			var buf bytes.Buffer
			if err := json.Indent(&buf, resp.Array, "", "  "); err != nil {
				return fmt.Errorf("format tree: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), buf.String())
			return nil
		},
	}
}

// newCategoryCmd builds add-category, or edit-category when edit is set.
func newCategoryCmd(opts *globalOptions, edit bool) *cobra.Command {
	var (
		position string
		folders  []int64
	)
	cmd := &cobra.Command{
		Use:   "add-category LABEL",
		Short: "Create a category",
		Args:  cobra.ExactArgs(1),
	}
	if edit {
		cmd.Use = "edit-category ID LABEL"
		cmd.Short = "Rename, move or relink a category"
		cmd.Args = cobra.ExactArgs(2)
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		data := map[string]any{"position": position, "folders": folders}
		if !edit {
			data["label"] = args[0]
			return post(cmd, opts, "add_new_category", data)
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		data["categoryId"] = id
		data["label"] = args[1]
		return post(cmd, opts, "edit_category", data)
	}
	cmd.Flags().StringVar(&position, "position", "bottom", `"top", "bottom" or the id to place before`)
	cmd.Flags().Int64SliceVar(&folders, "folder", nil, "folder id to link (repeatable)")
	return cmd
}

// newFieldCmd builds add-field, or edit-field when edit is set. On edit the
// encrypted flag is only sent when given, so values are migrated on request.
func newFieldCmd(opts *globalOptions, edit bool) *cobra.Command {
	var (
		position  string
		fieldType string
		regex     string
		masked    bool
		mandatory bool
		encrypted bool
		roles     []string
	)
	cmd := &cobra.Command{
		Use:   "add-field CATEGORY_ID LABEL",
		Short: "Create a field in a category",
		Args:  cobra.ExactArgs(2),
	}
	if edit {
		cmd.Use = "edit-field FIELD_ID CATEGORY_ID LABEL"
		cmd.Short = "Update a field; --encrypted migrates its stored values"
		cmd.Args = cobra.ExactArgs(3)
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		data := map[string]any{
			"order":     position,
			"type":      fieldType,
			"regex":     regex,
			"masked":    masked,
			"mandatory": mandatory,
			"roles":     roles,
		}
		if edit {
			fieldID, err := parseID(args[0])
			if err != nil {
				return err
			}
			data["fieldId"] = fieldID
			args = args[1:]
		}
		categoryID, err := parseID(args[0])
		if err != nil {
			return err
		}
		data["categoryId"] = categoryID
		data["label"] = args[1]

		if !edit || cmd.Flags().Changed("encrypted") {
			data["encrypted"] = encrypted
		}
		action := "add_new_field"
		if edit {
			action = "edit_field"
		}
		return post(cmd, opts, action, data)
	}
	f := cmd.Flags()
	f.StringVar(&position, "position", "bottom", `"top", "bottom" or the id to place before`)
	f.StringVar(&fieldType, "type", "text", "field type: text or textarea")
	f.StringVar(&regex, "regex", "", "validation pattern")
	f.BoolVar(&masked, "masked", false, "mask the value in the UI")
	f.BoolVar(&mandatory, "mandatory", false, "require a value")
	f.BoolVar(&encrypted, "encrypted", false, "store values encrypted")
	f.StringSliceVar(&roles, "role", []string{"all"}, `role id allowed to see the field, or "all" (repeatable)`)
	return cmd
}

func newDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "delete category|field ID",
		Short:     "Delete a category with its fields, or a single field",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"category", "field"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "category" && args[0] != "field" {
				return fmt.Errorf("unknown kind %q, want category or field", args[0])
			}
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			return post(cmd, opts, "delete", map[string]any{"idToRemove": id, "action": args[0]})
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func post(cmd *cobra.Command, opts *globalOptions, action string, data map[string]any) error {
	c, err := newAPIClient(opts)
	if err != nil {
		return err
	}
	resp, err := c.Do(cmd.Context(), action, data)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	switch {
	case resp.NewID > 0:
		fmt.Fprintf(out, "created %d\n", resp.NewID)
	case resp.Failed > 0:
		fmt.Fprintf(out, "ok, %d stored values could not be migrated\n", resp.Failed)
	default:
		fmt.Fprintln(out, "ok")
	}
	return nil
}
