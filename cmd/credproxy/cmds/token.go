package cmds

import (
	"credproxy/internal/types"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect and manage stored token records",
	}
	cmd.AddCommand(newTokenGetCmd(), newTokenListCmd(), newTokenDeleteCmd(), newTokenRefreshCmd(),
		newTokenImportCmd(), newTokenExportCmd())
	return cmd
}

func newTokenGetCmd() *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "get DOMAIN",
		Short: "Print the token record of a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := newStore(cmd.Context(), appConfig)
			if err != nil {
				return err
			}
			rec, err := deps.store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rec == nil {
				return types.Err(types.ErrNoToken, nil, "domain %s", args[0])
			}
			return printRecord(cmd.OutOrStdout(), *rec, deps.store.Expired(*rec), reveal)
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print tokens unmasked")
	return cmd
}

func newTokenListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List domains with a stored record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, err := newStore(cmd.Context(), appConfig)
			if err != nil {
				return err
			}
			domains, err := deps.store.Domains(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "DOMAIN\tSAVED\tEXPIRES\tSTATE")
			for _, d := range domains {
				rec, err := deps.store.Get(cmd.Context(), d)
				if err != nil {
					return err
				}
				if rec == nil {
					continue
				}
				state := "valid"
				if deps.store.Expired(*rec) {
					state = "expired"
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d, formatTime(rec.SavedAt()), expiresAt(*rec), state)
			}
			return tw.Flush()
		},
	}
}

func newTokenDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete DOMAIN",
		Short: "Remove the token record of a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := newStore(cmd.Context(), appConfig)
			if err != nil {
				return err
			}
			if err := deps.store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newTokenRefreshCmd() *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "refresh DOMAIN",
		Short: "Exchange the stored refresh token now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := newStore(cmd.Context(), appConfig)
			if err != nil {
				return err
			}
			rec, err := deps.store.Refresh(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRecord(cmd.OutOrStdout(), *rec, false, reveal)
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print tokens unmasked")
	return cmd
}

func newTokenImportCmd() *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Load token records from a YAML or JSON file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := newStore(cmd.Context(), appConfig)
			if err != nil {
				return err
			}
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer func() {
					_ = f.Close()
				}()
				r = f
			}
			n, err := ImportTokens(cmd.Context(), deps.tokens, r, replace)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported %d record(s)\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "drop records not present in the file")
	return cmd
}

func newTokenExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Write every stored record to stdout as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, err := newStore(cmd.Context(), appConfig)
			if err != nil {
				return err
			}
			_, err = ExportTokens(cmd.Context(), deps.tokens, cmd.OutOrStdout())
			return err
		},
	}
}

func printRecord(w io.Writer, rec types.TokenRecord, expired, reveal bool) error {
	if !reveal {
		rec.AccessToken = types.MaskToken(rec.AccessToken)
		rec.RefreshToken = types.MaskToken(rec.RefreshToken)
		rec.ApplicationToken = types.MaskToken(rec.ApplicationToken)
	}
	b, err := json.MarshalIndent(struct {
		types.TokenRecord
		Expired bool `json:"expired"`
	}{rec, expired}, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func expiresAt(rec types.TokenRecord) string {
	at, ok := rec.ExpiresAt()
	if !ok {
		return "-"
	}
	return formatTime(at)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
