package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"vpsd/pkg/config"
	"vpsd/pkg/db"
	"vpsd/pkg/model"
	"vpsd/pkg/s3"
	"vpsd/services/addresspool"
	"vpsd/services/records"
	"vpsd/services/reports"
)

// cliConfig is the subset of the server configuration the CLI needs.
type cliConfig struct {
	DBDSN   string `env:"DB_DSN,required"`
	Reports config.ReportConfig
}

func main() {
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "vpsctl",
		Short:         "Operator utility for the vpsd provisioning core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newPoolCommand())
	cmd.AddCommand(newRunsCommand())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func loadConfig(ctx context.Context) (cliConfig, error) {
	var cfg cliConfig
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, nil
}

func cliLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.Migrate(ctx, pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newPoolCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Address pool operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newPoolImportCommand())
	cmd.AddCommand(newPoolListCommand())
	cmd.AddCommand(newPoolReleaseCommand())
	return cmd
}

// poolFile is the YAML layout accepted by pool import.
type poolFile struct {
	Blocks []addresspool.Block `yaml:"blocks"`
}

func parsePoolFile(r io.Reader) ([]addresspool.Block, error) {
	var f poolFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode pool file: %w", err)
	}
	if len(f.Blocks) == 0 {
		return nil, fmt.Errorf("pool file lists no blocks")
	}
	return f.Blocks, nil
}

func newPoolImportCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Add AVAILABLE addresses from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			fh, err := os.Open(file)
			if err != nil {
				return err
			}
			defer fh.Close()

			blocks, err := parsePoolFile(fh)
			if err != nil {
				return err
			}

			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			addresses, err := addresspool.New(pool, cliLogger())
			if err != nil {
				return err
			}
			total := 0
			for _, b := range blocks {
				n, err := addresses.Import(ctx, b)
				if err != nil {
					return err
				}
				total += n
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d new addresses from %d blocks\n", total, len(blocks))
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "YAML file describing address blocks")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newPoolListCommand() *cobra.Command {
	var (
		location string
		status   string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pooled addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			addresses, err := addresspool.New(pool, cliLogger())
			if err != nil {
				return err
			}
			list, err := addresses.List(ctx, addresspool.Filter{
				Location: location,
				Status:   model.AddressStatus(strings.ToUpper(status)),
			})
			if err != nil {
				return err
			}
			return writeAddresses(cmd.OutOrStdout(), list)
		},
	}

	cmd.Flags().StringVar(&location, "location", "", "Only list addresses in this location")
	cmd.Flags().StringVar(&status, "status", "", "Only list addresses in this status (AVAILABLE, RESERVED, IN_USE)")
	return cmd
}

func writeAddresses(out io.Writer, list []model.AddressRecord) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tADDRESS\tBLOCK\tLOCATION\tSTATUS\tVMID\tMAC")
	for _, a := range list {
		vmid, mac := "-", "-"
		if a.VMID != nil {
			vmid = fmt.Sprint(*a.VMID)
		}
		if a.VirtualMAC != nil {
			mac = *a.VirtualMAC
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.Address, a.Block, a.Location, a.Status, vmid, mac)
	}
	return tw.Flush()
}

func newPoolReleaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "release <address-id>",
		Short: "Return an address to AVAILABLE after manual cleanup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid address id: %w", err)
			}

			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			addresses, err := addresspool.New(pool, cliLogger())
			if err != nil {
				return err
			}
			if err := addresses.Release(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "address %s released\n", id)
			return nil
		},
	}
}

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect provisioning runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsReportCommand())
	return cmd
}

func newRunsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <service-id>",
		Short: "List provisioning runs of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			serviceID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid service id: %w", err)
			}

			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			orm, err := db.Gorm(pool)
			if err != nil {
				return err
			}
			store, err := records.New(orm, cliLogger())
			if err != nil {
				return err
			}
			runs, err := store.ListRuns(ctx, serviceID)
			if err != nil {
				return err
			}
			return writeRuns(cmd.OutOrStdout(), runs)
		},
	}
}

func writeRuns(out io.Writer, runs []model.RunReport) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tOUTCOME\tFAILED STEP\tCOMPENSATIONS\tERROR")
	for _, r := range runs {
		failed := r.FailedStep
		if failed == "" {
			failed = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.RunID, r.StartedAt.Format(time.RFC3339), r.Outcome, failed, len(r.Compensations), r.Error)
	}
	return tw.Flush()
}

func newRunsReportCommand() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "report <service-id> <run-id>",
		Short: "Print a presigned URL for an archived run report",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			serviceID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid service id: %w", err)
			}
			runID, err := uuid.Parse(args[1])
			if err != nil {
				return fmt.Errorf("invalid run id: %w", err)
			}

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if cfg.Reports.Bucket == "" {
				return fmt.Errorf("REPORT_BUCKET is not set")
			}
			client, err := s3.New(ctx, cfg.Reports)
			if err != nil {
				return err
			}
			url, err := client.PresignGet(ctx, cfg.Reports.Bucket, reports.Key(serviceID, runID), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "Lifetime of the presigned URL")
	return cmd
}
