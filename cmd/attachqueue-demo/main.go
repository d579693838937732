// Command attachqueue-demo is a manual-testing harness for the attachqueue
// library: it wires a Queue against a ReferenceSource stub and a
// local-directory RemoteStore (internal/remote/dirstore), so saving,
// uploading and inspecting attachments can be driven from a terminal
// without cloud credentials. The stub never emits a referenced set, so no
// reconciliation pass runs and rows are never archived or evicted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/localfirst/attachqueue"
	"github.com/localfirst/attachqueue/internal/remote/dirstore"
)

var (
	flagConfigPath string
	flagRemoteDir  string
)

func main() {
	root := newRootCmd()

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attachqueue-demo",
		Short: "Exercise the attachment queue against a local-directory remote",
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to a TOML config file")
	cmd.PersistentFlags().StringVar(&flagRemoteDir, "remote-dir", "", "directory standing in for the remote blob store")

	cmd.AddCommand(newSaveCmd(), newStatusCmd(), newServeCmd())

	return cmd
}

func loadConfig() (attachqueue.Config, error) {
	cfg := attachqueue.DefaultConfig()

	if flagConfigPath != "" {
		if _, err := toml.DecodeFile(flagConfigPath, &cfg); err != nil {
			return attachqueue.Config{}, fmt.Errorf("decoding config: %w", err)
		}
	}

	attachqueue.ApplyEnvOverrides(&cfg)

	if cfg.AttachmentsDirectory == "" {
		cfg.AttachmentsDirectory = filepath.Join(os.TempDir(), "attachqueue-demo", "files")
	}

	return cfg, cfg.Validate()
}

// staticSource is a ReferenceSource whose channel nothing in the demo ever
// writes to: it delivers no emission, so exercising the demo is purely
// manual (save, then inspect).
type staticSource struct {
	emissions chan []attachqueue.WatchedAttachmentItem
}

func newStaticSource() *staticSource {
	return &staticSource{emissions: make(chan []attachqueue.WatchedAttachmentItem, 1)}
}

func (s *staticSource) Subscribe(ctx context.Context) (<-chan []attachqueue.WatchedAttachmentItem, error) {
	return s.emissions, nil
}

func buildQueue(cfg attachqueue.Config, logger *slog.Logger) (*attachqueue.Queue, *staticSource, error) {
	remoteDir := flagRemoteDir
	if remoteDir == "" {
		remoteDir = filepath.Join(os.TempDir(), "attachqueue-demo", "remote")
	}

	remote, err := dirstore.New(remoteDir)
	if err != nil {
		return nil, nil, err
	}

	source := newStaticSource()

	q, err := attachqueue.New(attachqueue.QueueConfig{
		Config: cfg,
		Source: source,
		Remote: remote,
		Logger: logger,
		DBPath: attachqueue.DefaultDBPath(cfg.AttachmentsDirectory),
	})
	if err != nil {
		return nil, nil, err
	}

	return q, source, nil
}

func newSaveCmd() *cobra.Command {
	var (
		flagID   string
		flagExt  string
		flagType string
	)

	cmd := &cobra.Command{
		Use:   "save <file>",
		Short: "Save a local file into the queue as a new attachment",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			logger := slog.Default()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			q, _, err := buildQueue(cfg, logger)
			if err != nil {
				return err
			}
			defer q.Close()

			ctx := context.Background()

			if err := q.Start(ctx); err != nil {
				return err
			}
			defer q.Stop()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}

			a, err := q.SaveFile(ctx, attachqueue.FromReader(f), attachqueue.SaveFileOptions{
				ID:            flagID,
				FileExtension: flagExt,
				MediaType:     flagType,
			})
			if err != nil {
				return err
			}

			fmt.Printf("saved %s (%s, %s)\n", a.ID, a.State, humanize.Bytes(uint64(a.Size)))

			return nil
		},
	}

	cmd.Flags().StringVar(&flagID, "id", "", "explicit attachment id (default: generated)")
	cmd.Flags().StringVar(&flagExt, "ext", "", "file extension")
	cmd.Flags().StringVar(&flagType, "media-type", "", "MIME type")

	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Print the stored state of one attachment",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			q, _, err := buildQueue(cfg, slog.Default())
			if err != nil {
				return err
			}
			defer q.Close()

			a, ok, err := q.GetAttachment(context.Background(), args[0])
			if err != nil {
				return err
			}

			if !ok {
				return fmt.Errorf("no attachment with id %q", args[0])
			}

			fmt.Printf("%s: state=%s size=%s synced=%v\n", a.ID, a.State, humanize.Bytes(uint64(a.Size)), a.HasSynced)

			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the queue's background sync loop until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.Default()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			q, _, err := buildQueue(cfg, logger)
			if err != nil {
				return err
			}
			defer q.Close()

			ctx := cmd.Context()

			if err := q.Start(ctx); err != nil {
				return err
			}
			defer q.Stop()

			<-ctx.Done()

			return nil
		},
	}
}
