package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lestiti/presence-guardian-04-sub000/internal/db"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/feed/grpcfeed"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/store/postgres"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

func newStationCmd() *cobra.Command {
	var session, direction string
	cmd := &cobra.Command{
		Use:   "station",
		Short: "Set the station's session and direction",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			body := map[string]string{"session_id": session, "direction": direction}
			if err := call(cmd.Context(), http.MethodPut, stationPath(""), body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "Attendance session id")
	cmd.Flags().StringVarP(&direction, "direction", "d", "IN", "IN or OUT")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newScanCmd() *cobra.Command {
	var session, direction string
	cmd := &cobra.Command{
		Use:   "scan <payload>",
		Short: "Submit an optical decode as the station",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"payload": args[0]}
			if session != "" {
				body["session_id"] = session
			}
			if direction != "" {
				body["direction"] = direction
			}
			var o types.Outcome
			if err := call(cmd.Context(), http.MethodPost, stationPath("/scans"), body, &o); err != nil {
				return err
			}
			switch o.Kind {
			case types.OutcomeAccepted:
				fmt.Fprintln(cmd.OutOrStdout(), o.Summary)
			case types.OutcomeRejected:
				fmt.Fprintf(cmd.OutOrStdout(), "rejected: %s (%s)\n", o.Reason, o.Detail)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "dropped: %s\n", o.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "Override the station's session")
	cmd.Flags().StringVarP(&direction, "direction", "d", "", "Override the station's direction")
	return cmd
}

// newKeysCmd replays stdin as wedge input: every line is typed and followed
// by Enter, as a barcode scanner would.
func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Send stdin lines to the station as keyboard-wedge keystrokes",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc := bufio.NewScanner(cmd.InOrStdin())
			for sc.Scan() {
				type key struct {
					Key string `json:"key"`
				}
				line := sc.Text()
				keys := make([]key, 0, len(line)+1)
				for _, r := range line {
					keys = append(keys, key{Key: string(r)})
				}
				keys = append(keys, key{Key: "Enter"})

				body := map[string]any{"keys": keys}
				if err := call(cmd.Context(), http.MethodPost, stationPath("/keys"), body, nil); err != nil {
					return err
				}
			}
			return sc.Err()
		},
	}
}

func newStatusCmd() *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "status <subject>",
		Short: "Show a subject's check-in status in a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st types.SubjectStatus
			path := "/v1/sessions/" + url.PathEscape(session) + "/subjects/" + url.PathEscape(args[0]) + "/status"
			if err := call(cmd.Context(), http.MethodGet, path, nil, &st); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "Attendance session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var feedAddr, session string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the gRPC change feed and print events as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

			client, err := grpcfeed.Dial(feedAddr, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			lost := make(chan error, 1)
			sub, err := client.Subscribe(ctx, session,
				func(ev types.ChangeEvent) { _ = enc.Encode(ev) },
				func(st types.FeedStatus) {
					if st.Connected {
						fmt.Fprintln(cmd.ErrOrStderr(), "connected")
						return
					}
					select {
					case lost <- st.Err:
					default:
					}
				})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()

			select {
			case <-ctx.Done():
				return nil
			case err := <-lost:
				return fmt.Errorf("feed lost: %w", err)
			}
		},
	}
	cmd.Flags().StringVar(&feedAddr, "feed", envDefault("PRESENCE_FEED_ADDR", "localhost:9090"), "Change-feed gRPC address")
	cmd.Flags().StringVar(&session, "session", "", "Session to follow; empty follows all")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	var dsn, sqlitePath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres or sqlite schema",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case strings.TrimSpace(dsn) != "" && strings.TrimSpace(sqlitePath) != "":
				return errors.New("--database-url and --sqlite are mutually exclusive")
			case strings.TrimSpace(dsn) == "" && strings.TrimSpace(sqlitePath) == "":
				return errors.New("--database-url, PRESENCE_DATABASE_URL or --sqlite is required")
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&dsn, "database-url", os.Getenv("PRESENCE_DATABASE_URL"), "Postgres connection string")
	cmd.PersistentFlags().StringVar(&sqlitePath, "sqlite", "", "SQLite database file, instead of postgres")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sqlitePath != "" {
				// Open migrates on its own
				conn, err := db.Open(cmd.Context(), db.Config{Path: sqlitePath, Logger: slog.Default()})
				if err != nil {
					return err
				}
				return conn.Close()
			}
			return postgres.Migrate(dsn)
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (postgres only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sqlitePath != "" {
				return errors.New("sqlite migrations are forward-only")
			}
			return postgres.MigrateDown(dsn, steps)
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "Number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sqlitePath != "" {
				v, err := sqliteVersion(cmd.Context(), sqlitePath)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d\n", v)
				return nil
			}
			v, dirty, err := postgres.SchemaVersion(dsn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", v, dirty)
			return nil
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

// sqliteVersion reads the applied version without migrating, unlike db.Open.
func sqliteVersion(ctx context.Context, path string) (int, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, err
	}
	conn, err := sql.Open("sqlite", db.DSN(path))
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return db.Version(ctx, conn)
}
