// Command searchctl operates the search backend from a terminal: schema
// migration, one-off searches and corpus indexing.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/connect3/backend/internal/app"
	"github.com/connect3/backend/internal/ingestion"
	"github.com/connect3/backend/internal/storage/models"
	"github.com/connect3/backend/internal/storage/sqlite"
	"github.com/connect3/backend/pkg/config"
	"github.com/connect3/backend/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfg *config.Config

	cmd := &cobra.Command{
		Use:          "searchctl",
		Short:        "Operate the Connect3 search backend",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			level := "warn"
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				level = "debug"
			}
			if err := logger.Init(level, "console", "stderr"); err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			logger.Sync()
		},
	}
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug output to stderr")

	current := func() *config.Config { return cfg }
	cmd.AddCommand(
		newMigrateCommand(current),
		newRunCommand(current),
		newAskCommand(current),
		newIndexCommand(current),
	)
	return cmd
}

func newMigrateCommand(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the SQLite schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := sqlite.NewClient(cfg().SQLite.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.InitSchema(cmd.Context()); err != nil {
				return err
			}
			successColor.Fprintf(cmd.OutOrStdout(), "Schema ready at %s\n", cfg().SQLite.Path)
			return nil
		},
	}
}

func newRunCommand(cfg func() *config.Config) *cobra.Command {
	var after int64

	cmd := &cobra.Command{
		Use:   "run <message-id>",
		Short: "Run or resume the search for a stored message and print its events",
		Example: `  # Run a pending message
  searchctl run 7f3c2a

  # Resume after event 4
  searchctl run 7f3c2a --after 4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), cfg(), func(s *app.Services) error {
				return streamMessage(cmd, s, args[0], after)
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "Only print events after this sequence number")
	return cmd
}

func newAskCommand(cfg func() *config.Config) *cobra.Command {
	var (
		userID       string
		chatroomID   string
		universities []string
	)

	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Store a new message in a chatroom and run its search",
		Example: `  searchctl ask --user 4b1d --universities unimelb "robotics clubs with weekly meetups"`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), cfg(), func(s *app.Services) error {
				ctx := cmd.Context()
				if chatroomID == "" {
					chatroomID = uuid.NewString()
					room := &models.ChatRoom{ID: chatroomID, UserID: userID, Title: args[0], Universities: universities}
					if err := s.SQLite.CreateChatRoom(ctx, room); err != nil {
						return err
					}
				}

				msg := &models.ChatMessage{ID: uuid.NewString(), ChatroomID: chatroomID, UserID: userID, Query: args[0]}
				if err := s.SQLite.CreateMessage(ctx, msg); err != nil {
					return err
				}
				keyColor.Fprint(cmd.OutOrStdout(), "message ")
				fmt.Fprintf(cmd.OutOrStdout(), "%s (chatroom %s)\n", msg.ID, chatroomID)

				return streamMessage(cmd, s, msg.ID, 0)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id asking the question")
	cmd.Flags().StringVar(&chatroomID, "chatroom", "", "Existing chatroom id (a new one is created when empty)")
	cmd.Flags().StringSliceVar(&universities, "universities", nil, "Institutions the new chatroom is scoped to")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newIndexCommand(cfg func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index documents into the search corpora",
	}
	cmd.AddCommand(newIndexEntitiesCommand(cfg), newIndexKnowledgeCommand(cfg))
	return cmd
}

func newIndexEntitiesCommand(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "entities <file.json>",
		Short: "Index user, organisation and event profiles from a JSON array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			var docs []ingestion.EntityDocument
			if err := json.Unmarshal(raw, &docs); err != nil {
				return fmt.Errorf("failed to decode %s: %w", args[0], err)
			}

			return withServices(cmd.Context(), cfg(), func(s *app.Services) error {
				stats, err := s.Indexer.IndexEntities(cmd.Context(), docs)
				if err != nil {
					return err
				}
				printStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}
}

func newIndexKnowledgeCommand(cfg func() *config.Config) *cobra.Command {
	var institution, source, url string

	cmd := &cobra.Command{
		Use:   "knowledge <file.html>",
		Short: "Index an institution web page into its knowledge corpus",
		Example: `  searchctl index knowledge --institution unimelb --source official \
    --url https://study.unimelb.edu.au/dates dates.html`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			html, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}

			return withServices(cmd.Context(), cfg(), func(s *app.Services) error {
				stats, err := s.Indexer.IndexKnowledge(cmd.Context(), ingestion.KnowledgeDocument{
					Institution: institution,
					Source:      source,
					URL:         url,
					HTML:        string(html),
				})
				if err != nil {
					return err
				}
				printStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&institution, "institution", "", "Institution id as configured under knowledge.institutions")
	cmd.Flags().StringVar(&source, "source", ingestion.SourceOfficial, "Corpus to write: official or union")
	cmd.Flags().StringVar(&url, "url", "", "Canonical URL of the page")
	_ = cmd.MarkFlagRequired("institution")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func withServices(ctx context.Context, cfg *config.Config, fn func(*app.Services) error) error {
	s, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close(context.Background())
	return fn(s)
}

func streamMessage(cmd *cobra.Command, s *app.Services, messageID string, after int64) error {
	events, err := s.Hub.Attach(cmd.Context(), messageID, after)
	if err != nil {
		return err
	}
	r := newRenderer(cmd.OutOrStdout())
	for ev := range events {
		r.Render(ev)
	}

	// The run is detached from this stream; give it time to persist its outcome.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Hub.Wait(ctx); err != nil {
		warnColor.Fprintln(cmd.ErrOrStderr(), "search still running; resume it with --after")
	}
	return r.Err()
}
