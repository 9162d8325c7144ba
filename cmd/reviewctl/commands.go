package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/lalith-99/reviewsync/internal/models"
	"github.com/lalith-99/reviewsync/internal/syncer"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Poll the server and keep the local cache current until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx, true)
		if err != nil {
			return err
		}
		defer s.Close()

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case e := <-s.rec.Events():
					printEvent(cmd.OutOrStdout(), e)
				}
			}
		}()

		return s.rec.Run(ctx)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the cached projects without contacting the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer s.Close()

		printProjects(cmd.OutOrStdout(), s.rec.Cache().List())
		return nil
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <project-id>",
	Short: "Accept an invitation to a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer s.Close()

		p, err := s.rec.Join(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "joined %s (%s) at version %d\n", p.ID, p.Name, p.Version)
		return nil
	},
}

var patchCmd = &cobra.Command{
	Use:   "patch <project-id> <json>",
	Short: "Replace top-level fields of a project",
	Example: `  reviewctl patch 3f2c... '{"name":"Final cut"}'
  reviewctl patch 3f2c... '{"isLocked":false}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var updates map[string]json.RawMessage
		if err := json.Unmarshal([]byte(args[1]), &updates); err != nil {
			return fmt.Errorf("updates must be a JSON object: %w", err)
		}

		ctx := cmd.Context()
		s, err := openSession(ctx, true)
		if err != nil {
			return err
		}
		defer s.Close()

		// Make sure the cached copy is current before editing it.
		if err := s.rec.PollOnce(ctx); err != nil {
			return err
		}
		if _, err := s.rec.Patch(ctx, args[0], updates); err != nil {
			return err
		}
		s.rec.Flush(ctx)

		failed := drainEvents(cmd.OutOrStdout(), s.rec.Events())
		if failed {
			return fmt.Errorf("patch of %s was not applied", args[0])
		}
		p, ok := s.rec.Cache().Get(args[0])
		if !ok {
			return fmt.Errorf("project %s is no longer visible", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "patched %s, now at version %d\n", p.ID, p.Version)
		return nil
	},
}

var saveCmd = &cobra.Command{
	Use:   "save <file>",
	Short: "Create or replace a project from a JSON document",
	Long: `save sends the project document in <file> ("-" reads stdin). A document
without an id creates a new project. Comments in the document are ignored;
use the comment endpoints to change them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		var doc models.Project
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parse project document: %w", err)
		}

		ctx := cmd.Context()
		s, err := openSession(ctx, true)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.rec.PollOnce(ctx); err != nil {
			return err
		}
		local, err := s.rec.Save(ctx, doc)
		if err != nil {
			return err
		}
		s.rec.Flush(ctx)

		if drainEvents(cmd.OutOrStdout(), s.rec.Events()) {
			return fmt.Errorf("save of %s was not applied", local.ID)
		}
		p, ok := s.rec.Cache().Get(local.ID)
		if !ok {
			return fmt.Errorf("project %s is no longer visible", local.ID)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s, now at version %d\n", p.ID, p.Version)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <project-id>",
	Short: "Delete a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx, true)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.rec.PollOnce(ctx); err != nil {
			return err
		}
		if err := s.rec.Delete(ctx, args[0]); err != nil {
			return err
		}
		s.rec.Flush(ctx)

		if drainEvents(cmd.OutOrStdout(), s.rec.Events()) {
			return fmt.Errorf("delete of %s was not applied", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return raw, nil
}

// drainEvents prints the events already emitted and reports whether any of
// them means a write did not land.
func drainEvents(w io.Writer, events <-chan syncer.Event) bool {
	failed := false
	for {
		select {
		case e := <-events:
			printEvent(w, e)
			if e.Type == syncer.EventConflict || e.Type == syncer.EventWriteFailed {
				failed = true
			}
		default:
			return failed
		}
	}
}

func printEvent(w io.Writer, e syncer.Event) {
	switch e.Type {
	case syncer.EventConflict:
		fmt.Fprintf(w, "conflict on %s: server is at version %d, you edited version %d\n",
			e.ProjectID, e.ServerVersion, e.ClientVersion)
	case syncer.EventWriteFailed:
		fmt.Fprintf(w, "write to %s failed: %v\n", e.ProjectID, e.Err)
	case syncer.EventOffline:
		fmt.Fprintf(w, "offline: %v\n", e.Err)
	case syncer.EventOnline:
		fmt.Fprintln(w, "back online")
	case syncer.EventRefreshed:
		if e.ProjectID != "" {
			fmt.Fprintf(w, "refreshed %s from the server\n", e.ProjectID)
		} else {
			fmt.Fprintln(w, "project list updated")
		}
	}
}

func printProjects(w io.Writer, ps []models.Project) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tNAME\tORG\tASSETS\tLOCKED")
	for _, p := range ps {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%t\n", p.ID, p.Version, p.Name, p.OrgID, len(p.Assets), p.IsLocked)
	}
	tw.Flush()
}
