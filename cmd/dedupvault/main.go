// Command dedupvault is the backup protocol client: it drives a backup
// session against a dedupvaultd server to upload a file as a dynamic
// archive, or to list the groups and snapshots a datastore already holds.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dedupvault/internal/client"

	"github.com/spf13/cobra"
)

var version = "dev"

// defaultAvgChunkSize is the content-defined chunker's target chunk size;
// min/max are derived from it the way spec.md's chunking section describes
// (T/4 and T*4).
const defaultAvgChunkSize = 4 << 20

func main() {
	rootCmd := &cobra.Command{
		Use:   "dedupvault",
		Short: "Backup protocol client",
	}
	rootCmd.PersistentFlags().String("addr", "http://localhost:8007", "dedupvaultd server address")

	rootCmd.AddCommand(
		newBackupCmd(),
		newGroupsCmd(),
		newSnapshotsCmd(),
		newGCCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func clientFromCmd(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return client.New(addr)
}

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup <group-type> <group-id> <file>",
		Short: "Back up a file as a single dynamic archive",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupType, groupID, path := args[0], args[1], args[2]
			archiveName, _ := cmd.Flags().GetString("archive-name")
			avgSize, _ := cmd.Flags().GetInt("chunk-size")
			return runBackup(cmd.Context(), clientFromCmd(cmd), groupType, groupID, path, archiveName, avgSize)
		},
	}
	cmd.Flags().String("archive-name", "root.pxar.didx", "archive name to store the file under")
	cmd.Flags().Int("chunk-size", defaultAvgChunkSize, "target chunk size in bytes")
	return cmd
}

func runBackup(ctx context.Context, c *client.Client, groupType, groupID, path, archiveName string, avgSize int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sessionID, err := c.OpenSession(ctx, groupType, groupID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	writerID, err := c.CreateDynamicIndex(ctx, sessionID, archiveName)
	if err != nil {
		_ = c.Abort(ctx, sessionID)
		return fmt.Errorf("create dynamic index: %w", err)
	}

	minSize, maxSize := avgSize/4, avgSize*4
	count, size, checksum, err := c.UploadDynamicArchive(ctx, sessionID, archiveName, writerID, f, minSize, avgSize, maxSize)
	if err != nil {
		_ = c.Abort(ctx, sessionID)
		return fmt.Errorf("upload archive: %w", err)
	}
	if err := c.CloseDynamicIndex(ctx, sessionID, writerID, count, size, checksum); err != nil {
		_ = c.Abort(ctx, sessionID)
		return fmt.Errorf("close dynamic index: %w", err)
	}
	if err := c.Finish(ctx, sessionID, nil); err != nil {
		return fmt.Errorf("finish session: %w", err)
	}

	fmt.Printf("backed up %s as %s/%s %s\n", filepath.Base(path), groupType, groupID, archiveName)
	return nil
}

func newGroupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List every backup group in the datastore",
		RunE: func(cmd *cobra.Command, args []string) error {
			groups, err := clientFromCmd(cmd).ListGroups(cmd.Context())
			if err != nil {
				return err
			}
			for _, g := range groups {
				fmt.Printf("%s/%s\n", g.Type, g.ID)
			}
			return nil
		},
	}
}

func newSnapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots <group-type> <group-id>",
		Short: "List every snapshot in a backup group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			snaps, err := clientFromCmd(cmd).ListSnapshots(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			for _, snap := range snaps {
				marker := ""
				if snap.InProgress {
					marker = " (in progress)"
				}
				fmt.Printf("%s%s\n", time.Unix(snap.TimeUnix, 0).UTC().Format(time.RFC3339), marker)
			}
			return nil
		},
	}
	return cmd
}

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Trigger an on-demand garbage collection sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := clientFromCmd(cmd).GC(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("scanned %d, removed %d, kept %d\n", result.Scanned, result.Removed, result.Kept)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
