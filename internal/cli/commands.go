package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/engramdb/engram/pkg/types"
)

var (
	flagLobe   string
	flagKey    string
	flagPrefer string
	flagBase   string
	flagKeep   int
)

var rememberCmd = &cobra.Command{
	Use:   "remember [content]",
	Short: "Ingest content into the hot tier",
	Long:  "Stores content as a new memory. Reads stdin when no argument is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := contentArg(args)
		if err != nil {
			return err
		}
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		id, err := store.Remember(flagLobe, flagKey, content)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var recallCmd = &cobra.Command{
	Use:   "recall <id>",
	Short: "Resolve a memory id through the tiers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		content, src, ok, err := store.Recall(args[0], types.ParsePrefer(flagPrefer))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("memory %s not found in any tier", args[0])
		}
		fmt.Fprintf(os.Stderr, "source: %s\n", src)
		fmt.Println(string(content))
		return nil
	},
}

var branchCmd = &cobra.Command{
	Use:   "branch <name>",
	Short: "Create or reset a named path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		id, err := store.Branch(args[0], flagBase, flagLobe)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var appendCmd = &cobra.Command{
	Use:   "append <path> [content]",
	Short: "Extend a path with new content",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := contentArg(args[1:])
		if err != nil {
			return err
		}
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		hash, err := store.Append(args[0], content, nil)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

var consolidateCmd = &cobra.Command{
	Use:   "consolidate <src> <dst>",
	Short: "Fast-forward dst to src's head",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		head, err := store.Consolidate(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(head)
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <main> <feature>",
	Short: "Merge feature into main, three-way via the branch point",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		hash, err := store.Reconcile(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Trim per-stream history to the retention count",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		keep := flagKeep
		if keep < 0 {
			keep = cfg.KeepLastPerStream
		}
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		report, err := store.Prune(keep)
		if err != nil {
			return err
		}
		fmt.Printf("examined=%d kept=%d removed=%d\n", report.Examined, report.Kept, report.Removed)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tier counts and disk usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		st, err := store.Status()
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

// contentArg returns the positional content argument, or stdin when absent.
func contentArg(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("no content given")
	}
	return string(data), nil
}

func init() {
	rememberCmd.Flags().StringVar(&flagLobe, "lobe", "", "target lobe (default from config)")
	rememberCmd.Flags().StringVar(&flagKey, "key", "", "stream key (random when empty)")
	recallCmd.Flags().StringVar(&flagPrefer, "prefer", "auto", "tier preference: hot|archive|dag|auto")
	branchCmd.Flags().StringVar(&flagBase, "base", "", "base snapshot hash")
	branchCmd.Flags().StringVar(&flagLobe, "lobe", "", "resolve base from this lobe's latest archived snapshot")
	pruneCmd.Flags().IntVar(&flagKeep, "keep", -1, "nodes to keep per stream (default from config)")
}
