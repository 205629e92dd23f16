package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/meshdfs/internal/chunknode"
	"github.com/tunnelmesh/meshdfs/internal/meta"
	"github.com/tunnelmesh/meshdfs/internal/replication"
	"github.com/tunnelmesh/meshdfs/pkg/bytesize"
	"github.com/tunnelmesh/meshdfs/pkg/proto"
)

const clientTimeout = 30 * time.Second

func newFileCmds() []*cobra.Command {
	return []*cobra.Command{
		{
			Use:   "put <local-file> <remote-path>",
			Short: "Upload a local file",
			Args:  cobra.ExactArgs(2),
			RunE:  runPut,
		},
		{
			Use:   "get <remote-path> [local-file]",
			Short: "Download a file (to stdout when local-file is omitted or -)",
			Args:  cobra.RangeArgs(1, 2),
			RunE:  runGet,
		},
		{
			Use:     "ls [prefix]",
			Aliases: []string{"list"},
			Short:   "List files under a directory prefix",
			Args:    cobra.MaximumNArgs(1),
			RunE:    runList,
		},
		{
			Use:   "stat <remote-path>",
			Short: "Show a file's chunks and replicas",
			Args:  cobra.ExactArgs(1),
			RunE:  runStat,
		},
		{
			Use:     "mv <old-path> <new-path>",
			Aliases: []string{"rename"},
			Short:   "Rename a file",
			Args:    cobra.ExactArgs(2),
			RunE:    runRename,
		},
		{
			Use:     "rm <remote-path>",
			Aliases: []string{"delete"},
			Short:   "Delete a file and its chunks",
			Args:    cobra.ExactArgs(1),
			RunE:    runDelete,
		},
		{
			Use:   "health",
			Short: "Show the health of every chunk node",
			Args:  cobra.NoArgs,
			RunE:  runHealth,
		},
		{
			Use:   "cluster",
			Short: "Show chunk size, replication factor and the node table",
			Args:  cobra.NoArgs,
			RunE:  runCluster,
		},
	}
}

func newMetaClient() (*meta.Client, error) {
	u, err := normalizeMetaURL(metaURL)
	if err != nil {
		return nil, err
	}
	return meta.NewClient(u, clientTimeout), nil
}

// newCoordinator builds a client-side coordinator from the cluster layout
// advertised by the metadata service.
func newCoordinator(ctx context.Context) (*replication.Coordinator, func(), error) {
	mc, err := newMetaClient()
	if err != nil {
		return nil, nil, err
	}
	info, err := mc.Cluster(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch cluster layout: %w", err)
	}
	pool := chunknode.NewPool(info.Nodes, chunknode.DefaultTimeout)
	coord := replication.NewCoordinator(replication.CoordinatorConfig{
		Meta:      mc,
		Pool:      pool,
		ChunkSize: info.ChunkSize,
		Logger:    log.Logger,
	})
	return coord, func() {
		pool.Close()
		mc.CloseIdleConnections()
	}, nil
}

func runPut(cmd *cobra.Command, args []string) error {
	local, remote := args[0], args[1]

	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open %s: %w", local, err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", local, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", local)
	}

	ctx := cmd.Context()
	coord, cleanup, err := newCoordinator(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	plan, err := coord.Write(ctx, remote, f, info.Size())
	if err != nil {
		if !replication.IsPartial(err) {
			return err
		}
		_, _ = fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	fmt.Printf("%s: %s in %d chunks\n", remote, bytesize.Format(info.Size()), len(plan.Chunks))
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	remote := args[0]
	local := "-"
	if len(args) == 2 {
		local = args[1]
	}

	ctx := cmd.Context()
	coord, cleanup, err := newCoordinator(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if local == "-" {
		_, err := coord.Read(ctx, remote, os.Stdout)
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(local), ".meshdfs-get-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := coord.Read(ctx, remote, tmp)
	if err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		return fmt.Errorf("rename to %s: %w", local, err)
	}
	_, _ = fmt.Fprintf(os.Stderr, "%s -> %s (%s)\n", remote, local, bytesize.Format(n))
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	prefix := "/"
	if len(args) == 1 {
		prefix = args[0]
	}
	mc, err := newMetaClient()
	if err != nil {
		return err
	}
	files, err := mc.ListFiles(cmd.Context(), prefix)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Println("No files found")
		return nil
	}
	printFiles(os.Stdout, files)
	return nil
}

func printFiles(out io.Writer, files map[string]proto.FileSummary) {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PATH\tSIZE\tCHUNKS\tCREATED\tSTATE")
	for _, p := range paths {
		f := files[p]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			p, bytesize.Format(f.Size), f.ChunkCount, f.CreatedAt.Local().Format("2006-01-02 15:04:05"), stateLabel(f.Degraded))
	}
	_ = w.Flush()
}

func stateLabel(degraded bool) string {
	if degraded {
		return "degraded"
	}
	return "ok"
}

func runStat(cmd *cobra.Command, args []string) error {
	mc, err := newMetaClient()
	if err != nil {
		return err
	}
	file, err := mc.GetFile(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printStat(os.Stdout, file)
	return nil
}

func printStat(out io.Writer, file *proto.GetFileResponse) {
	md := file.Metadata
	_, _ = fmt.Fprintf(out, "Path:    %s\n", file.Path)
	_, _ = fmt.Fprintf(out, "Size:    %s (%d bytes)\n", bytesize.Format(md.Size), md.Size)
	_, _ = fmt.Fprintf(out, "Created: %s\n", md.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	_, _ = fmt.Fprintf(out, "State:   %s\n", stateLabel(md.Degraded))
	if len(md.Chunks) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "#\tCHUNK\tPRIMARY\tREPLICAS\tVERSION\tSTATE")
	for i, c := range md.Chunks {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
			i, c.ChunkID, c.Primary, strings.Join(c.ChunkServers, ","), c.Version, stateLabel(c.Degraded))
	}
	_ = w.Flush()
}

func runRename(cmd *cobra.Command, args []string) error {
	mc, err := newMetaClient()
	if err != nil {
		return err
	}
	if err := mc.RenameFile(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("%s -> %s\n", args[0], args[1])
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	mc, err := newMetaClient()
	if err != nil {
		return err
	}
	resp, err := mc.DeleteFile(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %s (%d chunks)\n", resp.Deleted, len(resp.ChunksDeleted))
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	mc, err := newMetaClient()
	if err != nil {
		return err
	}
	nodes, err := mc.NodeHealth(cmd.Context())
	if err != nil {
		return err
	}
	printHealth(os.Stdout, nodes)
	return nil
}

func printHealth(out io.Writer, nodes map[string]proto.NodeStatus) {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NODE\tSTATUS\tAVAILABLE\tCHUNKS\tERROR")
	for _, id := range ids {
		st := nodes[id]
		avail, chunks := "-", "-"
		if st.Capacity != nil {
			avail = bytesize.Format(st.Capacity.VolumeAvailableBytes)
			chunks = fmt.Sprintf("%d", st.Capacity.ChunkCount)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, st.Status, avail, chunks, st.Error)
	}
	_ = w.Flush()
}

func runCluster(cmd *cobra.Command, args []string) error {
	mc, err := newMetaClient()
	if err != nil {
		return err
	}
	info, err := mc.Cluster(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Chunk size:         %s\n", bytesize.Format(info.ChunkSize))
	fmt.Printf("Replication factor: %d\n", info.ReplicationFactor)
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NODE\tADDRESS")
	for _, n := range info.Nodes {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", n.ID, n.Address)
	}
	_ = w.Flush()
	return nil
}
