package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/hupe1980/docshard/engine"
	"github.com/hupe1980/docshard/gateway"
	"github.com/hupe1980/docshard/internal/fs"
	"github.com/hupe1980/docshard/internal/resource"
	"github.com/hupe1980/docshard/internal/translog"
	"github.com/hupe1980/docshard/model"
	"github.com/hupe1980/docshard/replica"
	"github.com/urfave/cli/v2"
)

func shardFlag() cli.Flag {
	return &cli.PathFlag{
		Name:     "shard",
		Aliases:  []string{"s"},
		Usage:    "shard directory",
		Required: true,
	}
}

func idFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "id",
		Usage:    "snapshot id",
		Required: true,
	}
}

func (st *state) commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:   "stats",
			Usage:  "print shard statistics as JSON",
			Flags:  []cli.Flag{shardFlag()},
			Action: st.stats,
		},
		{
			Name:  "translog",
			Usage: "translog tools",
			Subcommands: []*cli.Command{
				{
					Name:  "dump",
					Usage: "print the operations of every translog generation",
					Flags: []cli.Flag{
						shardFlag(),
						&cli.Uint64Flag{Name: "generation", Usage: "only dump this generation"},
					},
					Action: st.dumpTranslog,
				},
			},
		},
		{
			Name:   "snapshot",
			Usage:  "back up a shard to the repository",
			Flags:  []cli.Flag{shardFlag()},
			Action: st.snapshot,
		},
		{
			Name:   "restore",
			Usage:  "restore a snapshot into a new shard directory",
			Flags:  []cli.Flag{idFlag(), shardFlag()},
			Action: st.restore,
		},
		{
			Name:   "list",
			Usage:  "list the snapshots in the repository",
			Action: st.list,
		},
		{
			Name:   "delete",
			Usage:  "delete a snapshot and the blobs only it references",
			Flags:  []cli.Flag{idFlag()},
			Action: st.deleteSnapshot,
		},
		{
			Name:  "recover",
			Usage: "copy a shard into a new directory while it stays writable",
			Flags: []cli.Flag{
				shardFlag(),
				&cli.PathFlag{Name: "target", Aliases: []string{"t"}, Usage: "target shard directory", Required: true},
			},
			Action: st.recoverShard,
		},
	}
}

func (st *state) resources() *resource.Controller {
	return resource.NewController(resource.Config{
		MaxBackgroundWorkers: int64(st.cfg.Concurrency),
		IOLimitBytesPerSec:   st.cfg.IOLimit,
	})
}

func (st *state) openEngine(dir string) (*engine.Engine, error) {
	if _, err := os.Stat(engine.IndexPath(dir)); err != nil {
		return nil, fmt.Errorf("shard %s: %w", dir, err)
	}
	return engine.Open(dir, engine.WithLogger(st.cfg.logger().Logger), engine.WithResourceController(st.resources()))
}

func (st *state) repository(c *cli.Context) (*gateway.Repository, error) {
	store, err := openStore(c.Context, st.cfg.Store)
	if err != nil {
		return nil, err
	}
	return gateway.NewRepository(store,
		gateway.WithLogger(st.cfg.logger().Logger),
		gateway.WithConcurrency(st.cfg.Concurrency),
		gateway.WithRetries(st.cfg.Retries, st.cfg.RetryInterval),
		gateway.WithCompression(st.cfg.Compression),
		gateway.WithResourceController(st.resources()),
	), nil
}

func closeEngine(e *engine.Engine, err *error) {
	if cerr := e.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (st *state) stats(c *cli.Context) (err error) {
	e, err := st.openEngine(c.Path("shard"))
	if err != nil {
		return err
	}
	defer closeEngine(e, &err)

	stats, err := e.Stats()
	if err != nil {
		return err
	}
	return writeJSON(c.App.Writer, stats)
}

func (st *state) dumpTranslog(c *cli.Context) error {
	dir := engine.TranslogPath(c.Path("shard"))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var gens []uint64
	for _, entry := range entries {
		if gen, ok := translog.ParseFileName(entry.Name()); ok {
			gens = append(gens, gen)
		}
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })

	only := c.Uint64("generation")
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOCATION\tTYPE\tUID\tVERSION\tSOURCE")
	total := 0
	for _, gen := range gens {
		if only != 0 && gen != only {
			continue
		}
		err := translog.ReadFile(fs.Default, filepath.Join(dir, translog.FileName(gen)), func(loc translog.Location, op model.Operation) error {
			total++
			_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d bytes\n", loc, op.Type, op.UID, op.Version, len(op.Source))
			return err
		})
		if err != nil {
			return fmt.Errorf("generation %d: %w", gen, err)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.App.Writer, "%d operations in %d generations\n", total, len(gens))
	return err
}

func (st *state) snapshot(c *cli.Context) (err error) {
	repo, err := st.repository(c)
	if err != nil {
		return err
	}
	e, err := st.openEngine(c.Path("shard"))
	if err != nil {
		return err
	}
	defer closeEngine(e, &err)

	m, stats, err := repo.Snapshot(c.Context, e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.App.Writer, "snapshot %s: %d docs, %d files uploaded, %d reused, %d bytes, %d translog ops in %s\n",
		m.ID, m.Docs, stats.FilesUploaded, stats.FilesReused, stats.BytesUploaded, stats.TranslogOps, stats.Duration.Round(time.Millisecond))
	return err
}

func (st *state) restore(c *cli.Context) (err error) {
	repo, err := st.repository(c)
	if err != nil {
		return err
	}
	e, stats, err := repo.Restore(c.Context, c.String("id"), c.Path("shard"),
		engine.WithLogger(st.cfg.logger().Logger))
	if err != nil {
		return err
	}
	defer closeEngine(e, &err)

	_, err = fmt.Fprintf(c.App.Writer, "restored %s into %s: %d files, %d bytes, %d ops replayed in %s\n",
		c.String("id"), c.Path("shard"), stats.Files, stats.BytesDownloaded, stats.ReplayedOps, stats.Duration.Round(time.Millisecond))
	return err
}

func (st *state) list(c *cli.Context) error {
	repo, err := st.repository(c)
	if err != nil {
		return err
	}
	ids, err := repo.List(c.Context)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSHARD\tCREATED\tDOCS\tFILES\tBYTES\tTRANSLOG OPS")
	for _, id := range ids {
		m, err := repo.Manifest(c.Context, id)
		if err != nil {
			if errors.Is(err, gateway.ErrSnapshotNotFound) {
				continue
			}
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			m.ID, m.Shard, m.CreatedAt.Format(time.RFC3339), m.Docs, len(m.Files), m.Size(), m.Translog.Ops)
	}
	return w.Flush()
}

func (st *state) deleteSnapshot(c *cli.Context) error {
	repo, err := st.repository(c)
	if err != nil {
		return err
	}
	if err := repo.Delete(c.Context, c.String("id")); err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.App.Writer, "deleted %s\n", c.String("id"))
	return err
}

func (st *state) recoverShard(c *cli.Context) (err error) {
	primary, err := st.openEngine(c.Path("shard"))
	if err != nil {
		return err
	}
	defer closeEngine(primary, &err)

	target, session, err := replica.Recover(c.Context, primary, c.Path("target"),
		replica.WithLogger(st.cfg.logger().Logger),
		replica.WithConcurrency(st.cfg.Concurrency),
		replica.WithResourceController(st.resources()),
		replica.WithEngineOptions(engine.WithLogger(st.cfg.logger().Logger)),
	)
	if err != nil {
		return err
	}
	defer closeEngine(target, &err)

	rs := session.Stats()
	_, err = fmt.Fprintf(c.App.Writer, "recovered %s into %s: commit %d, %d + %d ops replayed in %s\n",
		c.Path("shard"), c.Path("target"), rs.CommitGeneration, rs.Phase2Ops, rs.Phase3Ops, rs.Duration.Round(time.Millisecond))
	return err
}
