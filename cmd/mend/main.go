package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veldt/mend/fix"
	"github.com/veldt/mend/flv"
	"github.com/veldt/mend/hls"
	"github.com/veldt/mend/internal/metrics"
	"github.com/veldt/mend/internal/stream"
	"github.com/veldt/mend/media"
	"github.com/veldt/mend/pipeline"
	"github.com/veldt/mend/source"
)

var version = "dev"

const (
	kindFLV = "flv"
	kindHLS = "hls"

	// hlsBuffer bounds decode-ahead for segment runs. Segments are whole
	// downloads, often megabytes, so far fewer fit in flight than tags.
	hlsBuffer = 4

	// demuxBufSize batches the demuxer's many small reads.
	demuxBufSize = 1 << 18
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	var err error
	switch os.Args[1] {
	case "record":
		err = cmdRecord(ctx, os.Args[2:])
	case "fix":
		err = cmdFix(ctx, os.Args[2:])
	case "probe":
		err = cmdProbe(ctx, os.Args[2:])
	case "version":
		fmt.Println("mend", version)
	default:
		fmt.Fprintf(os.Stderr, "mend: unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `mend repairs live FLV and HLS streams while capturing them.

Usage:

  mend record [flags] <url>      capture a live stream, repairing as it lands
  mend record -jobs <file.yaml>  capture every stream in a job file
  mend fix [flags] <file.flv>    repair a finished capture into a new file
  mend probe [flags] <file.flv>  decode and report defects without writing
  mend version                   print the version

Run mend <command> -h for the command's flags.
`)
}

// repairFlags binds the repair tunables shared by record, fix and probe.
type repairFlags struct {
	maxGap     *time.Duration
	reorder    *int
	continuity *string
	partBytes  *int64
	partDur    *time.Duration
	noIndex    *bool
	minGather  *int
}

func bindRepairFlags(fs *flag.FlagSet) *repairFlags {
	def := fix.DefaultConfig()
	return &repairFlags{
		maxGap:     fs.Duration("max-gap", def.MaxTimestampGap, "largest timestamp jump accepted as real"),
		reorder:    fs.Int("reorder-depth", def.ReorderDepth, "video samples held back to restore order (0 disables)"),
		continuity: fs.String("continuity", def.Continuity.String(), "timeline join policy for reconnects: reset or continuous"),
		partBytes:  fs.Int64("max-part-bytes", 0, "split output before a part grows past this many bytes (0 disables)"),
		partDur:    fs.Duration("max-part-duration", 0, "split output before a part spans more than this (0 disables)"),
		noIndex:    fs.Bool("no-index", false, "skip keyframe index injection"),
		minGather:  fs.Int("min-gather", def.MinSegmentUnits, "units a fresh connection must deliver before anything is written"),
	}
}

func (f *repairFlags) config() (fix.Config, error) {
	cfg := fix.DefaultConfig()
	cfg.MaxTimestampGap = *f.maxGap
	cfg.ReorderDepth = *f.reorder
	mode, err := parseContinuity(*f.continuity)
	if err != nil {
		return cfg, err
	}
	cfg.Continuity = mode
	cfg.MaxSegmentBytes = *f.partBytes
	cfg.MaxSegmentDuration = *f.partDur
	cfg.InjectKeyframeIndex = !*f.noIndex
	cfg.MinSegmentUnits = *f.minGather
	return cfg, nil
}

func parseContinuity(s string) (fix.ContinuityMode, error) {
	switch s {
	case "reset":
		return fix.ContinuityReset, nil
	case "continuous":
		return fix.ContinuityContinuous, nil
	default:
		return 0, fmt.Errorf("unknown continuity mode %q (want reset or continuous)", s)
	}
}

func cmdRecord(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	var (
		outDir      = fs.String("out", envOr("MEND_OUT", "."), "output directory")
		name        = fs.String("name", "", "stream name and output base (derived from the URL when empty)")
		kind        = fs.String("type", "", "source type: flv or hls (detected from the URL when empty)")
		jobsPath    = fs.String("jobs", "", "YAML job file for batch capture")
		workers     = fs.Int("concurrency", 2, "streams captured at once in batch mode")
		proxyURL    = fs.String("proxy", envOr("MEND_PROXY", ""), "proxy URL (http, https, socks5, socks5h)")
		timeout     = fs.Duration("timeout", 30*time.Second, "response header timeout")
		connTimeout = fs.Duration("connect-timeout", 10*time.Second, "dial and TLS handshake timeout")
		useHTTP3    = fs.Bool("http3", false, "fetch over HTTP/3")
		insecure    = fs.Bool("insecure", false, "skip TLS certificate verification")
		referer     = fs.String("referer", "", "Referer header sent with every request")
		userAgent   = fs.String("user-agent", "", "User-Agent header (default imitates a desktop browser)")
		metricsAddr = fs.String("metrics-addr", envOr("MEND_METRICS_ADDR", ""), "expose Prometheus metrics on this address")
	)
	rf := bindRepairFlags(fs)
	fs.Parse(args)

	repairCfg, err := rf.config()
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}

	var (
		jobs        []job
		concurrency = *workers
	)
	if *jobsPath != "" {
		if fs.NArg() > 0 {
			return errors.New("record: -jobs and a URL are mutually exclusive")
		}
		var fileConc int
		jobs, fileConc, err = loadJobs(*jobsPath, repairCfg, *referer, *outDir)
		if err != nil {
			return err
		}
		if fileConc > 0 {
			concurrency = fileConc
		}
	} else {
		if fs.NArg() != 1 {
			return errors.New("record: need a stream URL or a -jobs file")
		}
		rawURL := fs.Arg(0)
		j := job{
			Name:    *name,
			URL:     rawURL,
			Kind:    *kind,
			OutDir:  *outDir,
			Referer: *referer,
			Fix:     repairCfg,
		}
		if j.Name == "" {
			j.Name = deriveName(rawURL)
		}
		if j.Kind == "" {
			j.Kind = detectKind(rawURL)
		}
		if j.Kind != kindFLV && j.Kind != kindHLS {
			return fmt.Errorf("record: unknown source type %q", j.Kind)
		}
		jobs = []job{j}
	}
	if concurrency < 1 {
		concurrency = 1
	}

	baseCfg := source.ClientConfig{
		Timeout:            *timeout,
		ConnectTimeout:     *connTimeout,
		ProxyURL:           *proxyURL,
		UserAgent:          *userAgent,
		HTTP3:              *useHTTP3,
		InsecureSkipVerify: *insecure,
	}

	slog.Info("mend starting",
		"version", version,
		"streams", len(jobs),
		"concurrency", concurrency,
	)

	mgr := stream.NewManager(nil)

	g, gctx := errgroup.WithContext(ctx)
	jobsDone := make(chan struct{})

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}

		g.Go(func() error {
			slog.Info("metrics server listening", "addr", *metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-jobsDone:
			}
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	var (
		mu      sync.Mutex
		merged  pipeline.StatsSnapshot
		failed  int
	)
	g.Go(func() error {
		defer close(jobsDone)

		pool, poolCtx := errgroup.WithContext(gctx)
		pool.SetLimit(concurrency)
		for _, j := range jobs {
			j := j
			pool.Go(func() error {
				report, err := runJob(poolCtx, baseCfg, mgr, j)

				// One stream failing must not abort its siblings, so
				// failures are tallied instead of returned.
				mu.Lock()
				defer mu.Unlock()
				merged = merged.Add(report.Stats)
				if err != nil {
					slog.Error("stream failed", "stream", j.Name, "error", err)
					failed++
				}
				return nil
			})
		}
		return pool.Wait()
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if len(jobs) > 1 {
		slog.Info("batch finished",
			"streams", len(jobs),
			"failed", failed,
			"units_in", merged.UnitsIn,
			"units_out", merged.UnitsOut,
			"corrections", merged.Corrections(),
		)
	}
	if failed > 0 {
		return fmt.Errorf("record: %d of %d streams failed", failed, len(jobs))
	}
	return nil
}

func runJob(ctx context.Context, base source.ClientConfig, mgr *stream.Manager, j job) (stream.Report, error) {
	pctx := pipeline.NewContext(j.Name, slog.Default())
	if _, ok := mgr.Create(pctx); !ok {
		return stream.Report{Stream: j.Name}, fmt.Errorf("record: duplicate stream name %q", j.Name)
	}
	defer mgr.Remove(j.Name)

	metrics.StreamStarted()
	defer metrics.StreamEnded()

	cfg := base
	cfg.Referer = j.Referer
	client, err := source.NewClient(cfg)
	if err != nil {
		return stream.Report{Stream: j.Name}, err
	}
	defer client.Close()

	var report stream.Report
	switch j.Kind {
	case kindHLS:
		report, err = recordHLS(ctx, client, pctx, j)
	default:
		report, err = recordFLV(ctx, client, pctx, j)
	}
	metrics.RecordRun(report.Stats, report.Duration, err != nil)
	return report, err
}

func recordFLV(ctx context.Context, client *source.Client, pctx *pipeline.Context, j job) (stream.Report, error) {
	fcfg := source.DefaultFLVConfig()
	fcfg.URL = j.URL
	src, err := source.OpenFLV(ctx, client, pctx.Log, fcfg)
	if err != nil {
		return stream.Report{Stream: j.Name}, err
	}
	defer src.Close()

	sink, err := flv.NewFileWriter(pctx, j.OutDir, j.Name)
	if err != nil {
		return stream.Report{Stream: j.Name}, err
	}

	dmx := flv.NewDemuxer(ctx, bufio.NewReaderSize(src, demuxBufSize))
	r, err := stream.NewRunner(stream.RunnerConfig[media.Unit]{
		Context: pctx,
		Source: stream.SourceFunc[media.Unit](func(context.Context) (media.Unit, error) {
			return dmx.NextData()
		}),
		Sink: sink,
		Ops:  fix.Chain(pctx, j.Fix),
	})
	if err != nil {
		return stream.Report{Stream: j.Name}, err
	}
	return r.Run(ctx)
}

func recordHLS(ctx context.Context, client *source.Client, pctx *pipeline.Context, j job) (stream.Report, error) {
	hcfg := source.DefaultHLSConfig()
	hcfg.URL = j.URL
	src, err := source.NewHLS(client, pctx.Log, hcfg)
	if err != nil {
		return stream.Report{Stream: j.Name}, err
	}

	sink, err := hls.NewFileWriter(pctx, j.OutDir, j.Name)
	if err != nil {
		return stream.Report{Stream: j.Name}, err
	}

	r, err := stream.NewRunner(stream.RunnerConfig[hls.Unit]{
		Context: pctx,
		Source:  src,
		Sink:    sink,
		Ops: hls.Chain(pctx, hls.Config{
			MaxPartBytes:    j.Fix.MaxSegmentBytes,
			MaxPartDuration: j.Fix.MaxSegmentDuration,
		}),
		Buffer: hlsBuffer,
	})
	if err != nil {
		return stream.Report{Stream: j.Name}, err
	}
	return r.Run(ctx)
}

func cmdFix(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fix", flag.ExitOnError)
	outDir := fs.String("out", ".", "output directory")
	name := fs.String("name", "", "output base name (input name plus _fixed when empty)")
	rf := bindRepairFlags(fs)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return errors.New("fix: need exactly one input file")
	}
	cfg, err := rf.config()
	if err != nil {
		return fmt.Errorf("fix: %w", err)
	}

	// A short local file is a complete capture, not a dead connection;
	// the gather filter would discard it entirely.
	cfg.MinSegmentUnits = 0

	in := fs.Arg(0)
	f, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("fix: %w", err)
	}
	defer f.Close()

	base := *name
	if base == "" {
		base = strings.TrimSuffix(filepath.Base(in), filepath.Ext(in)) + "_fixed"
	}

	pctx := pipeline.NewContext(base, slog.Default())
	sink, err := flv.NewFileWriter(pctx, *outDir, base)
	if err != nil {
		return err
	}

	dmx := flv.NewDemuxer(ctx, bufio.NewReaderSize(f, demuxBufSize))
	r, err := stream.NewRunner(stream.RunnerConfig[media.Unit]{
		Context: pctx,
		Source: stream.SourceFunc[media.Unit](func(context.Context) (media.Unit, error) {
			return dmx.NextData()
		}),
		Sink: sink,
		Ops:  fix.Chain(pctx, cfg),
	})
	if err != nil {
		return err
	}
	report, err := r.Run(ctx)
	if err != nil {
		return err
	}
	for _, p := range report.Parts {
		fmt.Println(p)
	}
	return nil
}

func cmdProbe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	rf := bindRepairFlags(fs)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return errors.New("probe: need exactly one input file")
	}
	cfg, err := rf.config()
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	cfg.MinSegmentUnits = 0

	in := fs.Arg(0)
	f, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	defer f.Close()

	base := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
	pctx := pipeline.NewContext(base, slog.Default())

	dmx := flv.NewDemuxer(ctx, bufio.NewReaderSize(f, demuxBufSize))
	r, err := stream.NewRunner(stream.RunnerConfig[media.Unit]{
		Context: pctx,
		Source: stream.SourceFunc[media.Unit](func(context.Context) (media.Unit, error) {
			return dmx.NextData()
		}),
		Sink: discardSink[media.Unit]{},
		Ops:  fix.Chain(pctx, cfg),
	})
	if err != nil {
		return err
	}
	report, err := r.Run(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// discardSink drops every unit; probe wants the counters, not the bytes.
type discardSink[T any] struct{}

func (discardSink[T]) Write(T) error { return nil }
func (discardSink[T]) Close() error  { return nil }

// deriveName turns a stream URL into an output base name.
func deriveName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "stream"
	}
	base := path.Base(u.Path)
	base = strings.TrimSuffix(base, path.Ext(base))
	if base == "" || base == "." || base == "/" {
		return "stream"
	}
	return base
}

// detectKind guesses the source type from the URL path.
func detectKind(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err == nil {
		switch strings.ToLower(path.Ext(u.Path)) {
		case ".m3u8", ".m3u":
			return kindHLS
		}
	}
	return kindFLV
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
