package main

// The safsuite tool drives the batch digitization workflow: check CSV
// metadata against scanned documents, assemble Simple Archive Format
// packages, and push the results into object storage.

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	raven "github.com/getsentry/raven-go"

	"github.com/curatelib/safsuite/fileutil"
	"github.com/curatelib/safsuite/progress"
	"github.com/curatelib/safsuite/saf"
	"github.com/curatelib/safsuite/store"
	"github.com/curatelib/safsuite/swift"
	"github.com/curatelib/safsuite/uploader"
	"github.com/curatelib/safsuite/validate"
)

// various command line flags, with default values

var (
	configFile   = flag.String("config", "", "path to TOML configuration file")
	rcFile       = flag.String("rc", "", "openrc file with OS_* credentials")
	container    = flag.String("container", "", "target container")
	chunksize    = flag.Int64("chunksize", 100, "chunk size of uploads (in megabytes)")
	numuploaders = flag.Int("ul", 4, "number of concurrent uploaders")
	docext       = flag.String("docext", ".pdf", "document file extension")
	sessiondir   = flag.String("sessions", "", "directory holding upload session state")
	orphansBlock = flag.Bool("strict-orphans", false, "unreferenced documents block assembly")
	makeZip      = flag.Bool("zip", false, "also write a zip of each assembled tree")
	verbose      = flag.Bool("v", false, "display more information")
	usage        = `
safsuite <flags> <command> <command arguments>

Possible commands:

    validate <dir>
    build <dir> <output dir>
    upload <dir>
    resume <session id> <file>
    auth

`
)

func main() {
	flag.Parse()
	config := loadConfig(*configFile)

	if config.SentryDSN != "" {
		raven.SetDSN(config.SentryDSN)
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Print(usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch args[0] {
	case "validate":
		if len(args) != 2 {
			fmt.Println("Usage: safsuite <flags> validate <dir>")
			os.Exit(2)
		}
		err = doValidate(args[1], config)
	case "build":
		if len(args) != 3 {
			fmt.Println("Usage: safsuite <flags> build <dir> <output dir>")
			os.Exit(2)
		}
		err = doBuild(ctx, args[1], args[2], config)
	case "upload":
		if len(args) != 2 {
			fmt.Println("Usage: safsuite <flags> upload <dir>")
			os.Exit(2)
		}
		err = doUpload(ctx, args[1], config)
	case "resume":
		if len(args) != 3 {
			fmt.Println("Usage: safsuite <flags> resume <session id> <file>")
			os.Exit(2)
		}
		err = doResume(ctx, args[1], args[2], config)
	case "auth":
		err = doAuth(ctx, config)
	default:
		fmt.Println("Unknown command", args[0])
		fmt.Print(usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// watch prints progress events when -v is given.
func watch(e progress.Event) {
	if !*verbose {
		return
	}
	if e.Err != nil {
		fmt.Printf("%s %s %s: %s\n", e.Kind, e.Path, e.Detail, e.Err)
		return
	}
	fmt.Printf("%s %s %s\n", e.Kind, e.Path, e.Detail)
}

func scanOptions(config Config) fileutil.ScanOptions {
	return fileutil.ScanOptions{DocExt: config.DocExt, Progress: watch}
}

func validateOptions(config Config) validate.Options {
	return validate.Options{
		DocExt:         config.DocExt,
		OrphanBlocking: config.OrphanBlocking,
		Progress:       watch,
	}
}

func doValidate(dir string, config Config) error {
	batches, err := fileutil.FindBatches(dir, scanOptions(config))
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Println("No batch directories found under", dir)
		return nil
	}

	counts := make(map[validate.Kind]int)
	blocked := 0
	for _, b := range batches {
		report := validate.Batch(b, validateOptions(config))
		fmt.Printf("%s: %d rows, %d valid\n", b.Dir, report.TotalRows, report.ValidRows)
		for _, issue := range report.Issues {
			fmt.Println("   ", issue)
			counts[issue.Kind]++
		}
		if report.Blocking() {
			blocked++
		}
	}

	fmt.Printf("\n%d directories checked, %d with blocking issues\n", len(batches), blocked)
	for _, kind := range []validate.Kind{
		validate.Missing, validate.Duplicate, validate.Malformed, validate.Orphan,
	} {
		if counts[kind] > 0 {
			fmt.Printf("    %s: %d\n", kind, counts[kind])
		}
	}
	if blocked > 0 {
		return fmt.Errorf("%d directories are not ready to assemble", blocked)
	}
	return nil
}

func doBuild(ctx context.Context, dir, out string, config Config) error {
	batches, err := fileutil.FindBatches(dir, scanOptions(config))
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Println("No batch directories found under", dir)
		return nil
	}

	opts := saf.Options{
		Validate: validateOptions(config),
		Workers:  config.Workers,
		Progress: watch,
	}
	report := saf.AssembleBatch(ctx, dir, batches, out, opts)

	for _, res := range report.Results {
		if res.Err != nil {
			fmt.Printf("%s: FAILED: %s\n", res.Dir, res.Err)
			continue
		}
		fmt.Printf("%s: %d packages -> %s\n", res.Dir, len(res.Packages), res.Output)
		if *makeZip {
			if err := zipTree(res.Output); err != nil {
				fmt.Printf("%s: zip: %s\n", res.Dir, err)
			}
		}
	}
	if failed := report.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d of %d directories failed", len(failed), len(report.Results))
	}
	return ctx.Err()
}

func zipTree(root string) error {
	f, err := os.Create(root + ".zip")
	if err != nil {
		return err
	}
	err = saf.WriteZip(root, f)
	if err2 := f.Close(); err == nil {
		err = err2
	}
	return err
}

// connect authenticates against the object store using the resolved
// credentials and returns a ready pipeline.
func connect(ctx context.Context, config Config) (*uploader.Pipeline, error) {
	creds, err := resolveCredentials(config)
	if err != nil {
		return nil, err
	}
	conn := swift.New(creds)
	if err := conn.Auth(ctx); err != nil {
		return nil, err
	}

	sessions, err := sessionStore(config)
	if err != nil {
		return nil, err
	}
	p := uploader.New(conn, sessions)
	p.Workers = config.Workers
	p.Progress = watch
	if config.RetryAttempts > 0 {
		p.Retry.MaxAttempts = config.RetryAttempts
	}
	if config.RetryDelayMS > 0 {
		p.Retry.Delay = time.Duration(config.RetryDelayMS) * time.Millisecond
	}
	return p, nil
}

func sessionStore(config Config) (store.Store, error) {
	dir := config.SessionDir
	if dir == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			return nil, err
		}
		dir = cache + "/safsuite/sessions"
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return store.NewFileSystem(dir), nil
}

func doUpload(ctx context.Context, dir string, config Config) error {
	if config.Container == "" {
		return fmt.Errorf("no container given (use -container or the config file)")
	}
	p, err := connect(ctx, config)
	if err != nil {
		return err
	}
	report, err := p.UploadTree(ctx, dir, config.Container, config.ChunkSize)
	if err != nil {
		return err
	}
	fmt.Printf("%d files uploaded\n", len(report.Results)-len(report.Failed()))
	if failed := report.Failed(); len(failed) > 0 {
		for _, res := range failed {
			fmt.Printf("    %s: %s\n", res.Path, res.Err)
		}
		return fmt.Errorf("%d files failed", len(failed))
	}
	return ctx.Err()
}

func doResume(ctx context.Context, id, filename string, config Config) error {
	p, err := connect(ctx, config)
	if err != nil {
		return err
	}
	s, err := p.Resume(ctx, id)
	if err != nil {
		return err
	}
	if s.Manifest {
		fmt.Println("Session", id, "already finished")
		return nil
	}

	missing := s.Missing()
	fmt.Printf("Resuming %s: %d of %d segments to send (%d contiguous from the start)\n",
		s.Key, len(missing), s.Total(), s.Contiguous())

	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() != s.Size {
		return fmt.Errorf("%s is %d bytes, session expects %d",
			filename, info.Size(), s.Size)
	}

	for _, index := range missing {
		data := make([]byte, s.SegmentSize(index))
		if _, err := f.ReadAt(data, int64(index)*s.ChunkSize); err != nil {
			return err
		}
		if err := p.UploadChunk(ctx, s, index, data); err != nil {
			return err
		}
	}
	return p.Finalize(ctx, s)
}

func doAuth(ctx context.Context, config Config) error {
	creds, err := resolveCredentials(config)
	if err != nil {
		return err
	}
	conn := swift.New(creds)
	if err := conn.Auth(ctx); err != nil {
		return err
	}
	fmt.Println("Authentication OK")
	return nil
}
