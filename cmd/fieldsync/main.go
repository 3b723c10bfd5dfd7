package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/google/uuid"

	"fieldsync/internal/auth"
	"fieldsync/internal/deltalog"
	"fieldsync/internal/eventloop"
	"fieldsync/internal/observer"
	"fieldsync/internal/request"
	"fieldsync/internal/syncer"
)

const FieldsyncVersion = "0.1.0"

const clientIDFile = "client.id"

var Out *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
}

func main() {
	usage := fmt.Sprintf(`Field edit sync client.

Inspects and ships the delta logs recorded in a project directory.

TLS faults for --insecure-fault:
    %s

Usage:
    fieldsync status [--dir=<dir>] [--store=<store>] [-v]
    fieldsync commit [--dir=<dir>] [--store=<store>] [-v]
    fieldsync reset [--dir=<dir>] [--store=<store>] [--hard] [-v]
    fieldsync push --url=<url> [--dir=<dir>] [--store=<store>]
        [--token=<token>]
        [--client-id=<client_id>]
        [--retries=<retries>]
        [--max-backoff=<max_backoff>]
        [--insecure-fault=<fault>...]
        [-v]
    fieldsync token --secret=<secret> --user=<user_id>
        [--client-id=<client_id>]
        [--ttl=<ttl>]
    fieldsync -h | --help
    fieldsync --version

Options:
    -h --help                       Show this screen.
    --version                       Show version.
    -v --verbose                    Log to stderr.
    --dir=<dir>                     Project directory [default: .].
    --store=<store>                 Delta log backend, sqlite or bolt [default: sqlite].
    --hard                          Also discard the committed log.
    --url=<url>                     Ingest server base url.
    --token=<token>                 Device bearer token.
    --client-id=<client_id>         Device id. Generated once per project when omitted.
    --retries=<retries>             Retries after a transient fault [default: 5].
    --max-backoff=<max_backoff>     Upper bound of the delay between attempts [default: 2s].
    --insecure-fault=<fault>        Accept this certificate fault.
    --secret=<secret>               Token signing secret of the server.
    --user=<user_id>                User the token acts for.
    --ttl=<ttl>                     Token lifetime [default: 2160h].`, strings.Join(request.TLSFaultNames(), ", "))

	opts, err := docopt.ParseArgs(usage, os.Args[1:], FieldsyncVersion)
	if err != nil {
		panic(err)
	}
	if verbose, _ := opts.Bool("--verbose"); verbose {
		_ = flag.Set("logtostderr", "true")
		_ = flag.Set("v", "2")
	}
	defer glog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if status_, _ := opts.Bool("status"); status_ {
		err = status(ctx, opts)
	} else if commit_, _ := opts.Bool("commit"); commit_ {
		err = commit(ctx, opts)
	} else if reset_, _ := opts.Bool("reset"); reset_ {
		err = reset(ctx, opts)
	} else if push_, _ := opts.Bool("push"); push_ {
		err = push(ctx, opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		err = token(opts)
	}
	if err != nil {
		glog.Flush()
		fmt.Fprintf(os.Stderr, "fieldsync: %v\n", err)
		os.Exit(1)
	}
}

// project is an opened project directory.
type project struct {
	dir   string
	store deltalog.Store
	obs   *observer.Observer
}

func openProject(ctx context.Context, opts docopt.Opts) (*project, error) {
	dir, _ := opts.String("--dir")
	backend, _ := opts.String("--store")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}

	var store deltalog.Store
	switch backend {
	case "sqlite":
		s, err := deltalog.OpenSQLite(filepath.Join(dir, "deltas.db"))
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		store = s
	case "bolt":
		s, err := deltalog.OpenBolt(filepath.Join(dir, "deltas.bolt"))
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown store %q", backend)
	}

	obs, err := observer.New(ctx, store, dir)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &project{dir: dir, store: store, obs: obs}, nil
}

func (p *project) Close() {
	p.obs.Close()
	if err := p.store.Close(); err != nil {
		glog.Warningf("close delta store: %v", err)
	}
}

// clientID returns the device id of the project, creating it on first use.
func (p *project) clientID() (string, error) {
	path := filepath.Join(p.dir, clientIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read client id: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write client id: %w", err)
	}
	return id, nil
}

func status(ctx context.Context, opts docopt.Opts) error {
	p, err := openProject(ctx, opts)
	if err != nil {
		return err
	}
	defer p.Close()

	printLog := func(label string, l deltalog.Log) {
		if l == nil {
			Out.Printf("%-10s none", label)
			return
		}
		Out.Printf("%-10s %s records=%d error=%t", label, l.Path(), l.Count(), l.HasError())
	}
	printLog("current", p.obs.CurrentLog())
	printLog("committed", p.obs.CommittedLog())
	Out.Printf("dirty=%t error=%t", p.obs.IsDirty(), p.obs.HasError())
	return nil
}

func commit(ctx context.Context, opts docopt.Opts) error {
	p, err := openProject(ctx, opts)
	if err != nil {
		return err
	}
	defer p.Close()

	if !p.obs.Commit(ctx) {
		return errors.New("commit failed, the current log is unchanged")
	}
	committed := p.obs.CommittedLog()
	Out.Printf("committed %s records=%d", committed.Path(), committed.Count())
	return nil
}

func reset(ctx context.Context, opts docopt.Opts) error {
	p, err := openProject(ctx, opts)
	if err != nil {
		return err
	}
	defer p.Close()

	hard, _ := opts.Bool("--hard")
	if err := p.obs.Reset(ctx, hard); err != nil {
		return err
	}
	Out.Printf("reset hard=%t", hard)
	return nil
}

func push(ctx context.Context, opts docopt.Opts) error {
	cfg := syncer.Config{}
	cfg.URL, _ = opts.String("--url")
	cfg.Token, _ = opts.String("--token")
	cfg.ClientID, _ = opts.String("--client-id")

	retries, err := opts.Int("--retries")
	if err != nil || retries < 0 {
		return fmt.Errorf("invalid --retries")
	}
	cfg.Retries = retries
	if retries == 0 {
		cfg.Retries = -1
	}
	maxBackoff, _ := opts.String("--max-backoff")
	if cfg.MaxBackoff, err = time.ParseDuration(maxBackoff); err != nil || cfg.MaxBackoff <= 0 {
		return fmt.Errorf("invalid --max-backoff %q", maxBackoff)
	}
	if names, ok := opts["--insecure-fault"].([]string); ok {
		for _, name := range names {
			fault, err := request.ParseTLSFault(name)
			if err != nil {
				return err
			}
			cfg.IgnoredTLSFaults = append(cfg.IgnoredTLSFaults, fault)
		}
	}

	p, err := openProject(ctx, opts)
	if err != nil {
		return err
	}
	defer p.Close()
	if cfg.ClientID == "" {
		if cfg.ClientID, err = p.clientID(); err != nil {
			return err
		}
	}

	loop := eventloop.New()
	stopLoop := loop.Start()
	defer stopLoop()

	uploader, err := syncer.New(p.obs, loop, request.NewHTTPTransport(), cfg, syncer.WithListener(request.Listener{
		Retry: func(attempt int) {
			Out.Printf("retrying, attempt %d", attempt)
		},
	}))
	if err != nil {
		return err
	}
	result, err := uploader.Push(ctx)
	if err != nil {
		return err
	}
	if result.Log == "" {
		Out.Printf("nothing to push")
		return nil
	}
	Out.Printf("pushed %s deltas=%d seq=%d attempts=%d", result.Log, result.Deltas, result.ServerSeq, result.Attempts)
	return nil
}

func token(opts docopt.Opts) error {
	secret, _ := opts.String("--secret")
	userID, _ := opts.String("--user")
	clientID, _ := opts.String("--client-id")
	ttlValue, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlValue)
	if err != nil {
		return fmt.Errorf("invalid --ttl %q", ttlValue)
	}

	tokens, err := auth.NewTokens(secret, ttl)
	if err != nil {
		return err
	}
	signed, err := tokens.Issue(userID, clientID)
	if err != nil {
		return err
	}
	Out.Printf("%s", signed)
	return nil
}
