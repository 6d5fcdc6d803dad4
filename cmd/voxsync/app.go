package main

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/voxline/voxsync/internal/config"
	"github.com/voxline/voxsync/internal/dashboard"
	"github.com/voxline/voxsync/internal/db"
	"github.com/voxline/voxsync/internal/readtracker"
	"github.com/voxline/voxsync/internal/remote"
	"github.com/voxline/voxsync/internal/repository"
	"github.com/voxline/voxsync/internal/sync"
)

// app is the wired set of components one command works with.
type app struct {
	cache   *db.DB
	api     remote.API
	tracker *readtracker.Tracker
	repo    *repository.Repository
	manager *sync.Manager

	// offline is set when the on-disk cache could not be opened and an
	// in-memory cache is used instead.
	offline bool

	closers []func() error
}

type appOptions struct {
	// events, when set, builds the handler that receives sync and read
	// events once the cache is open.
	events   func(cache *db.DB) *dashboard.Handler
	noRemote bool
}

// resolveSecrets replaces ssm:// settings with their Parameter Store values.
func resolveSecrets(ctx context.Context) error {
	if !cfg.HasSecretRefs() {
		return nil
	}
	store, err := config.NewAWSParamStore(ctx, cfg.Backend.Region)
	if err != nil {
		return err
	}
	return cfg.ResolveSecrets(ctx, store)
}

func openApp(ctx context.Context, opts appOptions) (*app, error) {
	if err := resolveSecrets(ctx); err != nil {
		return nil, err
	}

	a := &app{}
	cache, offline, err := openCache()
	if err != nil {
		return nil, err
	}
	a.cache = cache
	a.offline = offline
	a.closers = append(a.closers, cache.Close)

	if opts.noRemote {
		a.api = remote.NewMemory()
	} else {
		api, closeAPI, err := openBackend(ctx)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.api = remote.WithTimeout(api, cfg.Backend.Timeout)
		if closeAPI != nil {
			a.closers = append(a.closers, closeAPI)
		}
	}

	var events *dashboard.Handler
	if opts.events != nil {
		events = opts.events(a.cache)
	}

	trackerOpts := []readtracker.Option{
		readtracker.WithWindow(cfg.ReadTracker.Window),
		readtracker.WithLogger(logs.New("readtracker")),
	}
	if events != nil {
		trackerOpts = append(trackerOpts, readtracker.WithObserver(events.OnMessageRead))
	}
	a.tracker = readtracker.New(a.api.UpdateMessageRead, trackerOpts...)
	a.repo = repository.New(a.cache, logs.New("repo"),
		repository.WithTracker(a.tracker),
		repository.WithVerbose(logs.Verbose()))

	syncOpts := []sync.Option{
		sync.WithLogger(logs.New("sync")),
		sync.WithVerbose(logs.Verbose()),
		sync.WithPageLimit(cfg.Sync.PageLimit),
		sync.WithMaxRetries(cfg.Sync.MaxRetries),
	}
	if events != nil {
		syncOpts = append(syncOpts, sync.WithObserver(events))
	}
	a.manager = sync.New(a.cache, a.api, syncOpts...)
	if err := a.manager.Restore(ctx); err != nil {
		logs.New("sync").Printf("WARNING: could not restore last sync time: %v", err)
	}
	return a, nil
}

// openCache opens the configured cache. When the file cannot be used the
// cache falls back to memory so the app keeps working against the backend.
func openCache() (*db.DB, bool, error) {
	logger := logs.New("cache")
	opts := []db.Option{db.WithEmptyConversationGrace(cfg.Cache.EmptyConversationGrace)}

	database, err := db.Open(cfg.Cache.Path, opts...)
	if err == nil {
		err = database.InitSchema()
		if err != nil {
			_ = database.Close()
		}
	}
	if err == nil {
		return database, false, nil
	}

	var initErr *db.StorageInitError
	if !errors.As(err, &initErr) {
		return nil, false, err
	}
	logger.Printf("WARNING: %v", err)
	logger.Printf("WARNING: using an in-memory cache; offline durability is disabled")

	database, err = db.OpenMemory("voxsync", opts...)
	if err != nil {
		return nil, false, err
	}
	if err := database.InitSchema(); err != nil {
		_ = database.Close()
		return nil, false, err
	}
	return database, true, nil
}

func openBackend(ctx context.Context) (remote.API, func() error, error) {
	switch cfg.Backend.Kind {
	case config.BackendMemory:
		return remote.NewMemory(), nil, nil

	case config.BackendPostgres:
		pg, err := remote.OpenPostgres(ctx, cfg.Backend.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil

	case config.BackendDynamo:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.Backend.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Backend.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		dyn, err := remote.NewDynamo(dynamodb.NewFromConfig(awsCfg), cfg.Backend.Table)
		if err != nil {
			return nil, nil, err
		}
		return dyn, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend.Kind)
	}
}

// Close waits for background sync passes and releases resources in reverse
// order of acquisition.
func (a *app) Close() error {
	if a.manager != nil {
		a.manager.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
