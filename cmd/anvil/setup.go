package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anvilbuild/anvil/configuration"
	"github.com/anvilbuild/anvil/execapi"
	localapi "github.com/anvilbuild/anvil/execapi/local"
	"github.com/anvilbuild/anvil/execapi/remote"
	"github.com/anvilbuild/anvil/executor"
	"github.com/anvilbuild/anvil/hashing"
	"github.com/anvilbuild/anvil/internal/dcontext"
	"github.com/anvilbuild/anvil/metrics"
	"github.com/anvilbuild/anvil/storage/actioncache"
	"github.com/anvilbuild/anvil/storage/cas"
)

// environment bundles everything a subcommand needs: parsed configuration,
// opened stores, prepared backends and the shared build lock.
type environment struct {
	ctx    context.Context
	config *configuration.Configuration

	storeCfg cas.Config
	store    *cas.CAS
	ac       *actioncache.Cache
	local    *localapi.API
	api      execapi.API

	dispatch  []executor.DispatchRule
	endpoints map[string]execapi.API
	stats     *metrics.Stats

	release func()
}

// newEnvironment loads configuration, applies flag overrides and opens the
// storage. withLock additionally takes the shared build lock that keeps
// garbage collection out.
func newEnvironment(withLock bool) (*environment, error) {
	config := configuration.Default()
	if rootOpts.configPath != "" {
		f, err := os.Open(rootOpts.configPath)
		if err != nil {
			return nil, err
		}
		config, err = configuration.Parse(f)
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	if rootOpts.buildRoot != "" {
		config.BuildRoot = rootOpts.buildRoot
	}
	if rootOpts.hashFamily != "" {
		config.HashFamily = rootOpts.hashFamily
	}
	if rootOpts.logLevel != "" {
		config.Log.Level = rootOpts.logLevel
	}
	if rootOpts.jobs > 0 {
		config.Jobs = rootOpts.jobs
	}
	if rootOpts.remote != "" {
		config.Remote.Address = rootOpts.remote
	}
	if rootOpts.instance != "" {
		config.Remote.Instance = rootOpts.instance
	}
	if rootOpts.maxAttempts > 0 {
		config.Retry.MaxAttempts = rootOpts.maxAttempts
	}
	if rootOpts.initialBackoff > 0 {
		config.Retry.InitialBackoffSeconds = rootOpts.initialBackoff
	}
	if rootOpts.maxBackoff > 0 {
		config.Retry.MaxBackoffSeconds = rootOpts.maxBackoff
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.BuildRoot == "" {
		return nil, fmt.Errorf("no build root configured and no home directory to derive one from")
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(config.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	if config.Log.Formatter == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	ctx := dcontext.WithLogger(context.Background(), logrus.NewEntry(logger))

	hash := hashing.New(config.HashType())
	storeCfg := cas.Config{
		BuildRoot:   config.BuildRoot,
		Hash:        hash,
		Generations: config.Generations,
	}
	store, err := cas.New(storeCfg)
	if err != nil {
		return nil, err
	}
	ac := actioncache.New(storeCfg)

	localCfg := localapi.Config{Launcher: config.Launcher}
	if config.TimeoutSeconds > 0 {
		localCfg.DefaultTimeout = time.Duration(config.TimeoutSeconds) * time.Second
	}
	local := localapi.New(store, ac, localCfg)

	env := &environment{
		ctx:       ctx,
		config:    config,
		storeCfg:  storeCfg,
		store:     store,
		ac:        ac,
		local:     local,
		api:       local,
		endpoints: make(map[string]execapi.API),
		stats:     metrics.New(),
		release:   func() {},
	}

	if config.Remote.Address != "" {
		client, err := env.dialRemote(config.Remote.Address, config.Remote.Instance)
		if err != nil {
			return nil, err
		}
		env.api = client
	}
	for _, rule := range config.Dispatch {
		if _, ok := env.endpoints[rule.Endpoint]; !ok {
			client, err := env.dialRemote(rule.Endpoint, config.Remote.Instance)
			if err != nil {
				return nil, err
			}
			env.endpoints[rule.Endpoint] = client
		}
		env.dispatch = append(env.dispatch, executor.DispatchRule{
			Properties: rule.Properties,
			Endpoint:   rule.Endpoint,
		})
	}

	if withLock {
		release, err := store.LockShared(ctx)
		if err != nil {
			return nil, err
		}
		env.release = release
	}
	return env, nil
}

func (e *environment) dialRemote(address, instance string) (*remote.Client, error) {
	cfg := remote.Config{
		Address:      address,
		InstanceName: instance,
		Retry: remote.RetryPolicy{
			MaxAttempts:    e.config.Retry.MaxAttempts,
			InitialBackoff: time.Duration(e.config.Retry.InitialBackoffSeconds) * time.Second,
			MaxBackoff:     time.Duration(e.config.Retry.MaxBackoffSeconds) * time.Second,
		},
	}
	if e.config.Remote.CACert != "" || e.config.Remote.ClientCert != "" {
		cfg.TLS = &remote.TLSConfig{
			CACert:     e.config.Remote.CACert,
			ClientCert: e.config.Remote.ClientCert,
			ClientKey:  e.config.Remote.ClientKey,
		}
	}
	return remote.New(cfg, e.storeCfg.Hash, e.store)
}

// baseTimeout is the unscaled action timeout from configuration.
func (e *environment) baseTimeout() time.Duration {
	if e.config.TimeoutSeconds > 0 {
		return time.Duration(e.config.TimeoutSeconds) * time.Second
	}
	return executor.DefaultBaseTimeout
}
