// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/chapter-engine/internal/index"
	"github.com/pdiddy/chapter-engine/internal/notify"
	"github.com/pdiddy/chapter-engine/internal/pipeline"
	"github.com/pdiddy/chapter-engine/internal/provider"
	"github.com/pdiddy/chapter-engine/internal/research"
	"github.com/pdiddy/chapter-engine/internal/store"
)

// app holds the components a command opened; close releases them in
// reverse order.
type app struct {
	store    *store.Store
	router   *provider.Router
	index    *index.Index
	research *research.Aggregator
	notify   *notify.Dispatcher
	engine   *pipeline.Engine

	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// openStore opens only the job database.
func openStore() (*app, error) {
	st, err := store.Open(cfg.Store, log)
	if err != nil {
		return nil, err
	}
	a := &app{store: st}
	a.onClose(func() { st.Close() })
	return a, nil
}

// openIndex opens the job database, the provider router (for embeddings and
// call records) and the internal index.
func openIndex() (*app, error) {
	a, err := openStore()
	if err != nil {
		return nil, err
	}
	a.router, err = provider.NewRouterFromConfig(cfg.Router, provider.WithRecorder(a.store), provider.WithLogger(log))
	if err != nil {
		a.close()
		return nil, err
	}
	a.index, err = index.Open(cfg.Index, pipeline.NewEmbedder(a.router), log)
	if err != nil {
		a.close()
		return nil, err
	}
	ix := a.index
	a.onClose(func() { ix.Close() })
	return a, nil
}

// openResearch adds the research aggregator over the index and the enabled
// external backends.
func openResearch() (*app, error) {
	a, err := openIndex()
	if err != nil {
		return nil, err
	}
	a.research = research.NewAggregator(cfg.Research, a.index, research.Backends(cfg.Research), pipeline.NewEmbedder(a.router), log)
	return a, nil
}

// openEngine wires every component into a running pipeline engine with
// progress notifications.
func openEngine(ctx context.Context) (*app, error) {
	a, err := openResearch()
	if err != nil {
		return nil, err
	}
	sinks := []notify.Sink{notify.NewLogSink(log)}
	if cfg.Notify.RedisAddr != "" {
		rs, err := notify.NewRedisSink(ctx, cfg.Notify, log)
		if err != nil {
			a.close()
			return nil, err
		}
		a.onClose(func() { _ = rs.Close() })
		sinks = append(sinks, rs)
	}
	a.notify = notify.NewDispatcher(cfg.Notify.BufferSize, log, sinks...)
	disp := a.notify
	a.onClose(disp.Close)

	p, err := pipeline.New(cfg, pipeline.Deps{
		Store:    a.store,
		LLM:      a.router,
		Research: a.research,
		Figures:  a.index,
		Notify:   a.notify,
		Log:      log,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.engine = pipeline.NewEngine(p)
	a.onClose(a.engine.Close)
	return a, nil
}

// write encodes v as indented JSON or as YAML.
func write(w io.Writer, v any, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding yaml: %w", err)
	}
	return enc.Close()
}
