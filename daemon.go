package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"sync/atomic"
	"syscall"
	"time"

	"nostr-sync/internal/config"
	"nostr-sync/internal/engine"
	"nostr-sync/internal/facts"
	"nostr-sync/internal/relay"
	"nostr-sync/internal/store"
	"nostr-sync/internal/subs"
	"nostr-sync/internal/timeline"
)

// headSize is how many refs of each view the snapshot carries
const headSize = 20

// Snapshot is the state published after every frame
type Snapshot struct {
	Frame         uint64             `json:"frame"`
	Time          time.Time          `json:"time"`
	Peers         []relay.PeerInfo   `json:"peers"`
	Views         []ViewSnapshot     `json:"views"`
	Subscriptions []subs.TrackerInfo `json:"subscriptions"`
	Stats         engine.Stats       `json:"stats"`
}

// ViewSnapshot is one view with the head of its timeline
type ViewSnapshot struct {
	engine.ViewInfo
	Changed bool   `json:"changed"`
	Head    []Note `json:"head"`
}

// Note is a timeline entry with whatever facts are known for it
type Note struct {
	timeline.Ref
	Facts *facts.Facts `json:"facts,omitempty"`
}

// daemon owns the engine and the connection set. Both are single-writer:
// everything except the HTTP handlers runs on the frame loop goroutine.
type daemon struct {
	src   *config.Source
	store store.Store
	set   *relay.ConnectionSet
	eng   *engine.Engine
	log   *slog.Logger
	fps   int

	views    map[string]engine.ViewID
	opened   map[string]config.View
	frame    uint64
	snapshot atomic.Pointer[Snapshot]
}

// openStore picks Redis when a URL is configured, memory otherwise
func openStore(cfg *config.Config) (store.Store, string, error) {
	if cfg.Redis.URL == "" {
		return store.NewMemoryStore(), "memory", nil
	}
	st, err := store.NewRedisStore(cfg.Redis.URL, cfg.Redis.Prefix)
	if err != nil {
		return nil, "", err
	}
	return st, "redis", nil
}

func newDaemon(src *config.Source, fps int, log *slog.Logger) (*daemon, error) {
	cfg := src.Get()
	st, backend, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	recordBuildInfo(backend)
	log.Info("store ready", "backend", backend)

	fc, err := facts.NewCache(cfg.FactCacheSize)
	if err != nil {
		st.Close()
		return nil, err
	}

	// relay readers and the engine share one ingester
	ing := engine.NewIngester(st, fc, log)
	opts := relay.OptionsFromConfig(cfg)
	opts.Ingester = ing
	opts.Logger = log
	set := relay.NewConnectionSet(opts)

	eng, err := engine.New(cfg, engine.Deps{Network: set, Store: st, Ingester: ing, Logger: log})
	if err != nil {
		st.Close()
		return nil, err
	}
	return &daemon{
		src:    src,
		store:  st,
		set:    set,
		eng:    eng,
		log:    log,
		fps:    fps,
		views:  make(map[string]engine.ViewID),
		opened: make(map[string]config.View),
	}, nil
}

// apply brings peers and views in line with cfg. Views are matched by name;
// a view whose definition changed is reopened.
func (d *daemon) apply(cfg *config.Config) error {
	var errs []error
	if err := d.eng.SetPeers(cfg.Peers); err != nil {
		errs = append(errs, err)
	}

	wanted := make(map[string]config.View, len(cfg.Views))
	for _, v := range cfg.Views {
		wanted[v.Name] = v
	}
	for name, id := range d.views {
		if v, ok := wanted[name]; ok && reflect.DeepEqual(v, d.opened[name]) {
			continue
		}
		d.eng.CloseView(id)
		delete(d.views, name)
		delete(d.opened, name)
		d.log.Info("view closed", "name", name)
	}
	for _, v := range cfg.Views {
		if _, ok := d.views[v.Name]; ok {
			continue
		}
		id, err := d.eng.OpenView(v.Filters, engine.ViewOptions{Name: v.Name, NotesOnly: v.NotesOnly})
		if err != nil {
			errs = append(errs, fmt.Errorf("view %q: %w", v.Name, err))
			continue
		}
		d.views[v.Name] = id
		d.opened[v.Name] = v
		d.log.Info("view opened", "name", v.Name, "id", id)
	}
	return errors.Join(errs...)
}

// run drives frames until ctx ends. SIGHUP reloads the configuration.
func (d *daemon) run(ctx context.Context) error {
	d.eng.Start(ctx)
	if err := d.apply(d.src.Get()); err != nil {
		d.log.Warn("initial configuration partly applied", "error", err)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	ticker := time.NewTicker(time.Second / time.Duration(d.fps))
	defer ticker.Stop()

	d.step(time.Now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			cfg, err := d.src.Reload()
			if err != nil {
				continue
			}
			if err := d.apply(cfg); err != nil {
				d.log.Warn("reloaded configuration partly applied", "error", err)
			}
		case now := <-ticker.C:
			d.step(now)
		}
	}
}

// step runs one frame and publishes its snapshot
func (d *daemon) step(now time.Time) {
	d.eng.Update(now)
	d.frame++

	infos := d.eng.Views()
	snap := &Snapshot{
		Frame:         d.frame,
		Time:          now,
		Peers:         d.eng.Peers(),
		Views:         make([]ViewSnapshot, 0, len(infos)),
		Subscriptions: d.eng.Subscriptions(),
		Stats:         d.eng.Stats(),
	}
	for _, info := range infos {
		refs, changed, err := d.eng.Poll(info.ID)
		if err != nil {
			continue
		}
		vs := ViewSnapshot{ViewInfo: info, Changed: changed}
		for _, ref := range refs[:min(len(refs), headSize)] {
			n := Note{Ref: ref}
			if f, ok := d.eng.Facts(ref.ID); ok {
				n.Facts = &f
			}
			vs.Head = append(vs.Head, n)
		}
		snap.Views = append(snap.Views, vs)
	}
	d.snapshot.Store(snap)
}

// close tears down in dependency order: engine, network, store
func (d *daemon) close() error {
	err := d.eng.Close()
	d.set.Close()
	return errors.Join(err, d.store.Close())
}
