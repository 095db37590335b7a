package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"regent.ai/internal/gen"
	"regent.ai/internal/persistence/indexdb"
	persistlog "regent.ai/internal/persistence/log"
	"regent.ai/internal/persistence/snapshot"
	"regent.ai/internal/sim/escalate"
	"regent.ai/internal/sim/realm"
	"regent.ai/internal/sim/scenario"
	"regent.ai/internal/sim/tuning"
	"regent.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		realmID    = flag.String("realm", "realm_1", "realm id")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		schemaDir  = flag.String("schemas", "./schemas", "message schema directory (empty to skip screening)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite read-model index")

		savePath   = flag.String("save", "", "path to save file to load (optional)")
		loadLatest = flag.Bool("load_latest_save", true, "load latest save from data dir if present (when -save is empty)")

		noArbiter = flag.Bool("no_arbiter", false, "disable LLM arbitration (contested claims wait for the ruler)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	realmDir := filepath.Join(*dataDir, "realms", *realmID)
	_ = os.MkdirAll(realmDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}

	saveToLoad := strings.TrimSpace(*savePath)
	if saveToLoad == "" && *loadLatest {
		saveToLoad = latestSave(realmDir)
	}

	tune, tuneErr := tuning.Load(tp)
	if tuneErr != nil {
		if os.IsNotExist(tuneErr) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", tuneErr)
		}
	}

	sc, scErr := scenario.Load(*configDir)
	if scErr != nil {
		if os.IsNotExist(scErr) {
			logger.Printf("scenario not found in %s; using the default realm", *configDir)
			sc = scenario.Default()
		} else {
			logger.Fatalf("load scenario: %v", scErr)
		}
	}

	// Optional: read-model index (does not affect sim determinism).
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		var err error
		idx, err = indexdb.OpenSQLite(filepath.Join(realmDir, "index.db"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
		if err := idx.UpsertMeta(*realmID, sc.Title, sc.Digest(), tune); err != nil {
			logger.Printf("index: upsert meta: %v", err)
		}
	}

	// Create realm (fresh or resumed from a save).
	var r *realm.Realm
	if saveToLoad != "" {
		save, err := snapshot.ReadSave(saveToLoad)
		if err != nil {
			logger.Fatalf("read save: %v", err)
		}
		if save.Header.RealmID != "" && save.Header.RealmID != *realmID {
			logger.Fatalf("save realm id mismatch: flag=%s save=%s", *realmID, save.Header.RealmID)
		}
		r, err = realm.FromSave(realm.Config{ID: *realmID}, tune, sc, save, logger)
		if err != nil {
			logger.Fatalf("restore realm: %v", err)
		}
		logger.Printf("resumed from save=%s tick=%d", filepath.Base(saveToLoad), r.CurrentTick())
	} else {
		var err error
		r, err = realm.New(realm.Config{ID: *realmID}, tune, sc, logger)
		if err != nil {
			logger.Fatalf("realm: %v", err)
		}
	}

	if !*noArbiter {
		svc, err := gen.NewOpenRouter(gen.OpenRouterConfig{})
		if err != nil {
			logger.Printf("arbitration disabled: %v", err)
		} else {
			r.SetArbiter(escalate.NewArbiter(svc, r.Store(), logger))
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	chronicle := persistlog.NewChronicleLogger(realmDir)
	defer chronicle.Close()
	r.SetChronicle(multiChronicle{a: chronicle, b: idx})

	// Save writer.
	saveCh := make(chan snapshot.SaveV1, 2)
	r.SetSaveSink(saveCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case save := <-saveCh:
				path := filepath.Join(realmDir, "saves", fmt.Sprintf("%d.sav.zst", save.Header.Tick))
				if err := snapshot.WriteSave(path, save); err != nil {
					logger.Printf("save write: %v", err)
					continue
				}
				if idx != nil {
					idx.RecordSave(path, save)
				}
				logger.Printf("saved tick=%d", save.Header.Tick)
			}
		}
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := r.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("realm stopped: %v", err)
		}
	}()

	var schemas *ws.SchemaSet
	if dir := strings.TrimSpace(*schemaDir); dir != "" {
		var err error
		schemas, err = ws.LoadSchemas(dir)
		if err != nil {
			logger.Fatalf("load schemas: %v", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/ws", ws.NewServer(r, schemas, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("realm %s at tick %d, listening on %s", *realmID, r.CurrentTick(), *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	// The loop has exited; write a parting save so a restart resumes here.
	<-runDone
	save := r.ExportSave()
	path := filepath.Join(realmDir, "saves", fmt.Sprintf("%d.sav.zst", save.Header.Tick))
	if err := snapshot.WriteSave(path, save); err != nil {
		logger.Printf("final save: %v", err)
	} else {
		logger.Printf("final save tick=%d", save.Header.Tick)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func latestSave(realmDir string) string {
	dir := filepath.Join(realmDir, "saves")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".sav.zst") {
			continue
		}
		base := strings.TrimSuffix(name, ".sav.zst")
		tick, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}

type multiChronicle struct {
	a realm.ChronicleLogger
	b *indexdb.SQLiteIndex
}

func (m multiChronicle) WriteEvent(e realm.Event) error {
	if m.a != nil {
		_ = m.a.WriteEvent(e)
	}
	if m.b != nil {
		_ = m.b.WriteEvent(e)
	}
	return nil
}
