// Command replay inspects a realm save, verifies it restores to a
// stable digest, and optionally prints the journaled chronicle from
// that point on.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"regent.ai/internal/persistence/snapshot"
	"regent.ai/internal/sim/realm"
	"regent.ai/internal/sim/scenario"
	"regent.ai/internal/sim/tuning"
)

func main() {
	var (
		savePath     = flag.String("save", "", "path to .sav.zst")
		chronicleDir = flag.String("chronicle", "", "chronicle dir containing chronicle-*.jsonl.zst (optional)")
		configDir    = flag.String("configs", "./configs", "config directory")
		advance      = flag.Int("advance", 0, "advance N days after restore and print the resulting digest")
	)
	flag.Parse()

	if *savePath == "" {
		fmt.Fprintln(os.Stderr, "missing -save")
		os.Exit(2)
	}

	save, err := snapshot.ReadSave(*savePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read save:", err)
		os.Exit(1)
	}

	fmt.Printf("save v%d realm=%s tick=%d scenario=%q paths=%d orders=%d claims=%d pending=%d locked=%d\n",
		save.Header.Version, save.Header.RealmID, save.Header.Tick, save.ScenarioTitle,
		len(save.Paths), len(save.Orders), len(save.Claims), len(save.Pending), len(save.LockedPaths))

	tune, err := tuning.Load(filepath.Join(*configDir, "tuning.yaml"))
	if err != nil {
		tune = tuning.Defaults()
	}
	sc, err := scenario.Load(*configDir)
	if err != nil {
		sc = scenario.Default()
	}

	restore := func() *realm.Realm {
		r, err := realm.FromSave(realm.Config{ID: save.Header.RealmID}, tune, sc, save, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "restore:", err)
			os.Exit(1)
		}
		return r
	}

	// Two independent restores must agree; a mismatch means the save or
	// the restore path is non-deterministic.
	r := restore()
	digest := r.Digest()
	if other := restore().Digest(); other != digest {
		fmt.Fprintf(os.Stderr, "restore digest unstable: %s vs %s\n", digest, other)
		os.Exit(1)
	}
	fmt.Printf("restore ok: tick=%d digest=%s\n", r.CurrentTick(), digest)

	if *advance > 0 {
		r.Advance(*advance)
		fmt.Printf("after %d days: tick=%d digest=%s\n", *advance, r.CurrentTick(), r.Digest())
	}

	if *chronicleDir == "" {
		return
	}
	files, err := listChronicleFiles(*chronicleDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list chronicle:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no chronicle files found in", *chronicleDir)
		os.Exit(1)
	}
	var printed uint64
	for _, path := range files {
		n, err := printEvents(path, save.EventSeq)
		if err != nil {
			fmt.Fprintln(os.Stderr, "chronicle:", err)
			os.Exit(1)
		}
		printed += n
	}
	fmt.Printf("chronicle: %d events after seq=%d\n", printed, save.EventSeq)
}

func listChronicleFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "chronicle-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// printEvents streams one chronicle file, printing events past the
// save's event sequence.
func printEvents(path string, afterSeq uint64) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var printed uint64
	for sc.Scan() {
		var e realm.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return printed, fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if e.Seq <= afterSeq {
			continue
		}
		ref := ""
		if e.Ref != "" {
			ref = " [" + e.Ref + "]"
		}
		fmt.Printf("day %d #%d %s%s: %s\n", e.Tick, e.Seq, e.EventType, ref, e.Description)
		printed++
	}
	if err := sc.Err(); err != nil {
		return printed, err
	}
	return printed, nil
}
