// SPDX-License-Identifier: LGPL-3.0-or-later

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"backupvault/archive"
	"backupvault/checksum"
	"backupvault/copier"
	"backupvault/dbdump"
	"backupvault/dedup"
	"backupvault/logger"
	"backupvault/manifest"
	"backupvault/schedule"
	"backupvault/selector"
	"backupvault/verify"
)

// Orchestrator wires the pipeline stages into a single run and reports
// progress through a stream of Events. One Orchestrator may run many
// sequential Run calls; it holds no per-run state between them beyond the
// shared metrics registry.
type Orchestrator struct {
	metrics *Metrics
}

// New builds an Orchestrator with its own metrics registry.
func New() *Orchestrator {
	return &Orchestrator{metrics: NewMetrics()}
}

// Metrics exposes the registry for a CLI to serve over /metrics.
func (o *Orchestrator) Metrics() *Metrics { return o.metrics }

// Run steps through idle → locked → pre-hook → selecting → copying →
// manifesting → encrypting → deduping → pruning → post-hook → reporting,
// emitting an Event at every transition. Only lock, pre-hook, and archive
// build failures return a non-nil error; everything else, including a
// destination's selection failure, is folded into RunResult.Outcome.
func (o *Orchestrator) Run(ctx context.Context, cfg Config, log logger.Logger, onEvent EventFunc) (RunResult, error) {
	if onEvent == nil {
		onEvent = func(Event) {}
	}

	runID := cfg.RunID
	if runID == "" {
		runID = time.Now().Format("20060102_150405")
	}

	result := RunResult{RunID: runID, StartedAt: time.Now()}

	var emitMu sync.Mutex
	emit := func(stage Stage, msg string, err error) {
		emitMu.Lock()
		defer emitMu.Unlock()
		onEvent(Event{
			ID:      uuid.NewString(),
			RunID:   runID,
			Stage:   stage,
			Time:    time.Now(),
			Message: msg,
			Err:     err,
		})
	}

	emit(StageIdle, "run starting", nil)

	lock := schedule.NewLock(cfg.LockPath)
	acquired, err := lock.TryAcquire()
	if err != nil {
		emit(StageReporting, "lock error", err)
		result.Outcome = OutcomeFailed
		result.FinishedAt = time.Now()
		return result, err
	}
	if !acquired {
		err := fmt.Errorf("another instance already holds lock %q", cfg.LockPath)
		emit(StageReporting, "lock conflict", err)
		result.Outcome = OutcomeFailed
		result.FinishedAt = time.Now()
		return result, err
	}
	defer lock.Release()
	emit(StageLocked, "lock acquired", nil)

	defer func() {
		emit(StagePostHook, "running post-hook", nil)
		if err := runHook("post", cfg.PostHook, log); err != nil {
			log.Warn("post-hook failed", "error", err)
		}
	}()

	emit(StagePreHook, "running pre-hook", nil)
	if err := runHook("pre", cfg.PreHook, log); err != nil {
		emit(StageReporting, "pre-hook failed", err)
		result.Outcome = OutcomeFailed
		result.FinishedAt = time.Now()
		return result, fmt.Errorf("pre-hook: %w", err)
	}

	var wg sync.WaitGroup
	var resultsMu sync.Mutex

	record := func(dr DestinationResult) {
		resultsMu.Lock()
		defer resultsMu.Unlock()
		result.Destinations = append(result.Destinations, dr)
	}

	if cfg.DBDump != nil {
		dbAcc := &destAccumulator{kind: "db_dump"}
		if _, err := dbdump.Run(*cfg.DBDump, log); err != nil {
			log.Warn("database dump failed, continuing without it", "error", err)
			dbAcc.fail(err.Error())
		}
		record(dbAcc.snapshot())
	}

	emit(StageSelecting, "selecting files", nil)

	var archiveEntry *stagedEntry
	if cfg.Compress {
		archived, err := buildArchiveEntry(cfg, runID, log)
		if err != nil {
			emit(StageReporting, "archive build failed", err)
			result.Outcome = OutcomeFailed
			result.FinishedAt = time.Now()
			return result, fmt.Errorf("archive: %w", err)
		}
		archiveEntry = &archived
	}

	cache := newChecksumCache()

	emit(StageCopying, fmt.Sprintf("copying to %d destination(s)", destinationCount(cfg)), nil)

	type localOutcome struct {
		root string
		dr   DestinationResult
		m    *manifest.Manifest
	}
	locals := make([]localOutcome, len(cfg.LocalRoots))

	for i, root := range cfg.LocalRoots {
		wg.Add(1)
		go func(i int, root string) {
			defer wg.Done()
			dr, m := o.copyLocalDestination(ctx, cfg, root, archiveEntry, cache, runID, log, emit)
			locals[i] = localOutcome{root: root, dr: dr, m: m}
		}(i, root)
	}
	for _, sftpCfg := range cfg.SFTP {
		wg.Add(1)
		go func(sftpCfg copier.SFTPConfig) {
			defer wg.Done()
			record(runRemoteDestination(ctx, "sftp", cfg, func() (copier.Destination, error) {
				return copier.NewSFTP(sftpCfg, cfg.Limiter, log)
			}, archiveEntry, cache, runID, 1, log))
		}(sftpCfg)
	}
	for _, osCfg := range cfg.ObjectStore {
		wg.Add(1)
		go func(osCfg copier.ObjectStoreConfig) {
			defer wg.Done()
			record(runRemoteDestination(ctx, "object_store", cfg, func() (copier.Destination, error) {
				return copier.NewObjectStore(ctx, osCfg, log)
			}, archiveEntry, cache, runID, parallelism(cfg.Parallel), log))
		}(osCfg)
	}

	wg.Wait()

	// Dedup runs once across every local destination's manifest combined,
	// not once per root, so two destinations on the same filesystem can
	// hardlink a file neither alone would have recognized as duplicated.
	if cfg.DedupEnabled && !cfg.Compress {
		var candidates []dedup.Candidate
		for _, l := range locals {
			if l.m == nil {
				continue
			}
			candidates = append(candidates, dedup.CandidatesFromManifest(l.m, l.root)...)
		}
		if len(candidates) > 0 {
			emit(StageDeduping, "deduplicating across local destinations", nil)
			if dr, err := dedup.Run(candidates, log); err != nil {
				log.Warn("dedup failed, leaving destinations unlinked", "error", err)
			} else {
				log.Info("dedup complete", "links_created", dr.LinksCreated, "bytes_saved", dr.BytesSaved)
			}
		}
	}

	for _, l := range locals {
		if l.m != nil {
			emit(StagePruning, "applying retention at "+l.root, nil)
			if _, err := pruneLocalDestination(l.root, cfg.Retention, time.Now(), log); err != nil {
				log.Warn("retention failed", "root", l.root, "error", err)
			}
		}
		record(l.dr)
	}

	if cfg.Verify {
		for _, root := range cfg.LocalRoots {
			verifyLocalDestination(root, cfg, log, emit)
		}
	}

	result.Outcome = classifyOutcome(result.Destinations)
	result.FinishedAt = time.Now()

	o.recordMetrics(result)
	emit(StageReporting, fmt.Sprintf("run finished: %s", result.Outcome), nil)

	return result, nil
}

// copyLocalDestination selects, copies, manifests, and (unless compressing)
// encrypts a single local root. Dedup and retention are handled centrally
// by Run after every destination's copy phase completes, so this returns
// the built manifest for the caller to fold into the cross-root dedup pass.
func (o *Orchestrator) copyLocalDestination(ctx context.Context, cfg Config, root string, archiveEntry *stagedEntry, cache *checksumCache, runID string, log logger.Logger, emit func(Stage, string, error)) (DestinationResult, *manifest.Manifest) {
	acc := &destAccumulator{kind: "local"}

	dest, err := copier.NewLocal(root, cfg.Limiter, log)
	if err != nil {
		acc.fail(err.Error())
		emit(StageCopying, "local destination unavailable: "+root, err)
		return acc.snapshot(), nil
	}
	defer dest.Close()

	entries, err := entriesForDestination(ctx, cfg, dest, root, archiveEntry, cache, log)
	if err != nil {
		acc.fail(err.Error())
		emit(StageSelecting, "selection failed for "+root, err)
		return acc.snapshot(), nil
	}

	builder := manifest.NewBuilder(runID, cfg.Mode, cfg.SourceDir, root)
	copyToDestination(ctx, dest, entries, parallelism(cfg.Parallel), acc, builder)

	m, err := builder.Finish()
	if err != nil {
		acc.fail(err.Error())
		emit(StageManifesting, "manifest build failed for "+root, err)
		return acc.snapshot(), nil
	}

	emit(StageManifesting, "writing manifest for "+root, nil)
	if err := writeManifestTo(ctx, dest, root, m, runID); err != nil {
		acc.fail(err.Error())
		emit(StageManifesting, "manifest write failed for "+root, err)
		return acc.snapshot(), nil
	}

	if cfg.EncryptionEnabled && !cfg.Compress {
		emit(StageEncrypting, "encrypting files at "+root, nil)
		if err := encryptLocalDestination(root, m, cfg.Encryption, log); err != nil {
			acc.fail(err.Error())
			emit(StageEncrypting, "encryption failed for "+root, err)
			return acc.snapshot(), nil
		}
	}

	return acc.snapshot(), m
}

// runRemoteDestination selects, copies, and manifests against a single
// SFTP or object-store destination, evaluated independently of every other
// destination's selection history and tagged with the run's actual mode.
func runRemoteDestination(ctx context.Context, kind string, cfg Config, open func() (copier.Destination, error), archiveEntry *stagedEntry, cache *checksumCache, runID string, concurrency int, log logger.Logger) DestinationResult {
	acc := &destAccumulator{kind: kind}

	dest, err := open()
	if err != nil {
		acc.fail(err.Error())
		return acc.snapshot()
	}
	defer dest.Close()

	entries, err := entriesForDestination(ctx, cfg, dest, "", archiveEntry, cache, log)
	if err != nil {
		acc.fail(err.Error())
		return acc.snapshot()
	}

	builder := manifest.NewBuilder(runID, cfg.Mode, cfg.SourceDir, "")
	copyToDestination(ctx, dest, entries, concurrency, acc, builder)

	m, err := builder.Finish()
	if err != nil {
		acc.fail(err.Error())
		return acc.snapshot()
	}
	if err := writeManifestTo(ctx, dest, "", m, runID); err != nil {
		acc.fail(err.Error())
	}

	return acc.snapshot()
}

func verifyLocalDestination(root string, cfg Config, log logger.Logger, emit func(Stage, string, error)) {
	latest, err := manifest.Latest(root)
	if err != nil || latest == nil {
		return
	}
	report, err := verify.Destination(latest, root, cfg.Encryption, log)
	if err != nil {
		emit(StageReporting, "verify failed for "+root, err)
		return
	}
	if report.Corrupted {
		emit(StageReporting, "verify found corruption at "+root, fmt.Errorf("one or more files failed verification"))
	}
}

// checksumCache memoizes a source file's SHA-256 across destinations, since
// each destination now selects independently and two destinations' selections
// commonly overlap; without it, a shared file would be hashed once per
// destination instead of once per run.
type checksumCache struct {
	mu   sync.Mutex
	sums map[string]string
}

func newChecksumCache() *checksumCache {
	return &checksumCache{sums: make(map[string]string)}
}

func (c *checksumCache) get(absPath string) (string, error) {
	c.mu.Lock()
	sum, ok := c.sums[absPath]
	c.mu.Unlock()
	if ok {
		return sum, nil
	}

	result, err := checksum.File(absPath)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.sums[absPath] = result.SHA256
	c.mu.Unlock()
	return result.SHA256, nil
}

// stage attaches a checksum to every non-symlink entry, dropping any file
// that can no longer be read.
func (c *checksumCache) stage(entries []selector.Entry, log logger.Logger) []stagedEntry {
	staged := make([]stagedEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsSymlink {
			staged = append(staged, stagedEntry{Entry: e})
			continue
		}
		sum, err := c.get(e.AbsPath)
		if err != nil {
			log.Warn("skipping unreadable file", "path", e.Path, "error", err)
			continue
		}
		staged = append(staged, stagedEntry{Entry: e, SHA256: sum})
	}
	return staged
}

// entriesForDestination selects and stages the files a single destination's
// run should copy. Each destination is evaluated against its own selection
// history — a local root's own manifests, or a remote destination's own
// previously-written manifests — rather than a single selection shared
// across every destination, so destinations that disagree on what "latest"
// means each get what they are actually missing.
func entriesForDestination(ctx context.Context, cfg Config, dest copier.Destination, localRoot string, archiveEntry *stagedEntry, cache *checksumCache, log logger.Logger) ([]stagedEntry, error) {
	if archiveEntry != nil {
		return []stagedEntry{*archiveEntry}, nil
	}

	prior, err := priorManifestsFor(ctx, cfg, dest, localRoot, log)
	if err != nil {
		return nil, err
	}

	selected, err := selector.Select(selector.Options{
		SourceRoot:     cfg.SourceDir,
		Mode:           cfg.Mode,
		Excludes:       cfg.Excludes,
		PriorManifests: prior,
	})
	if err != nil {
		return nil, err
	}

	return cache.stage(selected, log), nil
}

// priorManifestsFor returns the baseline manifest(s) a destination's
// incremental/differential selection compares against. localRoot is empty
// for a remote destination, whose manifest history is read back off the
// destination itself rather than the local filesystem.
func priorManifestsFor(ctx context.Context, cfg Config, dest copier.Destination, localRoot string, log logger.Logger) ([]*manifest.Manifest, error) {
	if cfg.Mode != manifest.ModeIncremental && cfg.Mode != manifest.ModeDifferential {
		return nil, nil
	}

	if localRoot != "" {
		switch cfg.Mode {
		case manifest.ModeIncremental:
			m, err := manifest.Latest(localRoot)
			if err != nil || m == nil {
				return nil, nil
			}
			return []*manifest.Manifest{m}, nil
		case manifest.ModeDifferential:
			m, err := manifest.LatestFull(localRoot)
			if err != nil || m == nil {
				return nil, nil
			}
			return []*manifest.Manifest{m}, nil
		}
		return nil, nil
	}

	manifests, err := listRemoteManifests(ctx, dest, log)
	if err != nil {
		log.Warn("could not list prior manifests at destination, treating as first run", "kind", dest.Kind(), "error", err)
		return nil, nil
	}
	if len(manifests) == 0 {
		return nil, nil
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].RunID < manifests[j].RunID })

	switch cfg.Mode {
	case manifest.ModeIncremental:
		return []*manifest.Manifest{manifests[len(manifests)-1]}, nil
	case manifest.ModeDifferential:
		for i := len(manifests) - 1; i >= 0; i-- {
			if manifests[i].Mode == manifest.ModeFull {
				return []*manifest.Manifest{manifests[i]}, nil
			}
		}
	}
	return nil, nil
}

// listRemoteManifests fetches and parses every manifest a remote
// destination currently holds.
func listRemoteManifests(ctx context.Context, dest copier.Destination, log logger.Logger) ([]*manifest.Manifest, error) {
	names, err := dest.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list destination: %w", err)
	}

	var manifests []*manifest.Manifest
	for _, name := range names {
		base := filepath.Base(name)
		if !strings.HasPrefix(base, "backup_manifest_") || !strings.HasSuffix(base, ".json") {
			continue
		}

		tmp := filepath.Join(os.TempDir(), "backupvault_remote_manifest_"+base)
		if err := dest.Get(ctx, name, tmp, nil); err != nil {
			log.Warn("could not fetch remote manifest", "path", name, "error", err)
			continue
		}
		m, err := manifest.ReadFromFile(tmp)
		os.Remove(tmp)
		if err != nil {
			log.Warn("could not parse remote manifest", "path", name, "error", err)
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

func buildArchiveEntry(cfg Config, runID string, log logger.Logger) (stagedEntry, error) {
	stagingDir := os.TempDir()
	if len(cfg.LocalRoots) > 0 {
		stagingDir = cfg.LocalRoots[0]
	}

	outputPath := filepath.Join(stagingDir, fmt.Sprintf("backup_%s.zip", runID))
	res, err := archive.Build(cfg.SourceDir, outputPath, cfg.CompressPassword, log)
	if err != nil {
		return stagedEntry{}, err
	}

	sum, err := checksum.File(res.Path)
	if err != nil {
		return stagedEntry{}, err
	}

	return stagedEntry{
		Entry: selector.Entry{
			Path:    filepath.Base(res.Path),
			AbsPath: res.Path,
			Size:    res.Size,
		},
		SHA256: sum.SHA256,
	}, nil
}

func destinationCount(cfg Config) int {
	return len(cfg.LocalRoots) + len(cfg.SFTP) + len(cfg.ObjectStore)
}

func parallelism(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func classifyOutcome(destinations []DestinationResult) Outcome {
	anySuccess := false
	anyFailure := false

	for _, d := range destinations {
		if !d.Failed {
			anySuccess = true
		}
		if d.Failed || d.FilesFailed > 0 {
			anyFailure = true
		}
	}

	switch {
	case !anySuccess:
		return OutcomeFailed
	case anyFailure:
		return OutcomePartial
	default:
		return OutcomeSuccess
	}
}

func (o *Orchestrator) recordMetrics(result RunResult) {
	o.metrics.RunsTotal.WithLabelValues(string(result.Outcome)).Inc()
	o.metrics.RunDuration.Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())

	for _, d := range result.Destinations {
		o.metrics.BytesCopied.Add(float64(d.BytesCopied))
		for i := 0; i < d.FilesCopied; i++ {
			o.metrics.FilesCopied.Inc()
		}
		for i := 0; i < d.FilesFailed; i++ {
			o.metrics.FilesFailed.Inc()
		}
	}
}
