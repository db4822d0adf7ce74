package listener

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/artifacts"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/store"
)

type assemblyState int

const (
	assemblyOpen assemblyState = iota
	assemblyRejected
)

// assembly accumulates the chunks of one artifact stream. Chunks and
// commits can race with the terminal run event, so every mutation holds
// the assembly's own mutex.
type assembly struct {
	mu           sync.Mutex
	runID        string
	artifactID   string
	fileName     string
	contentType  string
	declaredSize int64
	buf          bytes.Buffer
	size         atomic.Int64 // mirrors buf.Len() for lock-free run totals
	state        assemblyState
	complete     bool // all chunks received
	persisted    bool // payload durably saved
}

// blobSaver is the blob store surface the assembler writes through.
// Swapped out in tests.
type blobSaver interface {
	Save(ctx context.Context, runID, fileName, contentType string, payload []byte) (*store.Artifact, error)
}

// artifactAssembler reassembles artifact streams under per-artifact and
// per-run size caps.
type artifactAssembler struct {
	blobs  blobSaver
	meta   store.ArtifactMetaStore
	logger *logger.Logger

	maxPerFile int64
	maxPerRun  int64

	mu         sync.Mutex
	assemblies map[string]*assembly // keyed by runId:artifactId
	runTotals  map[string]int64     // persisted bytes per run, seeded lazily
}

func newArtifactAssembler(blobs blobSaver, meta store.ArtifactMetaStore, maxPerFile, maxPerRun int64, log *logger.Logger) *artifactAssembler {
	return &artifactAssembler{
		blobs:      blobs,
		meta:       meta,
		logger:     log.WithFields(zap.String("component", "artifact-assembler")),
		maxPerFile: maxPerFile,
		maxPerRun:  maxPerRun,
		assemblies: make(map[string]*assembly),
		runTotals:  make(map[string]int64),
	}
}

func assemblyKey(runID, artifactID string) string {
	return strings.ToLower(runID) + ":" + strings.ToLower(artifactID)
}

// OpenManifest starts an assembly for (runId, artifactId), replacing any
// previous assembly for the same key.
func (a *artifactAssembler) OpenManifest(ctx context.Context, runID, artifactID, fileName, contentType string, declaredSize int64) {
	normalized := artifacts.NormalizeFileName(fileName, artifactID)

	a.mu.Lock()
	if _, ok := a.runTotals[strings.ToLower(runID)]; !ok {
		persisted, err := a.meta.SumArtifactBytes(ctx, runID)
		if err != nil {
			a.logger.WithRunID(runID).Debug("failed to load persisted artifact bytes", zap.Error(err))
		}
		a.runTotals[strings.ToLower(runID)] = persisted
	}
	a.assemblies[assemblyKey(runID, artifactID)] = &assembly{
		runID:        runID,
		artifactID:   artifactID,
		fileName:     normalized,
		contentType:  contentType,
		declaredSize: declaredSize,
	}
	a.mu.Unlock()
}

// AppendChunk buffers a chunk. An assembly over either cap flips to
// Rejected and discards every later chunk. When isLastChunk is set the
// assembly is marked complete and persisted.
func (a *artifactAssembler) AppendChunk(ctx context.Context, runID, artifactID string, chunk []byte, isLastChunk bool) error {
	a.mu.Lock()
	asm, ok := a.assemblies[assemblyKey(runID, artifactID)]
	runKey := strings.ToLower(runID)
	persisted := a.runTotals[runKey]
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("no open assembly for artifact %s of run %s", artifactID, runID)
	}

	asm.mu.Lock()
	if asm.state == assemblyRejected {
		asm.mu.Unlock()
		return nil
	}
	if asm.complete {
		// A redelivered chunk after the last one. The bytes are already
		// buffered; retry the persist if an earlier attempt failed.
		retry := !asm.persisted
		asm.mu.Unlock()
		if retry {
			return a.persist(ctx, asm)
		}
		return nil
	}

	newSize := int64(asm.buf.Len()) + int64(len(chunk))
	runSize := persisted + a.bufferedForRun(runKey) + int64(len(chunk))
	if newSize > a.maxPerFile || runSize > a.maxPerRun {
		asm.state = assemblyRejected
		asm.buf.Reset()
		asm.size.Store(0)
		asm.mu.Unlock()
		a.logger.WithRunID(runID).Warn("artifact rejected, size cap exceeded",
			zap.String("artifact_id", artifactID),
			zap.Int64("artifact_bytes", newSize),
			zap.Int64("run_bytes", runSize))
		return store.ErrArtifactTooLarge
	}

	asm.buf.Write(chunk)
	asm.size.Store(int64(asm.buf.Len()))
	asm.complete = isLastChunk
	asm.mu.Unlock()

	if isLastChunk {
		return a.persist(ctx, asm)
	}
	return nil
}

// Commit persists the assembled buffer and discards the assembly state.
// On a persist failure the assembly is kept so a redelivered commit can
// retry with the buffered bytes intact.
func (a *artifactAssembler) Commit(ctx context.Context, runID, artifactID string) error {
	a.mu.Lock()
	asm, ok := a.assemblies[assemblyKey(runID, artifactID)]
	a.mu.Unlock()

	if !ok {
		return nil
	}

	if err := a.persist(ctx, asm); err != nil {
		return err
	}

	a.mu.Lock()
	delete(a.assemblies, assemblyKey(runID, artifactID))
	a.mu.Unlock()
	return nil
}

// FinalizeRun flushes every open assembly for a run: complete ones are
// persisted, the rest discarded. Called on the terminal run event.
func (a *artifactAssembler) FinalizeRun(ctx context.Context, runID string) {
	prefix := strings.ToLower(runID) + ":"

	a.mu.Lock()
	var pending []*assembly
	for key, asm := range a.assemblies {
		if strings.HasPrefix(key, prefix) {
			pending = append(pending, asm)
			delete(a.assemblies, key)
		}
	}
	delete(a.runTotals, strings.ToLower(runID))
	a.mu.Unlock()

	for _, asm := range pending {
		asm.mu.Lock()
		discard := asm.state != assemblyOpen || !asm.complete
		done := asm.persisted
		asm.mu.Unlock()
		if done {
			continue
		}
		if discard {
			a.logger.WithRunID(runID).Debug("discarding incomplete artifact assembly",
				zap.String("artifact_id", asm.artifactID))
			continue
		}
		if err := a.persist(ctx, asm); err != nil {
			a.logger.WithRunID(runID).Warn("failed to finalize artifact", zap.Error(err))
		}
	}
}

// persist saves the buffered payload. The buffer is only released after
// the save succeeds, so a failed save keeps the bytes for the retry that
// the held-back checkpoint will redeliver.
func (a *artifactAssembler) persist(ctx context.Context, asm *assembly) error {
	asm.mu.Lock()
	if asm.state == assemblyRejected || asm.persisted {
		asm.mu.Unlock()
		return nil
	}
	payload := make([]byte, asm.buf.Len())
	copy(payload, asm.buf.Bytes())
	asm.mu.Unlock()

	artifact, err := a.blobs.Save(ctx, asm.runID, asm.fileName, asm.contentType, payload)
	if err != nil {
		return fmt.Errorf("persist artifact %s: %w", asm.artifactID, err)
	}

	// The bytes now count against the run as persisted, not buffered.
	asm.mu.Lock()
	asm.persisted = true
	asm.buf.Reset()
	asm.size.Store(0)
	asm.mu.Unlock()

	a.mu.Lock()
	a.runTotals[strings.ToLower(asm.runID)] += artifact.SizeBytes
	a.mu.Unlock()
	return nil
}

// bufferedForRun sums buffered bytes across the run's open assemblies.
// Sizes are read from the atomic mirrors so no assembly lock is needed.
func (a *artifactAssembler) bufferedForRun(runKey string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total int64
	for key, asm := range a.assemblies {
		if !strings.HasPrefix(key, runKey+":") {
			continue
		}
		total += asm.size.Load()
	}
	return total
}
