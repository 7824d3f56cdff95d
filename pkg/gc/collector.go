// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package gc implements physical reclamation of payload files and
// metadata rows left behind by deleted buckets, deleted object
// versions, and finished multipart uploads. It runs as a background
// chore that periodically drives the repositories in pkg/repo, and
// exposes a synchronous single-scan entry point for tests and manual
// triggers.
package gc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tserong/sfsdb/internal/sync2"
	"github.com/tserong/sfsdb/pkg/config"
	"github.com/tserong/sfsdb/pkg/logging"
	"github.com/tserong/sfsdb/pkg/repo"
	"github.com/tserong/sfsdb/pkg/schema"
)

var mon = monkit.Package()

// Error is the gc package error class.
var Error = errs.Class("gc")

// Collector is the background reclamation engine (C7). It never
// blocks the write path: every scan is a sequence of small,
// independently-committed transactions bounded by a per-category work
// budget. Process returns the errors a scan collects; the background
// worker started by Initialize logs them and keeps running.
type Collector struct {
	log logging.Logger

	buckets    *repo.BucketRepo
	objects    *repo.ObjectRepo
	versions   *repo.VersionRepo
	multiparts *repo.MultipartRepo
	parts      *repo.PartRepo

	maxPerIteration int
	payloadPath     PayloadPathFunc
	partPath        PartPathFunc
	dataPath        string

	// Loop drives Process on a timer once Initialize has been called.
	// Exported so operators can Trigger an out-of-band scan.
	Loop *sync2.Cycle

	suspended atomic.Bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New returns a Collector that reclaims through the given
// repositories. payloadPath and partPath locate the on-disk files a
// Version or a multipart part owns; pass nil to use the default
// dataPath/payloads and dataPath/parts layout.
func New(
	log logging.Logger,
	cfg config.Source,
	buckets *repo.BucketRepo,
	objects *repo.ObjectRepo,
	versions *repo.VersionRepo,
	multiparts *repo.MultipartRepo,
	parts *repo.PartRepo,
	payloadPath PayloadPathFunc,
	partPath PartPathFunc,
) *Collector {
	log = log.Named("gc")

	maxPerIteration := cfg.Int(config.KeyGCMaxObjectsPerIteration)
	if maxPerIteration <= 0 {
		maxPerIteration = config.Defaults[config.KeyGCMaxObjectsPerIteration].(int)
	}
	interval := cfg.Duration(config.KeyGCScanInterval)
	if interval <= 0 {
		interval = config.Defaults[config.KeyGCScanInterval].(time.Duration)
	}

	if payloadPath == nil {
		payloadPath = DefaultPayloadPath(cfg.String(config.KeyDataPath))
	}
	if partPath == nil {
		partPath = DefaultPartPath(cfg.String(config.KeyDataPath))
	}

	return &Collector{
		log:             log,
		buckets:         buckets,
		objects:         objects,
		versions:        versions,
		multiparts:      multiparts,
		parts:           parts,
		maxPerIteration: maxPerIteration,
		payloadPath:     payloadPath,
		partPath:        partPath,
		dataPath:        cfg.String(config.KeyDataPath),
		Loop:            sync2.NewCycle(interval),
	}
}

// SuspendMarkerPath is the sidecar file whose mere existence pauses
// scans, checked at the start of every Process call in addition to
// the in-process Suspend flag. It lets an operator pause the
// collector across separate sfsdbctl invocations, since this module
// has no long-lived daemon to hold an in-memory flag for.
func (c *Collector) SuspendMarkerPath() string {
	return SuspendMarkerPath(c.dataPath)
}

// SuspendMarkerPath returns the suspend marker file's location under
// dataPath, for callers that want to create or remove it without
// constructing a Collector (an operator CLI running outside the
// worker process, for instance).
func SuspendMarkerPath(dataPath string) string {
	return filepath.Join(dataPath, suspendMarkerName)
}

const suspendMarkerName = ".gc-suspended"

// Initialize starts the background scan worker. It returns
// immediately; the worker runs until ctx is cancelled or Close is
// called.
func (c *Collector) Initialize(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	group, groupCtx := errgroup.WithContext(runCtx)
	c.group = group
	group.Go(func() error {
		return c.Loop.Run(groupCtx, func(ctx context.Context) error {
			if err := c.Process(ctx); err != nil {
				c.log.Error("scan failed", zap.Error(err))
			}
			return nil
		})
	})
}

// Close stops the background worker and waits for it to exit.
func (c *Collector) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.Loop.Stop()
	if c.group != nil {
		if err := c.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Suspend pauses the next scan. A scan already in progress runs to
// completion of its current item; Resume must be called before scans
// resume.
func (c *Collector) Suspend() {
	c.suspended.Store(true)
}

// Resume clears a previous Suspend.
func (c *Collector) Resume() {
	c.suspended.Store(false)
}

// Process runs exactly one scan synchronously: deleted buckets, then
// deleted versions in live buckets, then completed or aborted
// multiparts in live buckets. Each phase is bounded by the configured
// work budget. Process returns every error the scan collected,
// combined into one, but a failure reclaiming one item never prevents
// the next item, and the phases after the failing one still run. A
// payload or part file that cannot be removed is logged, not returned.
func (c *Collector) Process(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if c.suspended.Load() {
		return nil
	}
	if _, err := os.Stat(c.SuspendMarkerPath()); err == nil {
		return nil
	}

	var errList errs.Group
	errList.Add(c.processDeletedBuckets(ctx))
	if c.suspended.Load() {
		return errList.Err()
	}
	errList.Add(c.processDeletedVersions(ctx))
	if c.suspended.Load() {
		return errList.Err()
	}
	errList.Add(c.processFinishedMultiparts(ctx))

	return errList.Err()
}

// processDeletedBuckets implements algorithm step 1: for each bucket
// tombstoned deleted=true, drain its multiparts and objects, and
// remove the bucket row once nothing references it anymore.
func (c *Collector) processDeletedBuckets(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	bucketIDs, err := c.buckets.GetDeletedBucketIDs(ctx, c.maxPerIteration)
	if err != nil {
		return Error.Wrap(err)
	}

	var errList errs.Group
	for _, bucketID := range bucketIDs {
		if c.suspended.Load() {
			break
		}
		errList.Add(c.drainBucket(ctx, bucketID))
	}
	return errList.Err()
}

func (c *Collector) drainBucket(ctx context.Context, bucketID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	var errList errs.Group

	multiparts, err := c.multiparts.ListForBucket(ctx, bucketID, c.maxPerIteration)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, m := range multiparts {
		if c.suspended.Load() {
			return errList.Err()
		}
		errList.Add(c.reclaimMultipart(ctx, m))
	}

	objects, err := c.objects.ListForBucket(ctx, bucketID, c.maxPerIteration)
	if err != nil {
		errList.Add(Error.Wrap(err))
		return errList.Err()
	}
	for _, o := range objects {
		if c.suspended.Load() {
			return errList.Err()
		}
		errList.Add(c.drainObject(ctx, o))
	}

	remainingObjects, remainingMultiparts, err := c.multiparts.CountRemaining(ctx, bucketID)
	if err != nil {
		errList.Add(Error.Wrap(err))
		return errList.Err()
	}
	if remainingObjects == 0 && remainingMultiparts == 0 {
		if err := c.buckets.RemoveBucket(ctx, bucketID); err != nil {
			errList.Add(Error.Wrap(err))
		}
	}
	return errList.Err()
}

func (c *Collector) drainObject(ctx context.Context, o *repo.Object) (err error) {
	defer mon.Task()(&ctx)(&err)

	versions, err := c.versions.ListVersionsForObject(ctx, o.UUID, c.maxPerIteration)
	if err != nil {
		return Error.Wrap(err)
	}

	var errList errs.Group
	for _, v := range versions {
		errList.Add(c.reclaimVersion(ctx, v))
	}

	remaining, err := c.versions.ListVersionsForObject(ctx, o.UUID, 1)
	if err != nil {
		errList.Add(Error.Wrap(err))
		return errList.Err()
	}
	if len(remaining) == 0 {
		if err := c.objects.DeleteObject(ctx, o.UUID); err != nil {
			errList.Add(Error.Wrap(err))
		}
	}
	return errList.Err()
}

// processDeletedVersions implements algorithm step 2.
func (c *Collector) processDeletedVersions(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	versions, err := c.versions.ListVersionsByState(ctx, schema.ObjectStateDeleted, c.maxPerIteration)
	if err != nil {
		return Error.Wrap(err)
	}

	var errList errs.Group
	for _, v := range versions {
		if c.suspended.Load() {
			break
		}
		errList.Add(c.reclaimVersion(ctx, v))
	}
	return errList.Err()
}

// reclaimVersion removes v's payload file (if it has one) then its
// row. A DELETE_MARKER version never owned a file.
func (c *Collector) reclaimVersion(ctx context.Context, v *repo.Version) (err error) {
	defer mon.Task()(&ctx)(&err)

	if v.VersionType != schema.VersionTypeDeleteMarker {
		path := c.payloadPath(v.ObjectID, v.VersionID)
		if err := removeFile(path); err != nil {
			c.log.Error("failed to remove payload file", zap.String("path", path), zap.Error(err))
			return nil // retry this version on the next scan
		}
	}
	if err := c.versions.DeleteVersion(ctx, v.ID); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// processFinishedMultiparts implements algorithm step 3. DONE and
// ABORTED are budgeted independently so that one terminal state with
// many rows can't starve the other out of a scan.
func (c *Collector) processFinishedMultiparts(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var errList errs.Group
	for _, state := range []schema.MultipartState{schema.MultipartStateDone, schema.MultipartStateAborted} {
		if c.suspended.Load() {
			break
		}
		multiparts, err := c.multiparts.ListByState(ctx, []schema.MultipartState{state}, c.maxPerIteration)
		if err != nil {
			errList.Add(Error.Wrap(err))
			continue
		}
		for _, m := range multiparts {
			if c.suspended.Load() {
				break
			}
			errList.Add(c.reclaimMultipart(ctx, m))
		}
	}
	return errList.Err()
}

// reclaimMultipart removes every part file and row belonging to m,
// then m's own row.
func (c *Collector) reclaimMultipart(ctx context.Context, m *repo.Multipart) (err error) {
	defer mon.Task()(&ctx)(&err)

	parts, err := c.parts.ListForUpload(ctx, m.UploadID)
	if err != nil {
		return Error.Wrap(err)
	}

	var errList errs.Group
	allRemoved := true
	for _, p := range parts {
		path := c.partPath(m.UploadID, p.PartNum)
		if err := removeFile(path); err != nil {
			c.log.Error("failed to remove part file", zap.String("path", path), zap.Error(err))
			allRemoved = false
			continue
		}
		if err := c.parts.DeletePart(ctx, p.ID); err != nil {
			errList.Add(Error.Wrap(err))
			allRemoved = false
		}
	}
	if !allRemoved {
		return errList.Err()
	}

	if err := c.multiparts.DeleteMultipart(ctx, m.UploadID); err != nil {
		errList.Add(Error.Wrap(err))
	}
	return errList.Err()
}

// removeFile deletes path, treating a missing file as success.
func removeFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
