package caseiter

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartWorker launches name's service loop as a goroutine: allocate,
// register under Dispatcher.mu, acknowledge startup, then serialize
// load/execute requests off its own channel until told to shut down.
// It is the one place worker state crosses from the service-loop
// goroutine back onto the dispatcher: everything after the
// registration write flows back only as replies on the shared channel.
func (d *Dispatcher) StartWorker(ctx context.Context, name string, desc ResourceDescriptor, allocator ResourceAllocator) {
	d.mu.Lock()
	d.registerWorker(name, WorkerRemote)
	d.mu.Unlock()

	d.launchGroup.Go(func() error {
		d.serviceLoop(ctx, name, desc, allocator)
		return nil
	})
}

// StartLocalWorker registers the in-process sequential-mode worker. It
// has no service loop: every operation against it runs synchronously
// on the dispatcher thread.
func (d *Dispatcher) StartLocalWorker(name string) {
	d.mu.Lock()
	d.registerWorker(name, WorkerLocal)
	d.mu.Unlock()
}

func (d *Dispatcher) serviceLoop(ctx context.Context, name string, desc ResourceDescriptor, allocator ResourceAllocator) {
	handle, info, err := allocator.Allocate(ctx, desc)
	if err != nil {
		d.reply <- workerReply{worker: name, kind: replyStartup, ok: false, err: err}
		return
	}

	requests := make(chan workRequest, 1)

	d.mu.Lock()
	rec, ok := d.workers[name]
	if ok {
		rec.handle = handle
		rec.info = info
		rec.requests = requests
	}
	d.mu.Unlock()

	if !ok {
		allocator.Release(handle)
		return
	}

	d.reply <- workerReply{worker: name, kind: replyStartup, ok: true}

	for req := range requests {
		switch req.kind {
		case reqShutdown:
			allocator.Release(handle)
			d.reply <- workerReply{worker: name, kind: replyShutdown, ok: true}
			return
		case reqLoad:
			if d.transfer != nil && req.transferNeeded {
				if terr := d.transfer.Transfer(ctx, req.artifactPath, handle, req.artifactPath, true); terr != nil {
					d.reply <- workerReply{worker: name, kind: replyOp, event: &replyEvent{kind: opLoad, serverErr: terr}}
					continue
				}
			}
			scope, lerr := handle.LoadModel(ctx, req.artifactPath)
			d.reply <- workerReply{worker: name, kind: replyOp, event: &replyEvent{kind: opLoad, scope: scope, serverErr: lerr}}
		case reqExecute:
			rerr := req.scope.Run(ctx)
			d.reply <- workerReply{worker: name, kind: replyOp, event: &replyEvent{kind: opExecute, modelErr: rerr}}
		}
	}
}

// Shutdown asks every remote worker's service loop to release its
// handle and exit, and drains their shutdown acks. Local workers have
// nothing to tear down. Each ack gets its own ackTimeout window,
// refreshed every time a reply arrives, so one slow worker can't starve
// the budget the rest of the batch needs to drain cleanly.
func (d *Dispatcher) Shutdown(ctx context.Context, workerNames []string, ackTimeout time.Duration, logger *zap.Logger) {
	pending := 0
	for _, name := range workerNames {
		rec, ok := d.workers[name]
		if !ok || rec.kind == WorkerLocal || rec.requests == nil {
			continue
		}
		rec.requests <- workRequest{kind: reqShutdown}
		pending++
	}
	for pending > 0 {
		timer := time.NewTimer(ackTimeout)
		select {
		case r := <-d.reply:
			timer.Stop()
			if r.kind == replyShutdown {
				pending--
			}
		case <-timer.C:
			logger.Warn("shutdown ack timed out, abandoning worker drain", zap.Int("pending", pending))
			return
		case <-ctx.Done():
			timer.Stop()
			logger.Warn("shutdown deadline exceeded, abandoning worker drain", zap.Int("pending", pending))
			return
		}
	}
}
