package media

import (
	"context"
	"log"
	"sync"
)

// PlaybackSink is the external collaborator that consumes decoded segments
// (spec §1 Out of scope — specified only where the core touches it). It
// accepts at most one append at a time.
type PlaybackSink interface {
	Open(codec string) error
	Append(ctx context.Context, data []byte) error
	EndOfStream()
}

// appendJob is one entry in the ordered append chain.
type appendJob struct {
	partNumber int // -1 for the head
	data       []byte
	done       chan struct{}
}

// pipeline serializes appends to the playback buffer: the Manager's
// exclusively-owned chain of pending appends, each waiting for the
// previous to complete before submitting its bytes (spec §4.7, §5).
type pipeline struct {
	sink PlaybackSink

	mu      sync.Mutex
	jobs    []*appendJob
	running bool
}

func newPipeline(sink PlaybackSink) *pipeline {
	return &pipeline{sink: sink}
}

// submit enqueues data for append, starting the drain loop if idle. onDone
// is invoked after this job's append completes.
func (p *pipeline) submit(ctx context.Context, partNumber int, data []byte, onDone func()) {
	job := &appendJob{partNumber: partNumber, data: data, done: make(chan struct{})}

	p.mu.Lock()
	p.jobs = append(p.jobs, job)
	start := !p.running
	if start {
		p.running = true
	}
	p.mu.Unlock()

	if onDone != nil {
		go func() {
			<-job.done
			onDone()
		}()
	}

	if start {
		go p.drain(ctx)
	}
}

func (p *pipeline) drain(ctx context.Context) {
	for {
		p.mu.Lock()
		if len(p.jobs) == 0 {
			p.running = false
			p.mu.Unlock()
			return
		}
		job := p.jobs[0]
		p.jobs = p.jobs[1:]
		p.mu.Unlock()

		if err := p.sink.Append(ctx, job.data); err != nil {
			log.Printf("media: playback append (part %d) failed: %v", job.partNumber, err)
		}
		close(job.done)
	}
}
