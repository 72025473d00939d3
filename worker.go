package pagepipe

import (
	"context"
	"fmt"
)

// worker is a single instance processing conversion jobs.
type worker struct {
	s    *Scheduler
	jobc <-chan *Job
}

// newWorker creates a new worker. It spins up a new goroutine that waits
// on jobc for new jobs to process.
func newWorker(s *Scheduler, jobc <-chan *Job) *worker {
	w := &worker{s: s, jobc: jobc}
	go w.run()
	return w
}

// run is the main goroutine in the worker. It listens for new jobs, then
// calls process.
func (w *worker) run() {
	defer w.s.workersWg.Done()
	for {
		job, more := <-w.jobc
		if !more {
			// jobc has been closed
			return
		}
		err := w.process(job)
		if err != nil {
			w.s.logger.Printf("pagepipe: job %v failed: %v", job.ID, err)
		}
	}
}

// process runs a single job: it invokes the rasterizer and hands the
// outcome back to the scheduler. A panic in the rasterizer fails the
// job instead of killing the worker pool.
func (w *worker) process(job *Job) (err error) {
	defer func() {
		w.s.mu.Lock()
		w.s.working--
		w.s.mu.Unlock()
	}()

	attempt := job.Attempt

	defer func() {
		if r := recover(); r != nil {
			w.s.logger.Printf("pagepipe: job %v panicked: %v", job.ID, r)
			err = w.s.finish(job, attempt, nil, Permanent(fmt.Errorf("internal error: %v", r)))
		}
	}()

	progress := func(stage Stage, percent int) {
		w.s.reportProgress(job.ID, attempt, stage, percent)
	}

	w.s.testJobStarted() // testing hook

	result, rerr := w.s.rast.Rasterize(context.Background(), job.DocumentID, progress)
	if rerr != nil {
		w.s.logger.Printf("pagepipe: rasterizing document %v for job %v failed: %v", job.DocumentID, job.ID, rerr)
	}
	return w.s.finish(job, attempt, result, rerr)
}
