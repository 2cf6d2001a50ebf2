package gpu

import "sync"

// simStream is an in-order work queue drained by a single goroutine.
type simStream struct {
	tasks chan func()
	done  chan struct{}
	wg    sync.WaitGroup
}

func newSimStream(depth int) *simStream {
	s := &simStream{
		tasks: make(chan func(), depth),
		done:  make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *simStream) worker() {
	for task := range s.tasks {
		task()
		s.wg.Done()
	}
	close(s.done)
}

// submit enqueues task. It blocks only when the queue is full.
func (s *simStream) submit(task func()) {
	s.wg.Add(1)
	s.tasks <- task
}

func (s *simStream) synchronize() {
	s.wg.Wait()
}

func (s *simStream) close() {
	s.synchronize()
	close(s.tasks)
	<-s.done
}
