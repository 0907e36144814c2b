package chat

import "sync"

// serialExecutor runs submitted jobs one at a time, in submission order, on
// its own goroutine. Submit never blocks.
type serialExecutor struct {
	mu   sync.Mutex
	jobs []func()
	wake chan struct{}
	quit chan struct{}
	once sync.Once
}

func newSerialExecutor() *serialExecutor {
	e := &serialExecutor{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *serialExecutor) submit(fn func()) {
	e.mu.Lock()
	e.jobs = append(e.jobs, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// stop discards pending jobs. A job already running is allowed to finish.
func (e *serialExecutor) stop() {
	e.once.Do(func() { close(e.quit) })
}

func (e *serialExecutor) run() {
	for {
		e.mu.Lock()
		if len(e.jobs) == 0 {
			e.mu.Unlock()
			select {
			case <-e.wake:
				continue
			case <-e.quit:
				return
			}
		}
		fn := e.jobs[0]
		e.jobs[0] = nil
		e.jobs = e.jobs[1:]
		e.mu.Unlock()

		select {
		case <-e.quit:
			return
		default:
		}
		fn()
	}
}
