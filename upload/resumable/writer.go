package resumable

import (
	"context"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/objstore-io/go-uploadutils/upload/resumable/bytequeue"
	"github.com/objstore-io/go-uploadutils/upload/transport"
)

// Writer is the producer-facing side of a resumable upload. Write buffers
// bytes into the queue and applies backpressure above the high-water mark;
// Close signals end-of-stream and blocks until the upload terminates.
//
// A Writer belongs to exactly one upload session and must not be shared
// across uploads. Write/Close are intended for a single producer goroutine.
type Writer struct {
	cfg    Config
	logger log.Logger

	mu           sync.Mutex
	queue        *bytequeue.Queue
	producerDone bool
	closed       bool
	loopDone     bool
	terminalErr  error
	result       *Object
	sessionURI   string

	dataCh   chan struct{}
	drainCh  chan struct{}
	finished chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	sess     *session
	retry    *retryState
	checksum *checksumValidator

	// bytesSent is the stream offset just past the last transmitted byte.
	bytesSent int64
	// pending is the most recently transmitted, not yet confirmed chunk.
	pending []byte
}

// Upload validates the configuration, starts the upload loop and returns the
// Writer the producer streams into. Configuration errors are reported
// synchronously, before any network activity.
func Upload(ctx context.Context, cfg Config, logger log.Logger) (*Writer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := cfg.withDefaults()

	client := c.Client
	if client == nil {
		client = transport.NewClient(transport.ClientParams{Token: c.Token}, logger)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w := &Writer{
		cfg:      c,
		logger:   logger,
		queue:    bytequeue.New(),
		dataCh:   make(chan struct{}, 1),
		drainCh:  make(chan struct{}, 1),
		finished: make(chan struct{}),
		ctx:      loopCtx,
		cancel:   cancel,
		retry:    newRetryState(&c),
		checksum: newChecksumValidator(&c),
	}
	w.sess = &session{cfg: &w.cfg, client: client, logger: logger}

	go w.run()
	return w, nil
}

// Write buffers p for upload. In chunked mode it returns immediately unless
// the buffered byte count exceeds the configured high-water mark, in which
// case it blocks until the network loop drains the queue or the upload
// terminates. A whole-body upload buffers the entire stream, so no
// backpressure applies there.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, fmt.Errorf("write after close")
	}
	if w.loopDone {
		err := w.terminalErr
		w.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("upload already completed")
		}
		return 0, err
	}
	w.queue.Append(p)
	buffered := w.queue.Len()
	w.mu.Unlock()

	signal(w.dataCh)

	// Nothing drains before the terminal request in whole-body mode, so
	// blocking on the mark there would stall the producer forever.
	for w.cfg.ChunkSize > 0 && buffered > w.cfg.HighWaterMark {
		select {
		case <-w.drainCh:
		case <-w.ctx.Done():
			<-w.finished
			w.mu.Lock()
			err := w.terminalErr
			w.mu.Unlock()
			if err == nil {
				err = w.ctx.Err()
			}
			return 0, err
		}
		w.mu.Lock()
		buffered = w.queue.Len()
		err := w.terminalErr
		w.mu.Unlock()
		if err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

// Close signals end-of-stream and blocks until the upload finishes. It
// returns the terminal error, if any; for deliberate partial uploads this is
// an IncompleteError carrying the session URI.
func (w *Writer) Close() error {
	w.mu.Lock()
	alreadyClosed := w.closed
	w.closed = true
	w.producerDone = true
	w.mu.Unlock()

	if !alreadyClosed {
		signal(w.dataCh)
	}
	<-w.finished

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminalErr
}

// Abort destroys the stream immediately: any in-flight request is cancelled
// and no further retries are scheduled.
func (w *Writer) Abort() {
	w.cancel()
}

// Result returns the finished object metadata. It is only valid after Close
// returned nil.
func (w *Writer) Result() *Object {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result
}

// SessionURI returns the server-allocated session URI, once created. A
// paused upload can be resumed elsewhere against this URI.
func (w *Writer) SessionURI() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionURI
}

// createSession allocates a session on the server and publishes its URI for
// concurrent SessionURI readers.
func (w *Writer) createSession() error {
	if err := w.sess.create(w.ctx); err != nil {
		return err
	}
	w.mu.Lock()
	w.sessionURI = w.sess.uri
	w.mu.Unlock()
	return nil
}

func (w *Writer) run() {
	err := w.loop()

	w.mu.Lock()
	w.loopDone = true
	w.terminalErr = err
	w.mu.Unlock()

	if err != nil {
		w.logger.Debugf("Upload terminated: %s", err)
	}
	w.cancel()
	close(w.finished)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
