// Package resumable implements the resumable upload engine: a byte-stream
// sink that repackages producer writes into protocol-conformant network
// chunks, drives a multi-request upload session and recovers from transient
// failures without losing or duplicating bytes.
//
// One logical upload flow owns all session state. The producer streams into
// a Writer; a single loop goroutine pulls chunks from the byte queue, sends
// them in strict offset order with at most one request in flight, reconciles
// client/server byte disagreement after failures and validates content
// integrity at completion.
package resumable

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/objstore-io/go-uploadutils/upload/resumable/bytequeue"
	"github.com/objstore-io/go-uploadutils/upload/transport"
)

// errSessionComplete is an internal signal: an offset probe during recovery
// found the upload already finished on the server.
var errSessionComplete = errors.New("session already complete")

func (w *Writer) loop() error {
	if err := w.createSession(); err != nil {
		return err
	}

	for {
		if err := w.waitForData(); err != nil {
			return err
		}

		w.mu.Lock()
		limit := bytequeue.PullAll
		if w.cfg.ChunkSize > 0 {
			limit = w.cfg.ChunkSize
		}
		data := w.queue.Pull(limit)
		final := w.producerDone && w.queue.Len() == 0
		buffered := w.queue.Len()
		w.mu.Unlock()

		if buffered <= w.cfg.HighWaterMark {
			signal(w.drainCh)
		}

		offset := w.sess.offset
		w.checksum.update(offset, data)
		w.bytesSent = offset + int64(len(data))
		w.pending = data

		w.retry.noteFirstRequest()
		resp, err := w.sess.putChunk(w.ctx, chunkRequest{offset: offset, data: data, final: final})
		if err != nil {
			if w.ctx.Err() != nil {
				return w.ctx.Err()
			}
			if !w.retry.retryable(0, err) {
				return fmt.Errorf("chunk upload failed: %w", err)
			}
			if rerr := w.recover(0, err.Error()); rerr != nil {
				return w.afterRecover(rerr)
			}
			continue
		}

		if w.cfg.OnResponse != nil {
			w.cfg.OnResponse(resp)
		}

		status := resp.StatusCode
		if !accepted(status) {
			w.logger.Debugf("Chunk at offset %d returned HTTP %d", offset, status)
		}

		switch {
		case status >= 200 && status < 300:
			obj, derr := decodeObject(resp.Body)
			w.closeBody(resp)
			if derr != nil {
				return derr
			}
			return w.finish(obj)

		case status == statusResumeIncomplete:
			confirmed, perr := parseConfirmedOffset(resp.Header.Get("Range"))
			w.closeBody(resp)
			if perr != nil {
				return perr
			}
			if err := w.reconcile(confirmed); err != nil {
				return err
			}
			if w.cfg.Progress != nil {
				w.cfg.Progress(confirmed, w.cfg.ContentLength)
			}
			if final {
				w.mu.Lock()
				drained := w.queue.Len() == 0
				w.mu.Unlock()
				if drained {
					if w.cfg.Partial {
						return &IncompleteError{SessionURI: w.sess.uri, Written: confirmed}
					}
					return fmt.Errorf("upload failed: stream ended but server confirmed only %d bytes", confirmed)
				}
			}

		case w.retry.retryable(status, nil) || status == http.StatusNotFound:
			serr := transport.ErrorFromResponse(resp)
			w.closeBody(resp)
			if rerr := w.recover(status, serr.Body); rerr != nil {
				return w.afterRecover(rerr)
			}

		default:
			serr := transport.ErrorFromResponse(resp)
			w.closeBody(resp)
			return fmt.Errorf("chunk upload failed: %w", serr)
		}
	}
}

// waitForData is the single suspension point of the pipeline: it blocks
// until a full chunk is buffered or the producer has finished, and is
// aborted by stream destruction.
func (w *Writer) waitForData() error {
	for {
		w.mu.Lock()
		buffered := w.queue.Len()
		done := w.producerDone
		w.mu.Unlock()

		if done {
			return nil
		}
		if w.cfg.ChunkSize > 0 && buffered >= w.cfg.ChunkSize {
			return nil
		}

		select {
		case <-w.dataCh:
		case <-w.ctx.Done():
			return w.ctx.Err()
		}
	}
}

// recover runs one backoff cycle after a retryable failure: it increments
// the retry counter, sleeps, re-creates the session on an early 404 and
// otherwise re-probes the confirmed offset and requeues unconfirmed bytes.
// A nil return means the loop may re-enter the upload cycle.
func (w *Writer) recover(statusCode int, lastBody string) error {
	delay, err := w.retry.nextDelay(lastBody)
	if err != nil {
		return err
	}
	w.logger.Debugf("Transient upload failure (HTTP %d), retry %d in %s", statusCode, w.retry.numRetries, delay)

	select {
	case <-time.After(delay):
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	// A 404 with no byte confirmed yet means the session is gone while every
	// transmitted byte is still recoverable from the pending chunk, so the
	// whole session restarts. With confirmed bytes on the server, the 404 is
	// handled like any other failure: resume from the last known offset.
	if statusCode == http.StatusNotFound && w.sess.offset == 0 {
		if err := w.reconcile(0); err != nil {
			return err
		}
		return w.createSession()
	}

	obj, perr := w.sess.probeOffset(w.ctx)
	if perr != nil {
		if w.ctx.Err() != nil {
			return w.ctx.Err()
		}
		if !w.retry.retryable(0, perr) {
			return perr
		}
		return w.recover(0, perr.Error())
	}
	if obj != nil {
		w.mu.Lock()
		w.result = obj
		w.mu.Unlock()
		return errSessionComplete
	}
	return w.reconcile(w.sess.offset)
}

// afterRecover translates the session-complete signal into a normal finish.
func (w *Writer) afterRecover(rerr error) error {
	if errors.Is(rerr, errSessionComplete) {
		w.mu.Lock()
		obj := w.result
		w.mu.Unlock()
		return w.finish(obj)
	}
	return rerr
}

// reconcile rewinds client state to the server-confirmed byte count: the
// unconfirmed tail of the pending chunk goes back to the queue head in
// original order and the send counter drops accordingly. Bytes the server
// has not confirmed are always replayed, never dropped or duplicated.
func (w *Writer) reconcile(confirmed int64) error {
	pendingStart := w.bytesSent - int64(len(w.pending))
	if confirmed < pendingStart {
		return fmt.Errorf("server reports %d confirmed bytes, below the replayable window starting at %d", confirmed, pendingStart)
	}
	if confirmed < w.bytesSent {
		w.mu.Lock()
		w.queue.Requeue(w.pending[confirmed-pendingStart:])
		w.mu.Unlock()
		w.bytesSent = confirmed
	}
	w.pending = nil
	w.sess.offset = confirmed
	return nil
}

func (w *Writer) finish(obj *Object) error {
	w.pending = nil
	w.sess.offset = w.bytesSent

	if err := w.checksum.validate(obj, w.sess.uri); err != nil {
		return err
	}

	w.mu.Lock()
	w.result = obj
	w.mu.Unlock()

	if w.cfg.Progress != nil {
		w.cfg.Progress(w.bytesSent, w.cfg.ContentLength)
	}
	w.logger.Debugf("Upload complete: %s/%s (%d bytes)", obj.Bucket, obj.Name, obj.Size)
	return nil
}

func (w *Writer) closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		w.logger.Printf(err.Error())
	}
}
