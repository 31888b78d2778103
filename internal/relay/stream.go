package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
)

const readBufferSize = 32 * 1024

// Stream relays the upstream event stream in body to w until the upstream
// ends, fails, or ctx is cancelled. It returns the edge that closed the
// session. Only Open failures are returned as errors; they happen before
// anything is written.
func Stream(ctx context.Context, w http.ResponseWriter, body io.Reader, opts SessionOptions) (CloseReason, error) {
	s, err := Open(w, opts)
	if err != nil {
		return CloseNone, err
	}

	stop := context.AfterFunc(ctx, s.Abort)
	defer stop()

	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			s.Data(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			s.End()
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				s.Abort()
			} else {
				s.Fail(err)
			}
			break
		}
		if isDone(s.Done()) {
			break
		}
	}

	return s.Reason(), nil
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
