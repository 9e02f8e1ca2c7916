package router

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/nebula/pkg/apierror"
	"github.com/cuemby/nebula/pkg/metrics"
	"github.com/cuemby/nebula/pkg/types"
)

// errorKind classifies an upstream failure the way spec.md's telemetry
// section buckets it: connect, timeout, upstream_5xx, or other.
type errorKind string

const (
	kindConnect     errorKind = "connect"
	kindTimeout     errorKind = "timeout"
	kindUpstream5xx errorKind = "upstream_5xx"
	kindOther       errorKind = "other"
)

func (k errorKind) retryable() bool {
	return k == kindConnect || k == kindTimeout || k == kindUpstream5xx
}

// Proxy selects a replica for modelUID and forwards r to it, retrying at
// most once on a connect/timeout/5xx failure before any bytes have
// reached the client. The caller (gateway) is responsible for auth and
// request parsing; Proxy owns selection, admission, retry, and the
// circuit breaker.
func (r *Router) Proxy(w http.ResponseWriter, req *http.Request, modelUID string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RouterRequestDuration, modelUID)

	if req.ContentLength > r.cfg.MaxRequestBodyBytes {
		metrics.RouterTooLargeTotal.WithLabelValues(modelUID).Inc()
		return apierror.New(apierror.KindInvalidRequest, "request body exceeds maximum size")
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, r.cfg.MaxRequestBodyBytes+1))
	if err != nil {
		return apierror.Wrap(apierror.KindInvalidRequest, "reading request body", err)
	}
	if int64(len(body)) > r.cfg.MaxRequestBodyBytes {
		metrics.RouterTooLargeTotal.WithLabelValues(modelUID).Inc()
		return apierror.New(apierror.KindInvalidRequest, "request body exceeds maximum size")
	}

	var lastFailed string
	for attempt := 0; ; attempt++ {
		candidate, err := r.selectReplica(modelUID, req, lastFailed)
		if err != nil {
			return err
		}

		release := r.acquire(candidate.ReplicaID)
		committed, status, ferr := r.forward(w, req, body, candidate, modelUID)
		release()

		if ferr == nil {
			r.circuitFor(candidate.ReplicaID).RecordSuccess()
			metrics.RouterRequestsTotal.WithLabelValues(modelUID, candidate.ReplicaID, strconv.Itoa(status)).Inc()
			if attempt > 0 {
				metrics.RouterRetrySuccessesTotal.WithLabelValues(modelUID).Inc()
			}
			return nil
		}

		kind := classify(ferr)
		metrics.RouterUpstreamErrorsTotal.WithLabelValues(modelUID, string(kind)).Inc()
		r.circuitFor(candidate.ReplicaID).RecordFailure(time.Now(), r.cfg.CircuitFailureThreshold, r.cfg.CircuitFailureWindow)

		if committed || !kind.retryable() || attempt >= r.cfg.RetryMax {
			return apierror.Wrap(apierror.KindUpstreamError, "upstream request failed", ferr)
		}

		lastFailed = candidate.ReplicaID
		metrics.RouterRetriesTotal.WithLabelValues(modelUID).Inc()
		time.Sleep(jitteredBackoff(r.cfg.BackoffMin, r.cfg.BackoffMax))
	}
}

// forward sends one attempt to candidate and copies the response to w.
// The returned bool is true once any byte has been written to w — past
// that point the caller must not retry even if the copy itself later
// fails.
func (r *Router) forward(w http.ResponseWriter, req *http.Request, body []byte, candidate types.EndpointInfo, modelUID string) (bool, int, error) {
	outReq, err := http.NewRequestWithContext(req.Context(), req.Method, candidate.BaseURL+req.URL.RequestURI(), bytes.NewReader(body))
	if err != nil {
		return false, 0, err
	}
	outReq.Header = req.Header.Clone()
	outReq.ContentLength = int64(len(body))

	firstByte := metrics.NewTimer()
	resp, err := r.transport.RoundTrip(outReq)
	if err != nil {
		return false, 0, err
	}
	defer resp.Body.Close()
	firstByte.ObserveDurationVec(metrics.RouterTimeToFirstByte, modelUID)

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, resp.StatusCode, errUpstream5xx(resp.StatusCode)
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		committed, err := streamSSE(w, resp)
		return committed, resp.StatusCode, err
	}

	w.WriteHeader(resp.StatusCode)
	_, copyErr := io.Copy(w, resp.Body)
	return true, resp.StatusCode, copyErr
}

// streamSSE forwards resp's body to w, flushing after every chunk so no
// byte sits buffered waiting for more data. Once the status line is
// written the caller must treat this as committed regardless of outcome.
func streamSSE(w http.ResponseWriter, resp *http.Response) (bool, error) {
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return true, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				return true, nil
			}
			return true, err
		}
	}
}

func errUpstream5xx(status int) error {
	return &upstream5xxError{status: status}
}

type upstream5xxError struct{ status int }

func (e *upstream5xxError) Error() string {
	return "upstream returned " + strconv.Itoa(e.status)
}

func classify(err error) errorKind {
	if err == nil {
		return kindOther
	}
	if _, ok := err.(*upstream5xxError); ok {
		return kindUpstream5xx
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return kindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return kindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return kindConnect
	}
	return kindOther
}

func jitteredBackoff(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
